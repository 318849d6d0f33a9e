package links

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "empty",
			text: "",
			want: nil,
		},
		{
			name: "no_links",
			text: "just chatting, no urls here",
			want: nil,
		},
		{
			name: "single_post_link",
			text: "look at https://reddit.com/r/golang/comments/abc123/title/",
			want: []string{"https://reddit.com/r/golang/comments/abc123/title/"},
		},
		{
			name: "host_variants",
			text: "Check https://reddit.com/r/test and https://old.reddit.com/r/test",
			want: []string{"https://reddit.com/r/test", "https://old.reddit.com/r/test"},
		},
		{
			name: "www_and_np",
			text: "a https://www.reddit.com/r/pics/comments/x1 b http://np.reddit.com/r/pics/comments/x2",
			want: []string{"https://www.reddit.com/r/pics/comments/x1", "http://np.reddit.com/r/pics/comments/x2"},
		},
		{
			name: "duplicates_collapse",
			text: "a: https://reddit.com/r/test https://reddit.com/r/test",
			want: []string{"https://reddit.com/r/test"},
		},
		{
			name: "uppercase_host_matches",
			text: "HTTPS://REDDIT.COM/r/Test",
			want: []string{"HTTPS://REDDIT.COM/r/Test"},
		},
		{
			name: "profile_path_rejected",
			text: "see https://reddit.com/user/spez and https://reddit.com/u/spez",
			want: nil,
		},
		{
			name: "bare_host_rejected",
			text: "https://reddit.com is down",
			want: nil,
		},
		{
			name: "unrelated_host_rejected",
			text: "https://fakereddit.com/r/test is not reddit",
			want: nil,
		},
		{
			name: "query_string_kept",
			text: "https://old.reddit.com/r/golang/comments/abc?context=3&sort=top",
			want: []string{"https://old.reddit.com/r/golang/comments/abc?context=3&sort=top"},
		},
		{
			name: "trailing_punctuation_overmatches",
			// Deliberate policy: "." and "," are legal path characters, so a
			// sentence-final dot rides along with the match.
			text: "read https://reddit.com/r/golang/comments/abc.",
			want: []string{"https://reddit.com/r/golang/comments/abc."},
		},
		{
			name: "whitespace_terminates",
			text: "https://reddit.com/r/a\nhttps://reddit.com/r/b",
			want: []string{"https://reddit.com/r/a", "https://reddit.com/r/b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Detect mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDetectIsStateless(t *testing.T) {
	text := "https://reddit.com/r/test"
	first := Detect(text)
	for i := 0; i < 100; i++ {
		if diff := cmp.Diff(first, Detect(text)); diff != "" {
			t.Fatalf("call %d diverged (-first +got):\n%s", i, diff)
		}
	}
}

func TestConvertOne(t *testing.T) {
	tests := []struct {
		name string
		link string
		want string
	}{
		{
			name: "plain",
			link: "https://reddit.com/r/test",
			want: "https://rxddit.com/r/test",
		},
		{
			name: "old_subdomain",
			link: "https://old.reddit.com/r/test",
			want: "https://rxddit.com/r/test",
		},
		{
			name: "http_upgraded",
			link: "http://www.reddit.com/r/golang/comments/abc",
			want: "https://rxddit.com/r/golang/comments/abc",
		},
		{
			name: "trailing_slash_kept",
			link: "https://reddit.com/r/golang/comments/abc/",
			want: "https://rxddit.com/r/golang/comments/abc/",
		},
		{
			name: "query_kept",
			link: "https://np.reddit.com/r/pics/comments/xyz?share_id=1&utm_source=app",
			want: "https://rxddit.com/r/pics/comments/xyz?share_id=1&utm_source=app",
		},
		{
			name: "path_case_kept_host_normalized",
			link: "HTTP://OLD.Reddit.COM/r/GoLang/comments/AbC",
			want: "https://rxddit.com/r/GoLang/comments/AbC",
		},
		{
			name: "non_reddit_untouched",
			link: "https://example.com/r/test",
			want: "https://example.com/r/test",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConvertOne(tt.link); got != tt.want {
				t.Errorf("ConvertOne(%q) = %q, want %q", tt.link, got, tt.want)
			}
		})
	}
}

func TestConvertAll(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "no_links_untouched",
			text: "plain text with *markdown* and an emoji 🎉",
			want: "plain text with *markdown* and an emoji 🎉",
		},
		{
			name: "spec_scenario",
			text: "Check https://reddit.com/r/test and https://old.reddit.com/r/test",
			want: "Check https://rxddit.com/r/test and https://rxddit.com/r/test",
		},
		{
			name: "duplicates_each_replaced",
			text: "a: https://reddit.com/r/test https://reddit.com/r/test",
			want: "a: https://rxddit.com/r/test https://rxddit.com/r/test",
		},
		{
			name: "surrounding_text_preserved",
			text: "**hot**: https://www.reddit.com/r/golang/comments/abc/\nnot reddit: https://example.com/r/x",
			want: "**hot**: https://rxddit.com/r/golang/comments/abc/\nnot reddit: https://example.com/r/x",
		},
		{
			name: "profile_link_untouched",
			text: "profile https://reddit.com/user/spez stays",
			want: "profile https://reddit.com/user/spez stays",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConvertAll(tt.text); got != tt.want {
				t.Errorf("ConvertAll mismatch\n got: %q\nwant: %q", got, tt.want)
			}
		})
	}
}

func TestRoundTripPreservesPathAndQuery(t *testing.T) {
	inputs := []string{
		"https://reddit.com/r/test",
		"https://old.reddit.com/r/golang/comments/abc123/some_title/",
		"http://reddit.com/r/Pics/comments/q?sort=new",
	}
	for _, in := range inputs {
		out := ConvertOne(in)
		tail := hostPattern.ReplaceAllString(in, "")
		if want := "https://" + TargetHost + tail; out != want {
			t.Errorf("ConvertOne(%q) = %q, want %q", in, out, want)
		}
	}
}
