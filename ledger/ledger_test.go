package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onnwee/relink/ledger"
	"github.com/onnwee/relink/testutil"
)

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	db := testutil.SetupTestDB(t)
	return ledger.New(db)
}

func sampleInput(id string) ledger.ConversionInput {
	return ledger.ConversionInput{
		OriginalMessageID: id,
		ChannelID:         "chan-1",
		GuildID:           "guild-1",
		AuthorID:          "u1",
		AuthorName:        "alice",
		OriginalText:      "see https://reddit.com/r/test",
		ConvertedText:     "see https://rxddit.com/r/test",
		OriginalLinks:     []string{"https://reddit.com/r/test"},
		ConvertedLinks:    []string{"https://rxddit.com/r/test"},
		ReplyMessageID:    "reply-" + id,
	}
}

func TestRecordConversionIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("m-idem-%d", time.Now().UnixNano())

	if err := store.RecordConversion(ctx, sampleInput(id)); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if ok, err := store.TryRevert(ctx, id); err != nil || !ok {
		t.Fatalf("revert: ok=%v err=%v", ok, err)
	}

	// Re-record with different content: one row, new content, reverted reset.
	in2 := sampleInput(id)
	in2.OriginalText = "updated text https://reddit.com/r/other"
	in2.OriginalLinks = []string{"https://reddit.com/r/other"}
	in2.ConvertedLinks = []string{"https://rxddit.com/r/other"}
	if err := store.RecordConversion(ctx, in2); err != nil {
		t.Fatalf("second record: %v", err)
	}

	got, err := store.GetConversion(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Reverted {
		t.Error("reverted should reset to false on re-record")
	}
	if got.OriginalText != in2.OriginalText {
		t.Errorf("original text = %q, want %q", got.OriginalText, in2.OriginalText)
	}
	if diff := cmp.Diff(in2.ConvertedLinks, got.ConvertedLinks); diff != "" {
		t.Errorf("converted links mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordConversionLinkLengthMismatch(t *testing.T) {
	store := newTestStore(t)
	in := sampleInput("m-mismatch")
	in.ConvertedLinks = append(in.ConvertedLinks, "https://rxddit.com/r/extra")
	if err := store.RecordConversion(context.Background(), in); err == nil {
		t.Fatal("expected error on link length mismatch")
	}
}

func TestTryRevertAtMostOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("m-race-%d", time.Now().UnixNano())
	if err := store.RecordConversion(ctx, sampleInput(id)); err != nil {
		t.Fatalf("record: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.TryRevert(ctx, id)
			if err != nil {
				t.Errorf("try revert: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}

	// A subsequent attempt also loses.
	if ok, err := store.TryRevert(ctx, id); err != nil || ok {
		t.Errorf("post-race revert: ok=%v err=%v, want false nil", ok, err)
	}
	got, err := store.GetConversion(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if !got.Reverted {
		t.Error("record should be reverted")
	}
}

func TestTryRevertUnknownID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ok, err := store.TryRevert(ctx, "never-recorded")
	if err != nil {
		t.Fatalf("try revert: %v", err)
	}
	if ok {
		t.Error("revert of unknown id returned true")
	}
	if got, err := store.GetConversion(ctx, "never-recorded"); err != nil || got != nil {
		t.Errorf("unknown id should stay absent, got %v err %v", got, err)
	}
}

func TestReactionAuditTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("m-react-%d", time.Now().UnixNano())
	if err := store.RecordConversion(ctx, sampleInput(id)); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Non-author first, then author; both land in the trail.
	for i, r := range []ledger.ReactionInput{
		{OriginalMessageID: id, ReactorID: "u2", ReactorName: "bob", Emoji: "🔁", IsRevertCandidate: false},
		{OriginalMessageID: id, ReactorID: "u1", ReactorName: "alice", Emoji: "🔁", IsRevertCandidate: true},
	} {
		rid, err := store.RecordReaction(ctx, r)
		if err != nil {
			t.Fatalf("record reaction %d: %v", i, err)
		}
		if rid == 0 {
			t.Fatalf("reaction %d: expected non-zero id", i)
		}
	}

	list, err := store.ListReactions(ctx, id)
	if err != nil {
		t.Fatalf("list reactions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ReactorID != "u2" || list[1].ReactorID != "u1" {
		t.Errorf("order by observed_at violated: %q then %q", list[0].ReactorID, list[1].ReactorID)
	}
	if list[0].IsRevertCandidate || !list[1].IsRevertCandidate {
		t.Error("is_revert_candidate flags wrong")
	}
	if !list[0].ObservedAt.After(time.Time{}) {
		t.Error("observed_at not set")
	}
}

func TestRecordReactionAfterPurgeIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rid, err := store.RecordReaction(ctx, ledger.ReactionInput{
		OriginalMessageID: "purged-away", ReactorID: "u1", Emoji: "🔁",
	})
	if err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if rid != 0 {
		t.Errorf("id = %d, want 0 for orphan reaction", rid)
	}
}

func TestAuthorRevertScenario(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("m1-%d", time.Now().UnixNano())
	if err := store.RecordConversion(ctx, sampleInput(id)); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Stranger reacts: logged, no revert attempted, record stays active.
	if _, err := store.RecordReaction(ctx, ledger.ReactionInput{OriginalMessageID: id, ReactorID: "u2", Emoji: "🔁"}); err != nil {
		t.Fatalf("stranger reaction: %v", err)
	}
	got, _ := store.GetConversion(ctx, id)
	if got.Reverted {
		t.Fatal("record reverted without author action")
	}

	// Author reacts and wins exactly once.
	if _, err := store.RecordReaction(ctx, ledger.ReactionInput{OriginalMessageID: id, ReactorID: "u1", Emoji: "🔁", IsRevertCandidate: true}); err != nil {
		t.Fatalf("author reaction: %v", err)
	}
	if ok, err := store.TryRevert(ctx, id); err != nil || !ok {
		t.Fatalf("first revert: ok=%v err=%v", ok, err)
	}
	if ok, err := store.TryRevert(ctx, id); err != nil || ok {
		t.Fatalf("second revert: ok=%v err=%v, want false", ok, err)
	}
	got, _ = store.GetConversion(ctx, id)
	if !got.Reverted {
		t.Error("record not reverted")
	}
}

func TestDeleteConversion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("m-del-%d", time.Now().UnixNano())
	if err := store.RecordConversion(ctx, sampleInput(id)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ok, err := store.DeleteConversion(ctx, id); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if ok, err := store.DeleteConversion(ctx, id); err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v, want false", ok, err)
	}
}

func TestLookupByReply(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("m-reply-%d", time.Now().UnixNano())
	in := sampleInput(id)
	if err := store.RecordConversion(ctx, in); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := store.GetConversionByReply(ctx, in.ReplyMessageID)
	if err != nil {
		t.Fatalf("get by reply: %v", err)
	}
	if got == nil || got.OriginalMessageID != id {
		t.Fatalf("got %+v, want record %s", got, id)
	}
	if miss, err := store.GetConversionByReply(ctx, "no-such-reply"); err != nil || miss != nil {
		t.Errorf("missing reply should be nil,nil; got %v %v", miss, err)
	}
}

func TestListByAuthorOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	author := fmt.Sprintf("author-%d", time.Now().UnixNano())
	for i := 0; i < 3; i++ {
		in := sampleInput(fmt.Sprintf("%s-m%d", author, i))
		in.AuthorID = author
		if err := store.RecordConversion(ctx, in); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond) // distinct created_at
	}

	list, err := store.ListByAuthor(ctx, author, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2 (limit)", len(list))
	}
	if !list[0].CreatedAt.After(list[1].CreatedAt) && !list[0].CreatedAt.Equal(list[1].CreatedAt) {
		t.Errorf("not descending: %v then %v", list[0].CreatedAt, list[1].CreatedAt)
	}
	if list[0].OriginalMessageID != author+"-m2" {
		t.Errorf("newest first expected m2, got %s", list[0].OriginalMessageID)
	}
}

func TestPurgeCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	suffix := time.Now().UnixNano()
	oldID := fmt.Sprintf("m-old-%d", suffix)
	newID := fmt.Sprintf("m-new-%d", suffix)

	for _, id := range []string{oldID, newID} {
		if err := store.RecordConversion(ctx, sampleInput(id)); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
		for _, reactor := range []string{"u1", "u2"} {
			if _, err := store.RecordReaction(ctx, ledger.ReactionInput{OriginalMessageID: id, ReactorID: reactor, Emoji: "🔁"}); err != nil {
				t.Fatalf("reaction: %v", err)
			}
		}
	}

	// Age the old record past the threshold.
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE conversions SET created_at = NOW() - INTERVAL '48 hours' WHERE original_message_id=$1`, oldID); err != nil {
		t.Fatalf("age record: %v", err)
	}

	n, err := store.PurgeOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n < 1 {
		t.Fatalf("purged = %d, want >= 1", n)
	}

	if got, _ := store.GetConversion(ctx, oldID); got != nil {
		t.Error("old record survived purge")
	}
	if rs, err := store.ListReactions(ctx, oldID); err != nil || len(rs) != 0 {
		t.Errorf("orphaned reactions after purge: %v err=%v", rs, err)
	}
	if got, _ := store.GetConversion(ctx, newID); got == nil {
		t.Error("new record purged too early")
	}
	if rs, _ := store.ListReactions(ctx, newID); len(rs) != 2 {
		t.Errorf("new record reactions = %d, want 2", len(rs))
	}
}

func TestStatsConsistency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("m-stats-%d", time.Now().UnixNano())
	if err := store.RecordConversion(ctx, sampleInput(id)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := store.RecordReaction(ctx, ledger.ReactionInput{OriginalMessageID: id, ReactorID: "u1", Emoji: "🔁", IsRevertCandidate: true}); err != nil {
		t.Fatalf("reaction: %v", err)
	}
	if ok, err := store.TryRevert(ctx, id); err != nil || !ok {
		t.Fatalf("revert: ok=%v err=%v", ok, err)
	}

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalConversions < 1 || st.TotalReactions < 1 || st.TotalReverted < 1 {
		t.Errorf("stats too small: %+v", st)
	}
	if st.TotalReverted > st.TotalConversions {
		t.Errorf("reverted %d > conversions %d", st.TotalReverted, st.TotalConversions)
	}
}
