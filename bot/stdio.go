package bot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// StdioGateway is a development gateway speaking JSON lines: events arrive on
// the reader, one object per line, and every outgoing action is written to
// the writer the same way. It lets the responder run end to end without a
// platform connection.
type StdioGateway struct {
	events chan Event
	me     User

	mu  sync.Mutex
	out *json.Encoder
	seq atomic.Int64
}

// stdioEvent is the wire shape for incoming lines.
type stdioEvent struct {
	Type      string `json:"type"` // "message" or "reaction"
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Bot       bool   `json:"bot,omitempty"`
	Text      string `json:"text,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

type stdioAction struct {
	Action    string `json:"action"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	Suppress  *bool  `json:"suppress,omitempty"`
}

// NewStdioGateway starts a reader goroutine and returns the gateway. The
// event channel closes when the reader hits EOF or the context ends.
func NewStdioGateway(ctx context.Context, in io.Reader, out io.Writer) *StdioGateway {
	g := &StdioGateway{
		events: make(chan Event, 64),
		me:     User{ID: "relink-bot", Name: "relink", Bot: true},
		out:    json.NewEncoder(out),
	}
	go g.readLoop(ctx, in)
	return g
}

func (g *StdioGateway) readLoop(ctx context.Context, in io.Reader) {
	defer close(g.events)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw stdioEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			slog.Warn("malformed gateway line", slog.Any("err", err))
			continue
		}
		var ev Event
		switch raw.Type {
		case "message":
			ev.Message = &MessageEvent{
				MessageID: raw.MessageID,
				ChannelID: raw.ChannelID,
				GuildID:   raw.GuildID,
				Author:    User{ID: raw.UserID, Name: raw.UserName, Bot: raw.Bot},
				Text:      raw.Text,
			}
		case "reaction":
			ev.Reaction = &ReactionEvent{
				MessageID: raw.MessageID,
				ChannelID: raw.ChannelID,
				GuildID:   raw.GuildID,
				Emoji:     raw.Emoji,
				Reactor:   User{ID: raw.UserID, Name: raw.UserName, Bot: raw.Bot},
			}
		default:
			slog.Warn("unknown gateway event type", slog.String("type", raw.Type))
			continue
		}
		select {
		case g.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("gateway read error", slog.Any("err", err))
	}
}

func (g *StdioGateway) emit(a stdioAction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.out.Encode(a)
}

func (g *StdioGateway) Events() <-chan Event { return g.events }
func (g *StdioGateway) Me() User             { return g.me }

func (g *StdioGateway) PostMessage(_ context.Context, channelID, text string) (string, error) {
	id := fmt.Sprintf("stdio-%d", g.seq.Add(1))
	if err := g.emit(stdioAction{Action: "post_message", ChannelID: channelID, MessageID: id, Text: text}); err != nil {
		return "", err
	}
	return id, nil
}

func (g *StdioGateway) DeleteMessage(_ context.Context, channelID, messageID string) error {
	return g.emit(stdioAction{Action: "delete_message", ChannelID: channelID, MessageID: messageID})
}

func (g *StdioGateway) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	return g.emit(stdioAction{Action: "add_reaction", ChannelID: channelID, MessageID: messageID, Emoji: emoji})
}

func (g *StdioGateway) RemoveOwnReaction(_ context.Context, channelID, messageID, emoji string) error {
	return g.emit(stdioAction{Action: "remove_own_reaction", ChannelID: channelID, MessageID: messageID, Emoji: emoji})
}

func (g *StdioGateway) SuppressEmbeds(_ context.Context, channelID, messageID string, suppress bool) error {
	return g.emit(stdioAction{Action: "suppress_embeds", ChannelID: channelID, MessageID: messageID, Suppress: &suppress})
}

// HasPermission always grants: the stdio driver has no permission model.
func (g *StdioGateway) HasPermission(context.Context, string, string, string) (bool, error) {
	return true, nil
}
