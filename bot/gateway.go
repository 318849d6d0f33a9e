package bot

import "context"

// User identifies a chat platform account.
type User struct {
	ID   string
	Name string
	Bot  bool
}

// MessageEvent is a message-created event from the gateway. GuildID is empty
// for direct messages.
type MessageEvent struct {
	MessageID string
	ChannelID string
	GuildID   string
	Author    User
	Text      string
}

// ReactionEvent is a reaction-added event. MessageID may refer to either the
// original message or the bot's reply; both are resolved.
type ReactionEvent struct {
	MessageID string
	ChannelID string
	GuildID   string
	Emoji     string
	Reactor   User
}

// Event is the union the gateway subscription delivers; exactly one field is
// non-nil.
type Event struct {
	Message  *MessageEvent
	Reaction *ReactionEvent
}

// Permission actions checked via Gateway.HasPermission.
const (
	ActionSendMessages   = "send_messages"
	ActionAddReactions   = "add_reactions"
	ActionManageMessages = "manage_messages"
)

// Gateway is the chat platform collaborator. How events arrive (connection,
// intents, partial-object fetch) is the implementation's concern; the bot
// only consumes the subscription and issues the calls below. All calls may
// block and honor ctx.
type Gateway interface {
	// Events returns the subscription channel. The gateway closes it when
	// the connection shuts down.
	Events() <-chan Event
	// Me returns the bot's own account.
	Me() User

	PostMessage(ctx context.Context, channelID, text string) (messageID string, err error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveOwnReaction(ctx context.Context, channelID, messageID, emoji string) error
	SuppressEmbeds(ctx context.Context, channelID, messageID string, suppress bool) error
	HasPermission(ctx context.Context, channelID, actorID, action string) (bool, error)
}
