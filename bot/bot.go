package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/relink/ledger"
	"github.com/onnwee/relink/links"
	"github.com/onnwee/relink/telemetry"
)

// Ledger is the slice of the conversation ledger the handler needs.
// *ledger.Store satisfies it; tests substitute an in-memory fake.
type Ledger interface {
	RecordConversion(ctx context.Context, in ledger.ConversionInput) error
	GetConversion(ctx context.Context, originalMessageID string) (*ledger.Conversion, error)
	GetConversionByReply(ctx context.Context, replyMessageID string) (*ledger.Conversion, error)
	TryRevert(ctx context.Context, originalMessageID string) (bool, error)
	RecordReaction(ctx context.Context, in ledger.ReactionInput) (int64, error)
}

// ConversionCache is the optional Redis lookup layer. *cache.Cache satisfies
// it; a nil cache disables caching entirely.
type ConversionCache interface {
	Put(ctx context.Context, conv *ledger.Conversion) error
	GetByOriginal(ctx context.Context, originalMessageID string) (*ledger.Conversion, error)
	GetByReply(ctx context.Context, replyMessageID string) (*ledger.Conversion, error)
	Invalidate(ctx context.Context, originalMessageID, replyMessageID string) error
}

// Options tune a Handler. Zero values get sensible defaults.
type Options struct {
	// TriggerEmoji marks processed messages and signals author revert.
	TriggerEmoji string
	// CallTimeout bounds every individual gateway call.
	CallTimeout time.Duration
	// Cache is consulted before the ledger on reaction lookups. May be nil.
	Cache ConversionCache
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler bridges gateway events to the link transformer and the ledger, and
// issues the compensating platform actions.
type Handler struct {
	gw      Gateway
	store   Ledger
	cache   ConversionCache
	log     *slog.Logger
	trigger string
	timeout time.Duration
}

// New constructs a Handler. The gateway and store are required.
func New(gw Gateway, store Ledger, opts Options) *Handler {
	if opts.TriggerEmoji == "" {
		opts.TriggerEmoji = "🔁"
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		gw:      gw,
		store:   store,
		cache:   opts.Cache,
		log:     opts.Logger,
		trigger: opts.TriggerEmoji,
		timeout: opts.CallTimeout,
	}
}

// call runs one gateway operation under the configured timeout.
func (h *Handler) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return fn(cctx)
}

// HandleMessage processes a message-created event. Unqualified events are
// silent no-ops; failures are logged and contained, never propagated.
func (h *Handler) HandleMessage(ctx context.Context, ev MessageEvent) {
	telemetry.CountEvent("message")
	logger := h.log.With(
		slog.String("message_id", ev.MessageID),
		slog.String("channel_id", ev.ChannelID),
		slog.String("author_id", ev.Author.ID))

	if ev.Author.Bot || ev.Text == "" || ev.GuildID == "" {
		logger.Debug("message does not qualify", slog.Bool("bot", ev.Author.Bot), slog.Bool("dm", ev.GuildID == ""))
		if telemetry.EventsSkipped != nil {
			telemetry.EventsSkipped.Inc()
		}
		return
	}

	matched := links.Detect(ev.Text)
	if len(matched) == 0 {
		return
	}

	me := h.gw.Me()
	var allowed bool
	err := h.call(ctx, func(cctx context.Context) error {
		var err error
		allowed, err = h.gw.HasPermission(cctx, ev.ChannelID, me.ID, ActionSendMessages)
		return err
	})
	if err != nil {
		if telemetry.GatewayErrors != nil {
			telemetry.GatewayErrors.Inc()
		}
		logger.Warn("permission check failed", slog.Any("err", err))
		return
	}
	if !allowed {
		logger.Debug("missing send permission; skipping")
		return
	}

	// Content policy: the reply carries the full original text with every
	// link substituted in place.
	converted := links.ConvertAll(ev.Text)

	var replyID string
	err = h.call(ctx, func(cctx context.Context) error {
		var err error
		replyID, err = h.gw.PostMessage(cctx, ev.ChannelID, converted)
		return err
	})
	if err != nil {
		if telemetry.GatewayErrors != nil {
			telemetry.GatewayErrors.Inc()
		}
		logger.Warn("post replacement failed", slog.Any("err", err))
		return
	}
	if telemetry.ConversionsPosted != nil {
		telemetry.ConversionsPosted.Inc()
	}

	// The original keeps its embed-free presentation; the reply carries the
	// working links. Best effort.
	if err := h.call(ctx, func(cctx context.Context) error {
		return h.gw.SuppressEmbeds(cctx, ev.ChannelID, ev.MessageID, true)
	}); err != nil {
		logger.Debug("suppress embeds failed", slog.Any("err", err))
	}

	convertedLinks := make([]string, len(matched))
	for i, l := range matched {
		convertedLinks[i] = links.ConvertOne(l)
	}
	input := ledger.ConversionInput{
		OriginalMessageID: ev.MessageID,
		ChannelID:         ev.ChannelID,
		GuildID:           ev.GuildID,
		AuthorID:          ev.Author.ID,
		AuthorName:        ev.Author.Name,
		OriginalText:      ev.Text,
		ConvertedText:     converted,
		OriginalLinks:     matched,
		ConvertedLinks:    convertedLinks,
		ReplyMessageID:    replyID,
	}
	if err := h.store.RecordConversion(ctx, input); err != nil {
		// Reply posted, ledger write lost: the documented inconsistency
		// window. Reconciliation is an operator concern, not handled here.
		if telemetry.StorageErrors != nil {
			telemetry.StorageErrors.Inc()
		}
		logger.Error("ledger write failed after posting reply", slog.String("reply_id", replyID), slog.Any("err", err))
		return
	}

	if h.cache != nil {
		// A re-record changes the reply id; drop the old pair so the stale
		// reply key cannot keep resolving.
		if prior, err := h.cache.GetByOriginal(ctx, ev.MessageID); err == nil && prior != nil && prior.ReplyMessageID != replyID {
			if err := h.cache.Invalidate(ctx, prior.OriginalMessageID, prior.ReplyMessageID); err != nil {
				logger.Debug("cache invalidate failed", slog.Any("err", err))
			}
		}
		conv, err := h.store.GetConversion(ctx, ev.MessageID)
		if err == nil && conv != nil {
			if err := h.cache.Put(ctx, conv); err != nil {
				logger.Debug("cache put failed", slog.Any("err", err))
			}
		}
	}

	// Trigger-emoji affordance on the original, inviting the author revert.
	var canReact bool
	if err := h.call(ctx, func(cctx context.Context) error {
		var err error
		canReact, err = h.gw.HasPermission(cctx, ev.ChannelID, me.ID, ActionAddReactions)
		return err
	}); err != nil || !canReact {
		logger.Debug("skipping reaction affordance", slog.Bool("allowed", canReact), slog.Any("err", err))
		return
	}
	if err := h.call(ctx, func(cctx context.Context) error {
		return h.gw.AddReaction(cctx, ev.ChannelID, ev.MessageID, h.trigger)
	}); err != nil {
		logger.Debug("add reaction failed", slog.Any("err", err))
	}
}

// resolve finds the conversion a reaction refers to, trying the original
// message id first and the reply id second, with the cache in front of the
// ledger on both paths.
func (h *Handler) resolve(ctx context.Context, messageID string) (*ledger.Conversion, error) {
	if h.cache != nil {
		if conv, err := h.cache.GetByOriginal(ctx, messageID); err == nil && conv != nil {
			return conv, nil
		}
	}
	conv, err := h.store.GetConversion(ctx, messageID)
	if err != nil || conv != nil {
		return conv, err
	}
	if h.cache != nil {
		if conv, err := h.cache.GetByReply(ctx, messageID); err == nil && conv != nil {
			return conv, nil
		}
	}
	return h.store.GetConversionByReply(ctx, messageID)
}

// HandleReaction processes a reaction-added event. Every qualifying reaction
// lands in the audit trail before any revert is attempted, so the trail is
// complete even when the revert loses the race.
func (h *Handler) HandleReaction(ctx context.Context, ev ReactionEvent) {
	telemetry.CountEvent("reaction")
	if ev.Reactor.Bot || ev.Emoji != h.trigger {
		return
	}
	logger := h.log.With(
		slog.String("message_id", ev.MessageID),
		slog.String("channel_id", ev.ChannelID),
		slog.String("reactor_id", ev.Reactor.ID))

	record, err := h.resolve(ctx, ev.MessageID)
	if err != nil {
		if telemetry.StorageErrors != nil {
			telemetry.StorageErrors.Inc()
		}
		logger.Warn("conversion lookup failed", slog.Any("err", err))
		return
	}
	if record == nil {
		logger.Debug("reaction on untracked message")
		return
	}

	isCandidate := ev.Reactor.ID == record.AuthorID
	if _, err := h.store.RecordReaction(ctx, ledger.ReactionInput{
		OriginalMessageID: record.OriginalMessageID,
		ReactorID:         ev.Reactor.ID,
		ReactorName:       ev.Reactor.Name,
		Emoji:             ev.Emoji,
		IsRevertCandidate: isCandidate,
	}); err != nil {
		if telemetry.StorageErrors != nil {
			telemetry.StorageErrors.Inc()
		}
		logger.Warn("record reaction failed", slog.Any("err", err))
		// Fall through: a lost audit row must not block the revert.
	} else if telemetry.ReactionsRecorded != nil {
		telemetry.ReactionsRecorded.Inc()
	}

	if !isCandidate {
		logger.Debug("reactor is not the author; reaction logged only")
		return
	}

	won, err := h.store.TryRevert(ctx, record.OriginalMessageID)
	if err != nil {
		if telemetry.StorageErrors != nil {
			telemetry.StorageErrors.Inc()
		}
		logger.Warn("revert attempt failed", slog.Any("err", err))
		return
	}
	if !won {
		// A concurrent or redelivered event already won.
		if telemetry.RevertsRejected != nil {
			telemetry.RevertsRejected.Inc()
		}
		logger.Debug("revert already performed")
		return
	}
	if telemetry.RevertsSucceeded != nil {
		telemetry.RevertsSucceeded.Inc()
	}
	logger.Info("revert won; undoing platform side effects",
		slog.String("original_id", record.OriginalMessageID),
		slog.String("reply_id", record.ReplyMessageID))

	if h.cache != nil {
		if err := h.cache.Invalidate(ctx, record.OriginalMessageID, record.ReplyMessageID); err != nil {
			logger.Debug("cache invalidate failed", slog.Any("err", err))
		}
	}

	// The ledger transition is the source of truth. Platform cleanup below is
	// advisory: each step is independent and best-effort.
	if err := h.call(ctx, func(cctx context.Context) error {
		return h.gw.DeleteMessage(cctx, record.ChannelID, record.ReplyMessageID)
	}); err != nil {
		if telemetry.GatewayErrors != nil {
			telemetry.GatewayErrors.Inc()
		}
		logger.Warn("delete reply failed", slog.Any("err", err))
	}
	if err := h.call(ctx, func(cctx context.Context) error {
		return h.gw.RemoveOwnReaction(cctx, record.ChannelID, record.OriginalMessageID, h.trigger)
	}); err != nil {
		if telemetry.GatewayErrors != nil {
			telemetry.GatewayErrors.Inc()
		}
		logger.Warn("remove own reaction failed", slog.Any("err", err))
	}
	if err := h.call(ctx, func(cctx context.Context) error {
		return h.gw.SuppressEmbeds(cctx, record.ChannelID, record.OriginalMessageID, false)
	}); err != nil {
		logger.Debug("restore embeds failed", slog.Any("err", err))
	}
}
