// Package server exposes the HTTP API: health and readiness probes, ledger
// stats and listings, Prometheus metrics, and the admin purge endpoint. It
// injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/relink/ledger"
)

const defaultListLimit = 50

// ConversionStore is the slice of the ledger the API serves. *ledger.Store
// satisfies it.
type ConversionStore interface {
	Stats(ctx context.Context) (ledger.Stats, error)
	GetConversion(ctx context.Context, originalMessageID string) (*ledger.Conversion, error)
	ListByAuthor(ctx context.Context, authorID string, limit int) ([]ledger.Conversion, error)
	ListByChannel(ctx context.Context, channelID string, limit int) ([]ledger.Conversion, error)
	ListByGuild(ctx context.Context, guildID string, limit int) ([]ledger.Conversion, error)
	ListReactions(ctx context.Context, originalMessageID string) ([]ledger.Reaction, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	store ConversionStore
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB, store ConversionStore) *Handlers {
	return &Handlers{db: db, store: store}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			var n int
			return h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM conversions WHERE FALSE").Scan(&n)
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStats returns aggregate ledger counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "stats query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type conversionJSON struct {
	OriginalMessageID string    `json:"original_message_id"`
	ChannelID         string    `json:"channel_id"`
	GuildID           string    `json:"guild_id"`
	AuthorID          string    `json:"author_id"`
	AuthorName        string    `json:"author_name"`
	OriginalLinks     []string  `json:"original_links"`
	ConvertedLinks    []string  `json:"converted_links"`
	ReplyMessageID    string    `json:"reply_message_id"`
	CreatedAt         time.Time `json:"created_at"`
	Reverted          bool      `json:"reverted"`
}

func toConversionJSON(c ledger.Conversion) conversionJSON {
	return conversionJSON{
		OriginalMessageID: c.OriginalMessageID,
		ChannelID:         c.ChannelID,
		GuildID:           c.GuildID,
		AuthorID:          c.AuthorID,
		AuthorName:        c.AuthorName,
		OriginalLinks:     c.OriginalLinks,
		ConvertedLinks:    c.ConvertedLinks,
		ReplyMessageID:    c.ReplyMessageID,
		CreatedAt:         c.CreatedAt,
		Reverted:          c.Reverted,
	}
}

// HandleConversionsList serves GET /conversions filtered by exactly one of
// author, channel, or guild.
func (h *Handlers) HandleConversionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		rows []ledger.Conversion
		err  error
	)
	switch {
	case q.Get("author") != "":
		rows, err = h.store.ListByAuthor(r.Context(), q.Get("author"), limit)
	case q.Get("channel") != "":
		rows, err = h.store.ListByChannel(r.Context(), q.Get("channel"), limit)
	case q.Get("guild") != "":
		rows, err = h.store.ListByGuild(r.Context(), q.Get("guild"), limit)
	default:
		http.Error(w, "one of author, channel, or guild is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	out := make([]conversionJSON, len(rows))
	for i, c := range rows {
		out[i] = toConversionJSON(c)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleConversionsDispatcher routes /conversions/{id} and
// /conversions/{id}/reactions.
func (h *Handlers) HandleConversionsDispatcher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := r.URL.Path[len("/conversions/"):]
	if rest == "" {
		http.Error(w, "missing message id", http.StatusBadRequest)
		return
	}
	id := rest
	wantReactions := false
	if n := len(rest) - len("/reactions"); n > 0 && rest[n:] == "/reactions" {
		id = rest[:n]
		wantReactions = true
	}

	conv, err := h.store.GetConversion(r.Context(), id)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !wantReactions {
		writeJSON(w, http.StatusOK, toConversionJSON(*conv))
		return
	}

	reactions, err := h.store.ListReactions(r.Context(), id)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	type reactionJSON struct {
		ID                int64     `json:"id"`
		ReactorID         string    `json:"reactor_id"`
		ReactorName       string    `json:"reactor_name"`
		Emoji             string    `json:"emoji"`
		ObservedAt        time.Time `json:"observed_at"`
		IsRevertCandidate bool      `json:"is_revert_candidate"`
	}
	out := make([]reactionJSON, len(reactions))
	for i, re := range reactions {
		out[i] = reactionJSON{
			ID:                re.ID,
			ReactorID:         re.ReactorID,
			ReactorName:       re.ReactorName,
			Emoji:             re.Emoji,
			ObservedAt:        re.ObservedAt,
			IsRevertCandidate: re.IsRevertCandidate,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAdminPurge serves POST /admin/purge?older_than_days=N, deleting
// conversions (and their reaction rows) past the given age.
func (h *Handlers) HandleAdminPurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	days, err := strconv.Atoi(r.URL.Query().Get("older_than_days"))
	if err != nil || days < 1 {
		http.Error(w, "older_than_days must be a positive integer", http.StatusBadRequest)
		return
	}
	n, err := h.store.PurgeOlderThan(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		http.Error(w, "purge failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
