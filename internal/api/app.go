package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/wingman/internal/conversation"
	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/outreach"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

// Outreach is the match lifecycle surface. Implemented by outreach.Service.
type Outreach interface {
	Sync(ctx context.Context, pageSize int, includeMessaged bool) (outreach.SyncResult, error)
	EnrichAll(ctx context.Context) ([]dispatch.Descriptor, error)
	EnrichMatch(ctx context.Context, matchID string) (storage.Match, error)
	DispatchOpeners(ctx context.Context, threshold float64) ([]dispatch.Descriptor, error)
	SendOpenerNow(ctx context.Context, matchID string) (platform.SendResult, error)
	SweepUnmatch(ctx context.Context, threshold float64) ([]dispatch.Descriptor, error)
	Unmatch(ctx context.Context, matchID string) error
	Match(id string) (storage.Match, error)
	Matches() ([]storage.Match, error)
	Totals(threshold float64) (storage.MatchTotals, error)
	Profile(ctx context.Context) (storage.AccountProfile, error)
}

// Replier runs one reply cycle. Implemented by conversation.Cycle.
type Replier interface {
	RunOnce(ctx context.Context) (conversation.Report, error)
}

// Exporter writes fine-tuning data. Implemented by conversation.Exporter.
type Exporter interface {
	Export(ctx context.Context) (conversation.ExportResult, error)
}

// TaskPoller reports task status. Implemented by dispatch.StoreQueue.
type TaskPoller interface {
	Poll(ctx context.Context, taskID string) (dispatch.Status, error)
}

type AppDeps struct {
	Outreach     Outreach
	Replier      Replier  // optional; if nil, reply returns 503
	Exporter     Exporter // optional; if nil, export returns 503
	Tasks        TaskPoller
	Token        string
	SyncPageSize int
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/matches/sync", handleSync(deps))
		r.Post("/matches/enrich", handleEnrichAll(deps))
		r.Get("/matches", handleListMatches(deps))
		r.Get("/matches/totals", handleTotals(deps))
		r.Get("/matches/{id}", handleGetMatch(deps))
		r.Post("/matches/{id}/enrich", handleEnrichMatch(deps))
		r.Post("/matches/{id}/opener", handleSendOpener(deps))
		r.Delete("/matches/{id}", handleUnmatch(deps))
		r.Post("/openers", handleDispatchOpeners(deps))
		r.Post("/unmatch", handleSweepUnmatch(deps))
		r.Post("/reply", handleReply(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Get("/profile", handleGetProfile(deps))
		r.Post("/conversations/export", handleExport(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageSize := parseIntParam(r, "page_size", deps.SyncPageSize, 100)
		includeMessaged := r.URL.Query().Get("include_messaged") == "true"

		res, err := deps.Outreach.Sync(r.Context(), pageSize, includeMessaged)
		if err != nil {
			writeError(w, "sync matches", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleEnrichAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descs, err := deps.Outreach.EnrichAll(r.Context())
		if err != nil {
			writeError(w, "schedule enrichment", err)
			return
		}
		writeJSON(w, http.StatusAccepted, descs)
	}
}

func handleDispatchOpeners(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold, ok := parseThreshold(w, r)
		if !ok {
			return
		}
		descs, err := deps.Outreach.DispatchOpeners(r.Context(), threshold)
		if err != nil {
			writeError(w, "schedule openers", err)
			return
		}
		writeJSON(w, http.StatusAccepted, descs)
	}
}

func handleSweepUnmatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold, ok := parseThreshold(w, r)
		if !ok {
			return
		}
		descs, err := deps.Outreach.SweepUnmatch(r.Context(), threshold)
		if err != nil {
			writeError(w, "schedule unmatch sweep", err)
			return
		}
		writeJSON(w, http.StatusAccepted, descs)
	}
}

func handleReply(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Replier == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "reply cycle is not configured: set llm.api_key")
			return
		}
		report, err := deps.Replier.RunOnce(r.Context())
		if err != nil {
			writeError(w, "reply cycle", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleListMatches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ms, err := deps.Outreach.Matches()
		if err != nil {
			writeError(w, "list matches", err)
			return
		}
		writeJSON(w, http.StatusOK, ms)
	}
}

func handleTotals(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold, ok := parseThreshold(w, r)
		if !ok {
			return
		}
		t, err := deps.Outreach.Totals(threshold)
		if err != nil {
			writeError(w, "match totals", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleGetMatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Outreach.Match(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, "get match", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleEnrichMatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Outreach.EnrichMatch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, "enrich match", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleSendOpener(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Outreach.SendOpenerNow(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, "send opener", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleUnmatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Outreach.Unmatch(r.Context(), id); err != nil {
			writeError(w, "unmatch", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"match_id": id, "status": "unmatched"})
	}
}

func handleGetTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Tasks.Poll(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, "poll task", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Outreach.Profile(r.Context())
		if err != nil {
			writeError(w, "get profile", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Exporter == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "conversation export is not configured")
			return
		}
		res, err := deps.Exporter.Export(r.Context())
		if err != nil {
			writeError(w, "export conversations", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// parseThreshold reads an optional positive ?threshold= in km. Absent means 0,
// which the service replaces with its configured distance.
func parseThreshold(w http.ResponseWriter, r *http.Request) (float64, bool) {
	s := r.URL.Query().Get("threshold")
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "threshold must be a positive number of km, got %q", s)
		return 0, false
	}
	return v, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// statusFor maps an error kind to an HTTP status and envelope type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, outreach.ErrNotFound), errors.Is(err, dispatch.ErrUnknownTask):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, conversation.ErrCycleRunning), errors.Is(err, outreach.ErrAlreadyContacted):
		return http.StatusConflict, "conflict"
	case errors.Is(err, outreach.ErrRemoteRejected),
		errors.Is(err, outreach.ErrSendFailed),
		errors.Is(err, outreach.ErrUnmatch),
		errors.Is(err, outreach.ErrEnrichment):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, outreach.ErrDispatch):
		return http.StatusServiceUnavailable, "dispatch_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeError(w http.ResponseWriter, action string, err error) {
	code, typ := statusFor(err)
	httpError(w, code, typ, "failed to %s: %v", action, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
