package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/gate"
	"github.com/talos-labs/talos-gateway/internal/store"
)

type eventsAPI struct {
	logger *slog.Logger
	ledger *store.Ledger
	guard  *guard
}

func newEventsAPI(logger *slog.Logger, ledger *store.Ledger, guard *guard) *eventsAPI {
	return &eventsAPI{
		logger: logger,
		ledger: ledger,
		guard:  guard,
	}
}

func (api *eventsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", api.handleAppend)
	mux.HandleFunc("GET /api/events", api.handleQuery)
	mux.HandleFunc("GET /api/events/stats", api.handleStats)
	mux.HandleFunc("GET /api/events/{event_id}", api.handleGet)
	mux.HandleFunc("POST /api/events/verify", api.handleVerify)
}

func (api *eventsAPI) handleAppend(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapEventsWrite); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	var draft domain.EventDraft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	event, err := api.ledger.Append(r.Context(), draft)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (api *eventsAPI) handleQuery(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapEventsRead); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	afterCursor := strings.TrimSpace(r.URL.Query().Get("after_cursor"))

	page, err := api.ledger.Query(r.Context(), filter, afterCursor, limit)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}

	resp := map[string]any{"events": page.Events}
	if page.NextCursor != "" {
		resp["next_cursor"] = page.NextCursor
	} else {
		resp["next_cursor"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *eventsAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapEventsRead); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	eventID := strings.TrimSpace(r.PathValue("event_id"))
	if eventID == "" {
		writeError(w, r, http.StatusBadRequest, "event_id_required")
		return
	}
	event, err := api.ledger.Get(r.Context(), eventID)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (api *eventsAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapEventsRead); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	span := 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_window")
			return
		}
		span = parsed
	}
	window, err := domain.WindowEnding(time.Now().UTC(), span)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}

	stats, err := api.ledger.Stats(r.Context(), window)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type verifyRequest struct {
	AfterCursor string `json:"after_cursor,omitempty"`
	MaxCursor   string `json:"max_cursor,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
}

func (api *eventsAPI) handleVerify(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapEventsRead); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	verified, err := api.ledger.VerifyRange(r.Context(), req.AfterCursor, req.MaxCursor, req.PageSize)
	if err != nil {
		if kind, _ := domain.KindOf(err); kind == domain.KindIntegrityViolation {
			writeJSON(w, http.StatusOK, map[string]any{
				"chain_ok":        false,
				"events_verified": verified,
				"detail":          err.Error(),
			})
			return
		}
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chain_ok":        true,
		"events_verified": verified,
	})
}

func filterFromQuery(r *http.Request) (domain.EventFilter, error) {
	filter := domain.EventFilter{
		EventType:     strings.TrimSpace(r.URL.Query().Get("event_type")),
		Outcome:       strings.TrimSpace(r.URL.Query().Get("outcome")),
		AgentID:       strings.TrimSpace(r.URL.Query().Get("agent_id")),
		SessionID:     strings.TrimSpace(r.URL.Query().Get("session_id")),
		CorrelationID: strings.TrimSpace(r.URL.Query().Get("correlation_id")),
	}
	for _, bound := range []struct {
		param string
		dst   *int64
	}{
		{"start_time", &filter.StartTime},
		{"end_time", &filter.EndTime},
	} {
		raw := strings.TrimSpace(r.URL.Query().Get(bound.param))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.EventFilter{}, domain.NewError(domain.KindValidation, "%s must be an integer timestamp", bound.param)
		}
		*bound.dst = value
	}
	if err := filter.Validate(); err != nil {
		return domain.EventFilter{}, err
	}
	return filter, nil
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindInvalidCursor, domain.KindSchemaValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindDuplicateEvent, domain.KindConflict:
		return http.StatusConflict
	case domain.KindCapabilityDenied:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindSelectionExpired:
		return http.StatusGone
	case domain.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case domain.KindUpstreamError:
		return http.StatusBadGateway
	case domain.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, err error, retryAfter time.Duration) {
	kind, ok := domain.KindOf(err)
	if !ok {
		kind = domain.KindStoreUnavailable
	}
	status := statusForKind(kind)
	if status >= 500 && logger != nil {
		logger.Error("request failed",
			"request_id", r.Header.Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}

	if kind == domain.KindRateLimited && retryAfter > 0 {
		seconds := int64(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	body := map[string]any{
		"error":      string(kind),
		"request_id": r.Header.Get("X-Request-Id"),
	}
	var typed *domain.Error
	if errors.As(err, &typed) {
		body["detail"] = typed.Message
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return errors.New("multiple JSON values")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}

func clampInt(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
