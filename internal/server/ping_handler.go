package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchpost/internal/ingest"
	"github.com/marcus-qen/watchpost/internal/monitor"
	"github.com/marcus-qen/watchpost/internal/ratelimit"
)

// handlePing ingests one heartbeat. The state comes from the path suffix
// ("/ping/{token}/fail") or the ?state= query param; a bare ping means
// success. A POST body is treated as output to capture.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "missing ping token")
		return
	}

	state := ingest.State(r.PathValue("state"))
	if state == "" {
		state = ingest.State(r.URL.Query().Get("state"))
	}
	if state == "" {
		state = ingest.StateSuccess
	}

	req := ingest.PingRequest{
		Token: token,
		State: state,
	}

	q := r.URL.Query()
	if v := q.Get("durationMs"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "durationMs must be a non-negative integer")
			return
		}
		req.DurationMs = &n
	}
	if v := q.Get("exitCode"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "exitCode must be an integer")
			return
		}
		req.ExitCode = &n
	}

	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
			return
		}
		req.Output = body
	}

	result, err := s.ingest.Ping(r.Context(), req)
	if err != nil {
		s.writePingError(w, err)
		return
	}

	setRateLimitHeaders(w, result.RateLimit)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writePingError(w http.ResponseWriter, err error) {
	var rle *ingest.RateLimitError
	switch {
	case errors.As(err, &rle):
		setRateLimitHeaders(w, rle.Result)
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "ping rate limit exceeded for this token")
	case errors.Is(err, monitor.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "unknown_token", "no monitor matches this ping token")
	case errors.Is(err, monitor.ErrDisabled):
		writeJSONError(w, http.StatusForbidden, "monitor_disabled", "monitor is paused and not accepting pings")
	case errors.Is(err, ingest.ErrInvalidState):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "state must be start, success, or fail")
	default:
		// Ping clients are anonymous; the detail stays in the log.
		s.logger.Error("ping failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	if res.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
