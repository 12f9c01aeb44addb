package runtime

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
)

// DLQStatus is one entry of GET /api/dlq.
type DLQStatus struct {
	Queue           string           `json:"queue"`
	DeadLetterQueue string           `json:"dead_letter_queue"`
	Count           int              `json:"count"`
	Metrics         *DLQQueueMetrics `json:"metrics,omitempty"`
	Error           string           `json:"error,omitempty"`
}

type dlqActionResponse struct {
	Queue    string `json:"queue"`
	Replayed *int   `json:"replayed,omitempty"`
	Purged   *int   `json:"purged,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AdminHandler serves /healthz, /metrics and the introspection API.
func (s *Service) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metricsGatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/consumers", s.handleGetConsumers)
		r.Get("/dlq", s.handleGetDLQ)
		r.Post("/dlq/{queue}/replay", s.handleReplayDLQ)
		r.Post("/dlq/{queue}/purge", s.handlePurgeDLQ)
	})
	return r
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker connection lost"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleGetConsumers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Consumers())
}

func (s *Service) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	statuses := make([]DLQStatus, 0, len(s.topology))
	for _, b := range s.topology {
		status := DLQStatus{Queue: b.Queue, DeadLetterQueue: b.DeadLetterQueue}
		n, err := s.DLQCount(r.Context(), b.Queue)
		if errors.Is(err, errspkg.ErrDLQUnsupported) {
			s.writeJSON(w, http.StatusNotImplemented, errorResponse{Error: err.Error()})
			return
		}
		if err != nil {
			status.Error = err.Error()
		}
		status.Count = n
		status.Metrics = s.dlqMetrics.GetQueueMetrics(b.Queue)
		statuses = append(statuses, status)
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Service) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	queue, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	n, err := s.ReplayDLQ(r.Context(), queue, limit)
	if err != nil {
		s.writeJSON(w, dlqErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, dlqActionResponse{Queue: queue, Replayed: &n})
}

func (s *Service) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	queue, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	n, err := s.PurgeDLQ(r.Context(), queue)
	if err != nil {
		s.writeJSON(w, dlqErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, dlqActionResponse{Queue: queue, Purged: &n})
}

func (s *Service) queueParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	queue := chi.URLParam(r, "queue")
	if _, ok := s.topology.ByQueue(queue); !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown queue " + strconv.Quote(queue)})
		return "", false
	}
	return queue, true
}

func dlqErrorStatus(err error) int {
	if errors.Is(err, errspkg.ErrDLQUnsupported) {
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsoncodec.ContentType)
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, body); err != nil {
		s.Logger.Error("Failed to encode admin response", err, loggingpkg.LogFields{"status": status})
	}
}
