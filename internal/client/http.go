package client

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
)

// BasePath is where the intake API is mounted.
const BasePath = "/api/v1/clients"

const (
	problemContentType = "application/problem+json"
	maxBodyBytes       = 1 << 20
)

// View is the client representation returned by the API.
type View struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func viewOf(c Client) View {
	return View{ID: c.ID, Name: c.Name, Email: c.Email, Status: c.Status, CreatedAt: c.CreatedAt}
}

// Problem is an RFC 9457 problem document.
type Problem struct {
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Status int          `json:"status"`
	Detail string       `json:"detail,omitempty"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Handler serves the intake API.
type Handler struct {
	service *Service
	logger  loggingpkg.ServiceLogger
}

func NewHandler(service *Service, logger loggingpkg.ServiceLogger) *Handler {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Handler{service: service, logger: logger}
}

// Routes returns a router with the intake API under BasePath.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route(BasePath, func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
	})
	return r
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req Registration
	if err := jsoncodec.Decode(io.LimitReader(r.Body, maxBodyBytes), &req); err != nil {
		h.problem(w, Problem{Status: http.StatusBadRequest, Title: "Malformed request body", Detail: err.Error()})
		return
	}

	c, err := h.service.Register(r.Context(), req)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		h.problem(w, Problem{Status: http.StatusBadRequest, Title: "Invalid client", Errors: verr.Fields})
		return
	case errors.Is(err, ErrDuplicate):
		h.problem(w, Problem{Status: http.StatusConflict, Title: "Client already exists", Detail: err.Error()})
		return
	case err != nil:
		h.logger.Error("Client registration failed", err, loggingpkg.LogFields{
			"request_id": middleware.GetReqID(r.Context()),
		})
		h.problem(w, Problem{Status: http.StatusInternalServerError, Title: "Client registration failed"})
		return
	}

	w.Header().Set("Location", BasePath+"/"+c.ID.String())
	h.writeJSON(w, http.StatusCreated, viewOf(c))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.problem(w, Problem{Status: http.StatusNotFound, Title: "Client not found"})
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		h.problem(w, Problem{Status: http.StatusNotFound, Title: "Client not found"})
		return
	}
	if err != nil {
		h.logger.Error("Client lookup failed", err, loggingpkg.LogFields{"client_id": id.String()})
		h.problem(w, Problem{Status: http.StatusInternalServerError, Title: "Client lookup failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(c))
}

func (h *Handler) problem(w http.ResponseWriter, p Problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	h.write(w, problemContentType, p.Status, p)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	h.write(w, jsoncodec.ContentType, status, body)
}

func (h *Handler) write(w http.ResponseWriter, contentType string, status int, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, body); err != nil {
		h.logger.Error("Failed to encode response", err, loggingpkg.LogFields{"status": status})
	}
}
