package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/experience/internal/middleware"
	"github.com/cartridge/experience/internal/service"
)

const maxSequenceBody = 64 << 20

// Options configures the router middleware.
type Options struct {
	RateLimit int
	RateBurst int
	Observer  middleware.RequestObserver
}

// Server wires HTTP handlers to the experience service.
type Server struct {
	svc    *service.ExperienceService
	logger zerolog.Logger
	opts   Options
}

// NewServer constructs a Server instance.
func NewServer(svc *service.ExperienceService, logger zerolog.Logger, opts Options) *Server {
	return &Server{svc: svc, logger: logger, opts: opts}
}

// Routes builds the HTTP router for the experience service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)
	if s.opts.Observer != nil {
		r.Use(middleware.Metrics(s.opts.Observer))
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimiter(s.opts.RateLimit, s.opts.RateBurst))

		r.Post("/sequences", s.handleAppendSequence)
		r.Get("/sequences/{seq}", s.handleGetSequence)
		r.Post("/sequences/batched", s.handleGetBatchedSequence)
		r.Get("/samples/{index}", s.handleGetSample)
		r.Post("/samples/batch", s.handleGetBatch)
		r.Get("/stats", s.handleGetStats)
		r.Post("/dump", s.handleDump)
		r.Post("/reset", s.handleReset)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.Pool().Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   stats.Name,
		"size":   stats.Size,
	})
}

func (s *Server) handleAppendSequence(w http.ResponseWriter, r *http.Request) {
	var payload service.AppendSequenceRequest
	if !s.decode(w, r, &payload) {
		return
	}
	resp, err := s.svc.AppendSequence(r.Context(), &payload)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetSample(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	resp, err := s.svc.GetSample(r.Context(), &service.GetSampleRequest{Index: index})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	var payload service.GetBatchRequest
	if !s.decode(w, r, &payload) {
		return
	}
	resp, err := s.svc.GetBatch(r.Context(), &payload)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "sequence must be an integer")
		return
	}
	start, err := queryInt(r, "start", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "start must be an integer")
		return
	}
	length, err := queryInt(r, "length", -1)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "length must be an integer")
		return
	}

	resp, err := s.svc.GetSequence(r.Context(), &service.GetSequenceRequest{Sequence: seq, Start: start, Length: length})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBatchedSequence(w http.ResponseWriter, r *http.Request) {
	payload := service.GetBatchedSequenceRequest{Length: -1}
	if !s.decode(w, r, &payload) {
		return
	}
	resp, err := s.svc.GetBatchedSequence(r.Context(), &payload)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	include := r.URL.Query().Get("locations") == "true"
	resp, err := s.svc.GetStats(r.Context(), &service.GetStatsRequest{IncludeLocations: include})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Dump(r.Context(), &service.DumpRequest{})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Reset(r.Context(), &service.ResetRequest{})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSequenceBody)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

// respondError maps service status codes to HTTP statuses
func (s *Server) respondError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.OutOfRange:
		code = http.StatusNotFound
	case codes.ResourceExhausted:
		code = http.StatusTooManyRequests
	case codes.FailedPrecondition:
		code = http.StatusUnprocessableEntity
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	case codes.Canceled, codes.DeadlineExceeded:
		code = http.StatusGatewayTimeout
	}
	s.writeError(w, code, st.Message())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
