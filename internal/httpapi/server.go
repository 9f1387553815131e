// Package httpapi serves the voice provider webhook and the tool endpoints
// the voice agent calls during a conversation.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// troubleMessage is spoken to the guest when a dependency fails.
const troubleMessage = "I'm sorry, my systems are having trouble, let me get a human to help you."

// Config tunes the server.
type Config struct {
	// WebhookSecret verifies X-ElevenLabs-Signature. Empty disables the
	// check unless RequireSecret is set.
	WebhookSecret string
	RequireSecret bool

	// DevMode adds error detail to 500 responses.
	DevMode bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Server routes webhook and tool requests.
type Server struct {
	mux    *http.ServeMux
	cfg    Config
	logger *slog.Logger
	store  records.Store
	events api.Emitter
}

// New returns a Server reading and writing records through store and
// publishing events through events.
func New(store records.Store, events api.Emitter, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		mux:    http.NewServeMux(),
		cfg:    cfg,
		logger: cfg.Logger,
		store:  store,
		events: events,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/webhooks/elevenlabs", s.handleWebhookHealth)
	s.mux.HandleFunc("POST /api/webhooks/elevenlabs", s.handleWebhook)

	s.mux.HandleFunc("POST /api/tools/check-availability", s.handleCheckAvailability)
	s.mux.HandleFunc("POST /api/tools/book-treatment", s.handleBookTreatment)
	s.mux.HandleFunc("POST /api/tools/get-guest-profile", s.handleGetGuestProfile)
	s.mux.HandleFunc("POST /api/tools/get-menu", s.handleGetMenu)
	s.mux.HandleFunc("POST /api/tools/create-conversation-record", s.handleCreateConversationRecord)
}

// ServeHTTP logs each request and turns panics into 500s.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if p := recover(); p != nil {
			s.logger.ErrorContext(r.Context(), "http_panic",
				slog.String("path", r.URL.Path),
				slog.Any("panic", p),
			)
			if !rec.wrote {
				s.writeFailure(rec, r, fmt.Errorf("panic: %v", p))
			}
		}
		s.logger.InfoContext(r.Context(), "http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	s.mux.ServeHTTP(rec, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.wrote = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// errorResponse is the body of every 4xx/5xx tool response.
type errorResponse struct {
	Action  string           `json:"action"`
	Message string           `json:"message"`
	Error   string           `json:"error"`
	Issues  []api.FieldIssue `json:"issues,omitempty"`
	Detail  string           `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a JSON body into dst. Malformed bodies are reported as
// a validation error on "body".
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return api.NewValidationError(api.FieldIssue{Field: "body", Message: "must be a valid JSON object"})
	}
	return nil
}

// writeError answers a validation error with 400 and anything else with
// 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *api.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Action:  "invalid_request",
			Message: "I didn't quite catch all of that. Could you repeat the details?",
			Error:   "invalid request",
			Issues:  ve.Issues,
		})
		return
	}
	s.writeFailure(w, r, err)
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "tool_failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	resp := errorResponse{
		Action:  "error",
		Message: troubleMessage,
		Error:   "internal error",
	}
	if s.cfg.DevMode {
		resp.Detail = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, resp)
}

func (s *Server) today() time.Time {
	return s.cfg.Now().UTC()
}
