// Package webhook receives provider callbacks on
// /functions/v1/{provider}-webhook and hands them to the registered provider.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/metrics"
)

const maxBodyBytes = 1 << 20

var (
	ErrUnauthorized  = errors.New("invalid webhook signature")
	ErrNotConfigured = errors.New("webhook secret not configured")
	ErrInvalidEvent  = errors.New("invalid webhook payload")
)

// Event is a parsed provider payload.
type Event interface {
	EventName() string
}

// Outcome is what a provider reports back after handling an event. Fields
// are merged into the 200 response.
type Outcome struct {
	Duplicate bool
	Fields    map[string]any
}

// Provider authenticates, validates and applies the callbacks of one
// external system.
type Provider interface {
	Name() string
	Authenticate(r *http.Request, body []byte) error
	Parse(body []byte) (Event, error)
	Handle(ctx context.Context, evt Event) (*Outcome, error)
}

// Verifier is implemented by providers that answer a GET subscription
// handshake.
type Verifier interface {
	Verify(w http.ResponseWriter, r *http.Request)
}

type Ingress struct {
	providers map[string]Provider
	logger    *zap.Logger
}

func NewIngress(logger *zap.Logger, providers ...Provider) *Ingress {
	in := &Ingress{providers: make(map[string]Provider), logger: logger}
	for _, p := range providers {
		in.Register(p)
	}
	return in
}

// Register adds or replaces a provider under its name.
func (in *Ingress) Register(p Provider) {
	in.providers[p.Name()] = p
}

// Routes mounts the webhook endpoint on r.
func (in *Ingress) Routes(r chi.Router) {
	r.HandleFunc("/functions/v1/{provider}-webhook", in.ServeWebhook)
}

// ServeWebhook runs the request pipeline: preflight, method check, bounded
// body read, authentication, validation, then the provider's handler.
func (in *Ingress) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}

	name := chi.URLParam(r, "provider")
	p, ok := in.providers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown webhook provider")
		return
	}

	if r.Method == http.MethodGet {
		if v, ok := p.(Verifier); ok {
			v.Verify(w, r)
			return
		}
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds 1 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}

	log := in.logger.With(zap.String("provider", name))

	if err := p.Authenticate(r, body); err != nil {
		log.Warn("webhook rejected", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		metrics.RecordWebhook(name, "unauthorized")
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	evt, err := p.Parse(body)
	if err != nil {
		log.Warn("invalid webhook payload", zap.Error(err))
		metrics.RecordWebhook(name, "invalid")
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	out, err := p.Handle(r.Context(), evt)
	if err != nil {
		log.Error("webhook processing failed", zap.Error(err), zap.String("event", evt.EventName()))
		metrics.RecordWebhook(name, "error")
		writeError(w, http.StatusInternalServerError, "processing_failed", err.Error())
		return
	}

	resp := map[string]any{"success": true}
	if out != nil {
		for k, v := range out.Fields {
			resp[k] = v
		}
		if out.Duplicate {
			resp["duplicate"] = true
		}
	}

	result := "processed"
	if out != nil && out.Duplicate {
		result = "duplicate"
	}
	metrics.RecordWebhook(name, result)
	log.Info("webhook processed", zap.String("event", evt.EventName()), zap.String("result", result))

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
