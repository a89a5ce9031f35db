package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
)

// PushSender delivers push notifications through an Expo-compatible gateway.
type PushSender struct {
	client   *http.Client
	endpoint string
	logger   *zap.Logger
}

type PushConfig struct {
	Endpoint string
	Timeout  time.Duration
}

type pushRequest struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

type pushResponse struct {
	Data struct {
		Status  string `json:"status"`
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"data"`
}

// NewPushSender creates a new push sender
func NewPushSender(logger *zap.Logger, cfg PushConfig) *PushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &PushSender{
		client:   &http.Client{Timeout: timeout},
		endpoint: cfg.Endpoint,
		logger:   logger,
	}
}

// Send posts a single push message to the gateway
func (s *PushSender) Send(ctx context.Context, d *Delivery) error {
	if d.Channel != db.ChannelPush {
		return fmt.Errorf("push sender only supports push, got: %s", d.Channel)
	}
	if d.To == "" {
		return fmt.Errorf("push %s: %w", d.ID, ErrMissingAddress)
	}

	body, err := json.Marshal(pushRequest{
		To:    d.To,
		Title: d.Subject,
		Body:  d.Body,
		Data:  d.Data,
		Sound: "default",
	})
	if err != nil {
		return fmt.Errorf("failed to encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned status %d: %s", resp.StatusCode, string(respBody))
	}

	// The gateway answers 200 for rejected tickets too; the ticket status
	// carries the real outcome.
	var ticket pushResponse
	if err := json.Unmarshal(respBody, &ticket); err == nil && ticket.Data.Status == "error" {
		return fmt.Errorf("push ticket rejected: %s", ticket.Data.Message)
	}

	s.logger.Info("push delivered",
		zap.String("id", d.ID),
		zap.String("ticket_id", ticket.Data.ID),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

// SupportsChannel checks if this sender supports push
func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
