package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://graph.facebook.com"

var (
	ErrNotConfigured = errors.New("whatsapp is not configured")
	ErrEmptyResponse = errors.New("whatsapp returned no message id")
)

type Config struct {
	Token             string
	PhoneNumberID     string
	BusinessAccountID string
	APIVersion        string
	BaseURL           string
	Timeout           time.Duration
}

// Client talks to the WhatsApp Cloud API.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v19.0"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// APIError is the error object the Graph API returns.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api error %d (code %d): %s", e.Status, e.Code, e.Message)
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a free-form text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, &sendRequest{
		To:   to,
		Type: "text",
		Text: &textBody{Body: body},
	})
}

// SendTemplate sends an approved template. Params fill the body placeholders
// in order.
func (c *Client) SendTemplate(ctx context.Context, to, name, language string, params ...string) (string, error) {
	if language == "" {
		language = "pt_BR"
	}
	tpl := &templateBody{Name: name, Language: templateLanguage{Code: language}}
	if len(params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, templateParameter{Type: "text", Text: p})
		}
		tpl.Components = []templateComponent{comp}
	}
	return c.send(ctx, &sendRequest{
		To:       to,
		Type:     "template",
		Template: tpl,
	})
}

func (c *Client) send(ctx context.Context, req *sendRequest) (string, error) {
	if c.cfg.Token == "" || c.cfg.PhoneNumberID == "" {
		return "", ErrNotConfigured
	}
	req.MessagingProduct = "whatsapp"
	req.RecipientType = "individual"

	var out sendResponse
	url := fmt.Sprintf("%s/%s/%s/messages", c.cfg.BaseURL, c.cfg.APIVersion, c.cfg.PhoneNumberID)
	if err := c.do(ctx, http.MethodPost, url, req, &out); err != nil {
		return "", err
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", ErrEmptyResponse
	}

	c.logger.Info("whatsapp message sent",
		zap.String("type", req.Type),
		zap.String("wamid", out.Messages[0].ID),
	)
	return out.Messages[0].ID, nil
}

// Template is an approved message template of the business account.
type Template struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Status   string `json:"status"`
	Category string `json:"category"`
}

// ListTemplates returns the message templates of the business account.
func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	if c.cfg.Token == "" || c.cfg.BusinessAccountID == "" {
		return nil, ErrNotConfigured
	}

	var out struct {
		Data []Template `json:"data"`
	}
	url := fmt.Sprintf("%s/%s/%s/message_templates?limit=100", c.cfg.BaseURL, c.cfg.APIVersion, c.cfg.BusinessAccountID)
	if err := c.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = []Template{}
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode whatsapp request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read whatsapp response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		apiErr := &APIError{Status: resp.StatusCode, Message: string(raw)}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			apiErr = &envelope.Error
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode whatsapp response: %w", err)
		}
	}
	return nil
}
