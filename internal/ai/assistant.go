package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const maxDocumentChars = 20000

var (
	ErrMissingContent = errors.New("content is required")
	ErrMissingTopic   = errors.New("topic is required")
	ErrInvalidChannel = errors.New("channel must be email, sms or whatsapp")
)

// Assistant answers the secretary's AI requests: checking uploaded
// enrollment documents and drafting campaign and notification texts.
type Assistant struct {
	client *Client
	logger *zap.Logger
}

func NewAssistant(client *Client, logger *zap.Logger) *Assistant {
	return &Assistant{client: client, logger: logger}
}

type DocumentRequest struct {
	DocumentType string `json:"document_type"` // e.g. rg, cpf, comprovante_residencia, historico_escolar
	Content      string `json:"content"`       // extracted text of the document
}

type DocumentValidation struct {
	Valid   bool     `json:"valid"`
	Issues  []string `json:"issues"`
	Summary string   `json:"summary"`
}

const validatePrompt = `Você verifica documentos de matrícula de uma instituição de ensino brasileira.
Recebe o tipo do documento e o texto extraído dele. Responda somente com um objeto JSON:
{"valid": bool, "issues": [string], "summary": string}
"issues" lista campos ausentes, ilegíveis, vencidos ou inconsistentes com o tipo informado.
"summary" resume o documento em uma frase. Não invente dados que não estejam no texto.`

// ValidateDocument asks the model whether the document text matches its
// declared type and is complete.
func (a *Assistant) ValidateDocument(ctx context.Context, req DocumentRequest) (*DocumentValidation, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrMissingContent
	}
	if len(content) > maxDocumentChars {
		content = content[:maxDocumentChars]
	}
	docType := req.DocumentType
	if docType == "" {
		docType = "desconhecido"
	}

	raw, err := a.client.complete(ctx, validatePrompt,
		fmt.Sprintf("Tipo: %s\n\nTexto:\n%s", docType, content), true)
	if err != nil {
		return nil, err
	}

	var out DocumentValidation
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse validation: %w", err)
	}
	if out.Issues == nil {
		out.Issues = []string{}
	}

	a.logger.Info("document validated",
		zap.String("document_type", docType),
		zap.Bool("valid", out.Valid),
		zap.Int("issues", len(out.Issues)),
	)
	return &out, nil
}

type SuggestRequest struct {
	Channel  string `json:"channel"` // email, sms or whatsapp
	Topic    string `json:"topic"`
	Audience string `json:"audience,omitempty"`
	Tone     string `json:"tone,omitempty"`
}

type Suggestion struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

var channelLimits = map[string]string{
	"email":    "até 1200 caracteres, com assunto",
	"sms":      "até 160 caracteres, sem assunto",
	"whatsapp": "até 600 caracteres, sem assunto, tom conversacional",
}

const suggestPrompt = `Você redige comunicados de uma instituição de ensino brasileira em português.
Use o marcador {{nome}} onde o nome do destinatário deve aparecer.
Responda somente com um objeto JSON: {"subject": string, "body": string}.`

// SuggestContent drafts a message for a campaign or notification. The body
// keeps the {{nome}} placeholder the campaign processor fills per recipient.
func (a *Assistant) SuggestContent(ctx context.Context, req SuggestRequest) (*Suggestion, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, ErrMissingTopic
	}
	channel := strings.ToLower(req.Channel)
	if channel == "" {
		channel = "email"
	}
	limit, ok := channelLimits[channel]
	if !ok {
		return nil, ErrInvalidChannel
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Canal: %s (%s)\nAssunto: %s\n", channel, limit, req.Topic)
	if req.Audience != "" {
		fmt.Fprintf(&b, "Público: %s\n", req.Audience)
	}
	if req.Tone != "" {
		fmt.Fprintf(&b, "Tom: %s\n", req.Tone)
	}

	raw, err := a.client.complete(ctx, suggestPrompt, b.String(), true)
	if err != nil {
		return nil, err
	}

	var out Suggestion
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse suggestion: %w", err)
	}
	if out.Body == "" {
		return nil, ErrEmptyCompletion
	}
	if channel != "email" {
		out.Subject = ""
	}
	return &out, nil
}
