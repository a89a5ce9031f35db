package ai

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Handler exposes the assistant as HTTP endpoints.
type Handler struct {
	assistant *Assistant
	logger    *zap.Logger
}

func NewHandler(assistant *Assistant, logger *zap.Logger) *Handler {
	return &Handler{
		assistant: assistant,
		logger:    logger,
	}
}

// HandleValidateDocument handles POST /v1/ai/validate-document
//
// Request body:
//
//	{
//	    "document_type": "comprovante_residencia",
//	    "content": "CONTA DE ENERGIA ... Rua das Flores, 120 ..."
//	}
func (h *Handler) HandleValidateDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	resp, err := h.assistant.ValidateDocument(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrMissingContent) {
			writeErr(w, http.StatusBadRequest, "invalid_request", "Missing content", err.Error())
			return
		}
		h.logger.Error("document validation failed", zap.Error(err), zap.String("document_type", req.DocumentType))
		writeErr(w, http.StatusBadGateway, "ai_error", "AI processing failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleSuggestContent handles POST /v1/ai/suggest-content
//
// Request body:
//
//	{
//	    "channel": "whatsapp",
//	    "topic": "rematrícula 2027 com desconto até 30/11",
//	    "audience": "responsáveis de alunos do ensino médio"
//	}
func (h *Handler) HandleSuggestContent(w http.ResponseWriter, r *http.Request) {
	var req SuggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	resp, err := h.assistant.SuggestContent(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrMissingTopic) || errors.Is(err, ErrInvalidChannel) {
			writeErr(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
			return
		}
		h.logger.Error("content suggestion failed", zap.Error(err), zap.String("channel", req.Channel))
		writeErr(w, http.StatusBadGateway, "ai_error", "AI processing failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
