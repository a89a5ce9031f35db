package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conversation is a thread between a user and a counterpart (lead, student,
// WhatsApp number or group). Rows live in "conversas".
type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	Title         string     `json:"titulo"`
	Status        string     `json:"status"`
	Channel       string     `json:"canal"`
	Counterpart   string     `json:"contraparte"`
	UserID        *uuid.UUID `json:"usuario_id,omitempty"`
	LastMessage   *string    `json:"ultima_mensagem,omitempty"`
	LastMessageAt *time.Time `json:"ultima_mensagem_at,omitempty"`
	UnreadCount   int        `json:"nao_lidas"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Conversation status constants
const (
	ConversationOpen     = "aberta"
	ConversationArchived = "arquivada"
)

// Conversation channel constants
const (
	ConversationInternal = "interno"
	ConversationWhatsApp = "whatsapp"
	ConversationGroup    = "grupo"
)

// Message is a single entry of a conversation ("mensagens").
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversa_id"`
	SenderID       *uuid.UUID `json:"remetente_id,omitempty"`
	Content        string     `json:"conteudo"`
	Type           string     `json:"tipo"`
	Read           bool       `json:"lida"`
	ExternalID     *string    `json:"id_externo,omitempty"`
	DeliveryStatus *string    `json:"status_entrega,omitempty"`
	DeliveryError  *string    `json:"erro_entrega,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Message type constants
const (
	MessageText  = "texto"
	MessageImage = "imagem"
	MessageFile  = "arquivo"
)

// Delivery status constants, ordered by progress.
const (
	DeliveryPending   = "pendente"
	DeliverySent      = "enviada"
	DeliveryDelivered = "entregue"
	DeliveryRead      = "lida"
	DeliveryFailed    = "falhou"
)

// Notification is an in-app notification row ("notificacoes").
type Notification struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"usuario_id"`
	Title     string    `json:"titulo"`
	Body      string    `json:"mensagem"`
	Level     string    `json:"tipo"`
	Category  string    `json:"categoria"`
	Read      bool      `json:"lida"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification level constants
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
	LevelWarning = "warning"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// ChannelConfig is one row of "configuracoes_notificacao".
type ChannelConfig struct {
	UserID   uuid.UUID `json:"usuario_id"`
	Category string    `json:"tipo_notificacao"`
	Channel  string    `json:"canal"`
	Enabled  bool      `json:"habilitado"`
}

// Contact holds the addresses a user can be reached at ("contatos_usuario").
type Contact struct {
	UserID    uuid.UUID `json:"usuario_id"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"telefone,omitempty"`
	PushToken string    `json:"push_token,omitempty"`
}

// Participant is a group membership row ("participantes").
type Participant struct {
	GroupID   uuid.UUID `json:"grupo_id"`
	UserID    uuid.UUID `json:"usuario_id"`
	Role      string    `json:"papel"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant role constants
const (
	RoleAdmin  = "admin"
	RoleMember = "membro"
)

// Campaign is a bulk outreach definition ("campanhas").
type Campaign struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"nome"`
	Type      string     `json:"tipo"`
	Status    string     `json:"status"`
	Subject   string     `json:"assunto"`
	Content   string     `json:"conteudo"`
	Template  *string    `json:"template,omitempty"`
	StartsAt  time.Time  `json:"data_inicio"`
	EndsAt    *time.Time `json:"data_fim,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Campaign type constants
const (
	CampaignEmail    = "EMAIL"
	CampaignSMS      = "SMS"
	CampaignWhatsApp = "WHATSAPP"
)

// Campaign status constants
const (
	CampaignActive    = "ATIVA"
	CampaignInactive  = "INATIVA"
	CampaignCompleted = "CONCLUIDA"
)

// CampaignRecipient is one addressee of a campaign ("campanha_destinatarios").
type CampaignRecipient struct {
	ID         uuid.UUID  `json:"id"`
	CampaignID uuid.UUID  `json:"campanha_id"`
	Name       string     `json:"nome"`
	Email      string     `json:"email,omitempty"`
	Phone      string     `json:"telefone,omitempty"`
	SentAt     *time.Time `json:"enviado_em,omitempty"`
	Error      *string    `json:"erro,omitempty"`
}

// WebhookEvent is the dedupe ledger entry for an inbound provider event.
type WebhookEvent struct {
	Provider   string          `json:"provedor"`
	Key        string          `json:"chave"`
	Event      string          `json:"evento"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"recebido_em"`
}
