package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/campaign"
	"github.com/lalithlochan/comms/internal/db"
	"github.com/lalithlochan/comms/internal/dispatch"
	"github.com/lalithlochan/comms/internal/groups"
	"github.com/lalithlochan/comms/internal/messaging"
	"github.com/lalithlochan/comms/internal/redis"
	"github.com/lalithlochan/comms/internal/whatsapp"
)

// MockMessenger implements Messenger for testing
type MockMessenger struct {
	sendErr    error
	sends      []messaging.SendInput
	groupErr   error
	authErr    error
	lastFilter db.ConversationFilter
}

func (m *MockMessenger) Authorize(ctx context.Context, conversationID, userID uuid.UUID) error {
	return m.authErr
}

func (m *MockMessenger) SendMessage(ctx context.Context, in messaging.SendInput) (*db.Message, *db.Conversation, error) {
	m.sends = append(m.sends, in)
	if m.sendErr != nil {
		return nil, nil, m.sendErr
	}
	sender := in.SenderID
	return &db.Message{
			ID:             uuid.New(),
			ConversationID: in.ConversationID,
			SenderID:       &sender,
			Content:        in.Content,
			Type:           db.MessageText,
			CreatedAt:      time.Now(),
		}, &db.Conversation{
			ID:     in.ConversationID,
			Status: db.ConversationOpen,
		}, nil
}

func (m *MockMessenger) SendGroupMessage(ctx context.Context, groupID, senderID uuid.UUID, content, msgType string) (*db.Message, *db.Conversation, error) {
	if m.groupErr != nil {
		return nil, nil, m.groupErr
	}
	conv := &db.Conversation{ID: uuid.New(), Status: db.ConversationOpen}
	return &db.Message{ID: uuid.New(), ConversationID: conv.ID, SenderID: &senderID, Content: content}, conv, nil
}

func (m *MockMessenger) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) (int64, error) {
	return 3, nil
}

func (m *MockMessenger) Archive(ctx context.Context, conversationID uuid.UUID) error {
	return m.sendErr
}

func (m *MockMessenger) ListConversations(ctx context.Context, f db.ConversationFilter) ([]*db.Conversation, error) {
	m.lastFilter = f
	return []*db.Conversation{{ID: uuid.New(), Status: f.Status}}, nil
}

func (m *MockMessenger) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]*db.Message, error) {
	return []*db.Message{}, nil
}

// MockNotifier implements Notifier for testing
type MockNotifier struct {
	events  []dispatch.Event
	markErr error
}

func (m *MockNotifier) Dispatch(ctx context.Context, evt dispatch.Event) (*dispatch.Result, error) {
	if evt.UserID == uuid.Nil {
		return nil, dispatch.ErrMissingUser
	}
	m.events = append(m.events, evt)
	return &dispatch.Result{
		Notification: &db.Notification{ID: uuid.New(), UserID: evt.UserID, Title: evt.Title, Body: evt.Body},
		Deliveries:   []dispatch.ChannelResult{},
	}, nil
}

func (m *MockNotifier) ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.Notification, error) {
	return []*db.Notification{}, nil
}

func (m *MockNotifier) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	return m.markErr
}

func (m *MockNotifier) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 2, nil
}

// MockParticipants implements Participants for testing
type MockParticipants struct {
	err error
	// callerRole is the role of the acting user; "" means not a participant.
	callerRole string
}

func (m *MockParticipants) Role(ctx context.Context, groupID, userID uuid.UUID) (string, error) {
	if m.callerRole == "" {
		return "", groups.ErrParticipantNotFound
	}
	return m.callerRole, nil
}

func (m *MockParticipants) RequireAdmin(ctx context.Context, groupID, userID uuid.UUID) error {
	if m.callerRole != db.RoleAdmin {
		return groups.ErrNotAdmin
	}
	return nil
}

func (m *MockParticipants) AddParticipant(ctx context.Context, groupID, userID uuid.UUID, role string) (*db.Participant, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &db.Participant{GroupID: groupID, UserID: userID, Role: role}, nil
}

func (m *MockParticipants) RemoveParticipant(ctx context.Context, groupID, userID uuid.UUID) error {
	return m.err
}

func (m *MockParticipants) UpdateRole(ctx context.Context, groupID, userID uuid.UUID, role string) (*db.Participant, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &db.Participant{GroupID: groupID, UserID: userID, Role: role}, nil
}

func (m *MockParticipants) ListParticipants(ctx context.Context, groupID uuid.UUID) ([]*db.Participant, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []*db.Participant{{GroupID: groupID, UserID: uuid.New(), Role: db.RoleAdmin}}, nil
}

type MockCampaigns struct {
	err error
}

func (m *MockCampaigns) Process(ctx context.Context, id uuid.UUID) (*campaign.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &campaign.Result{CampaignID: id, Type: "EMAIL", Sent: 5, Completed: true}, nil
}

type MockTemplates struct{}

func (MockTemplates) ListTemplates(ctx context.Context) ([]whatsapp.Template, error) {
	return []whatsapp.Template{{Name: "rematricula_aberta", Language: "pt_BR", Status: "APPROVED"}}, nil
}

// fakeIdempotency implements IdempotencyStore in memory
type fakeIdempotency struct {
	results    map[string]*redis.IdempotencyResult
	processing map[string]bool
	released   int
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{
		results:    map[string]*redis.IdempotencyResult{},
		processing: map[string]bool{},
	}
}

func (f *fakeIdempotency) CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error) {
	k := scope + ":" + key
	if r, ok := f.results[k]; ok {
		return r, nil
	}
	if f.processing[k] {
		return nil, redis.ErrDuplicateRequest
	}
	f.processing[k] = true
	return nil, nil
}

func (f *fakeIdempotency) Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error {
	k := scope + ":" + key
	delete(f.processing, k)
	f.results[k] = result
	return nil
}

func (f *fakeIdempotency) Release(ctx context.Context, scope, key string) error {
	f.released++
	delete(f.processing, scope+":"+key)
	return nil
}

type testEnv struct {
	handler    *Handler
	router     chi.Router
	messenger  *MockMessenger
	notifier   *MockNotifier
	groups     *MockParticipants
	campaigns  *MockCampaigns
	idempotent *fakeIdempotency
}

func newTestEnv(p *Principal) *testEnv {
	env := &testEnv{
		messenger:  &MockMessenger{},
		notifier:   &MockNotifier{},
		groups:     &MockParticipants{callerRole: db.RoleAdmin},
		campaigns:  &MockCampaigns{},
		idempotent: newFakeIdempotency(),
	}
	env.handler = NewHandlerWithIdempotency(zap.NewNop(), Services{
		Messages:      env.messenger,
		Notifications: env.notifier,
		Groups:        env.groups,
		Campaigns:     env.campaigns,
	}, env.idempotent)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if p != nil {
				req = req.WithContext(WithPrincipal(req.Context(), p))
			}
			next.ServeHTTP(w, req)
		})
	})
	env.handler.Routes(r)
	env.router = r
	return env
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestSendMessage(t *testing.T) {
	userID := uuid.New()
	convID := uuid.New()
	path := "/conversations/" + convID.String() + "/messages"

	tests := []struct {
		name           string
		principal      *Principal
		path           string
		body           string
		sendErr        error
		expectedStatus int
		checkResponse  func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:           "valid message",
			principal:      &Principal{UserID: userID},
			path:           path,
			body:           `{"conteudo":"Olá, tudo bem?"}`,
			expectedStatus: http.StatusCreated,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var resp SendMessageResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if resp.Message == nil || resp.Message.Content != "Olá, tudo bem?" {
					t.Errorf("unexpected message %+v", resp.Message)
				}
				if resp.Conversation == nil || resp.Conversation.ID != convID {
					t.Errorf("unexpected conversation %+v", resp.Conversation)
				}
			},
		},
		{
			name:           "invalid conversation id",
			principal:      &Principal{UserID: userID},
			path:           "/conversations/not-a-uuid/messages",
			body:           `{"conteudo":"oi"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed body",
			principal:      &Principal{UserID: userID},
			path:           path,
			body:           `{not json`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "empty content",
			principal:      &Principal{UserID: userID},
			path:           path,
			body:           `{"conteudo":"   "}`,
			sendErr:        messaging.ErrEmptyContent,
			expectedStatus: http.StatusBadRequest,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				if resp := decodeProblem(t, rec); resp.Type != "invalid_request" {
					t.Errorf("expected invalid_request, got %s", resp.Type)
				}
			},
		},
		{
			name:           "unknown conversation",
			principal:      &Principal{UserID: userID},
			path:           path,
			body:           `{"conteudo":"oi"}`,
			sendErr:        messaging.ErrConversationNotFound,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "not a participant",
			principal:      &Principal{UserID: userID},
			path:           path,
			body:           `{"conteudo":"oi"}`,
			sendErr:        messaging.ErrNotParticipant,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "store failure",
			principal:      &Principal{UserID: userID},
			path:           path,
			body:           `{"conteudo":"oi"}`,
			sendErr:        errors.New("connection reset"),
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "unauthenticated",
			path:           path,
			body:           `{"conteudo":"oi"}`,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "service caller without sender",
			principal:      &Principal{Service: true},
			path:           path,
			body:           `{"conteudo":"oi"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "service caller names sender",
			principal:      &Principal{Service: true},
			path:           path,
			body:           `{"conteudo":"oi","remetente_id":"` + userID.String() + `"}`,
			expectedStatus: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(tt.principal)
			env.messenger.sendErr = tt.sendErr

			rec := env.do(http.MethodPost, tt.path, tt.body, nil)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if tt.checkResponse != nil {
				tt.checkResponse(t, rec)
			}
		})
	}
}

func TestSendMessage_Idempotency(t *testing.T) {
	userID := uuid.New()
	env := newTestEnv(&Principal{UserID: userID})
	path := "/conversations/" + uuid.New().String() + "/messages"
	headers := map[string]string{"Idempotency-Key": "abc-123"}

	first := env.do(http.MethodPost, path, `{"conteudo":"primeira"}`, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first send: %d", first.Code)
	}

	second := env.do(http.MethodPost, path, `{"conteudo":"primeira"}`, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	if len(env.messenger.sends) != 1 {
		t.Errorf("expected one send, got %d", len(env.messenger.sends))
	}
	if strings.TrimSpace(first.Body.String()) != strings.TrimSpace(second.Body.String()) {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
}

func TestSendMessage_IdempotencyInFlight(t *testing.T) {
	userID := uuid.New()
	env := newTestEnv(&Principal{UserID: userID})
	env.idempotent.processing["user:"+userID.String()+":busy"] = true

	rec := env.do(http.MethodPost, "/conversations/"+uuid.New().String()+"/messages",
		`{"conteudo":"oi"}`, map[string]string{"Idempotency-Key": "busy"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(env.messenger.sends) != 0 {
		t.Error("in-flight duplicate must not send")
	}
}

func TestSendMessage_ReleasesKeyOnFailure(t *testing.T) {
	env := newTestEnv(&Principal{UserID: uuid.New()})
	env.messenger.sendErr = messaging.ErrEmptyContent
	path := "/conversations/" + uuid.New().String() + "/messages"
	headers := map[string]string{"Idempotency-Key": "retry-me"}

	if rec := env.do(http.MethodPost, path, `{"conteudo":""}`, headers); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.idempotent.released != 1 {
		t.Fatalf("expected key release, got %d", env.idempotent.released)
	}

	env.messenger.sendErr = nil
	if rec := env.do(http.MethodPost, path, `{"conteudo":"agora sim"}`, headers); rec.Code != http.StatusCreated {
		t.Fatalf("retry after release: %d", rec.Code)
	}
}

func TestListConversations(t *testing.T) {
	env := newTestEnv(&Principal{UserID: uuid.New()})

	rec := env.do(http.MethodGet, "/conversations?status=aberta&limit=500", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data  []db.Conversation `json:"data"`
		Limit int               `json:"limit"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Limit != 20 {
		t.Errorf("out of range limit should fall back to 20, got %d", resp.Limit)
	}
	if len(resp.Data) != 1 || resp.Data[0].Status != "aberta" {
		t.Errorf("filter not forwarded: %+v", resp.Data)
	}

	if rec := env.do(http.MethodGet, "/conversations?usuario_id=nope", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad usuario_id, got %d", rec.Code)
	}
}

func TestListMessages_InvalidBefore(t *testing.T) {
	env := newTestEnv(&Principal{UserID: uuid.New()})
	rec := env.do(http.MethodGet, "/conversations/"+uuid.New().String()+"/messages?before=yesterday", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestArchiveConversation(t *testing.T) {
	env := newTestEnv(&Principal{UserID: uuid.New()})
	id := uuid.New().String()

	rec := env.do(http.MethodPost, "/conversations/"+id+"/archive", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != db.ConversationArchived {
		t.Errorf("expected arquivada, got %q", resp["status"])
	}

	env.messenger.sendErr = messaging.ErrConversationNotFound
	if rec := env.do(http.MethodPost, "/conversations/"+id+"/archive", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestParticipants(t *testing.T) {
	groupID := uuid.New().String()
	memberID := uuid.New().String()

	tests := []struct {
		name           string
		method         string
		path           string
		body           string
		err            error
		expectedStatus int
	}{
		{"add", http.MethodPost, "/groups/" + groupID + "/participants", `{"usuario_id":"` + memberID + `","papel":"membro"}`, nil, http.StatusCreated},
		{"add duplicate", http.MethodPost, "/groups/" + groupID + "/participants", `{"usuario_id":"` + memberID + `","papel":"membro"}`, groups.ErrAlreadyParticipant, http.StatusConflict},
		{"add bad user", http.MethodPost, "/groups/" + groupID + "/participants", `{"usuario_id":"x","papel":"membro"}`, nil, http.StatusBadRequest},
		{"add unknown group", http.MethodPost, "/groups/" + groupID + "/participants", `{"usuario_id":"` + memberID + `","papel":"membro"}`, groups.ErrGroupNotFound, http.StatusNotFound},
		{"list", http.MethodGet, "/groups/" + groupID + "/participants", "", nil, http.StatusOK},
		{"remove", http.MethodDelete, "/groups/" + groupID + "/participants/" + memberID, "", nil, http.StatusNoContent},
		{"remove missing", http.MethodDelete, "/groups/" + groupID + "/participants/" + memberID, "", groups.ErrParticipantNotFound, http.StatusNotFound},
		{"update role", http.MethodPatch, "/groups/" + groupID + "/participants/" + memberID, `{"papel":"admin"}`, nil, http.StatusOK},
		{"update empty role", http.MethodPatch, "/groups/" + groupID + "/participants/" + memberID, `{"papel":""}`, groups.ErrRoleRequired, http.StatusBadRequest},
		{"update invalid role", http.MethodPatch, "/groups/" + groupID + "/participants/" + memberID, `{"papel":"dono"}`, groups.ErrInvalidRole, http.StatusBadRequest},
		{"store failure", http.MethodGet, "/groups/" + groupID + "/participants", "", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(&Principal{UserID: uuid.New()})
			env.groups.err = tt.err

			rec := env.do(tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSendGroupMessage(t *testing.T) {
	env := newTestEnv(&Principal{UserID: uuid.New()})
	path := "/groups/" + uuid.New().String() + "/messages"

	if rec := env.do(http.MethodPost, path, `{"conteudo":"reunião amanhã"}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	env.messenger.groupErr = messaging.ErrNotParticipant
	if rec := env.do(http.MethodPost, path, `{"conteudo":"oi"}`, nil); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestDispatchNotification(t *testing.T) {
	userID := uuid.New()
	other := uuid.New()

	t.Run("user caller notifies self", func(t *testing.T) {
		env := newTestEnv(&Principal{UserID: userID})
		body := `{"user_id":"` + other.String() + `","title":"Boleto","message":"Seu boleto vence amanhã","type":"info"}`

		rec := env.do(http.MethodPost, "/notifications/dispatch", body, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		if len(env.notifier.events) != 1 || env.notifier.events[0].UserID != userID {
			t.Errorf("user id should be taken from the token, got %+v", env.notifier.events)
		}
	})

	t.Run("service caller names user", func(t *testing.T) {
		env := newTestEnv(&Principal{Service: true})
		body := `{"user_id":"` + other.String() + `","title":"Boleto","message":"Pago","type":"success"}`

		rec := env.do(http.MethodPost, "/notifications/dispatch", body, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
		if env.notifier.events[0].UserID != other {
			t.Errorf("expected %s, got %s", other, env.notifier.events[0].UserID)
		}
	})

	t.Run("service caller without user", func(t *testing.T) {
		env := newTestEnv(&Principal{Service: true})
		rec := env.do(http.MethodPost, "/notifications/dispatch", `{"title":"x","message":"y"}`, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestNotificationReads(t *testing.T) {
	env := newTestEnv(&Principal{UserID: uuid.New()})

	if rec := env.do(http.MethodGet, "/notifications?unread=true", "", nil); rec.Code != http.StatusOK {
		t.Errorf("list: expected 200, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/notifications/read-all", "", nil); rec.Code != http.StatusOK {
		t.Errorf("read-all: expected 200, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/notifications/"+uuid.New().String()+"/read", "", nil); rec.Code != http.StatusOK {
		t.Errorf("read: expected 200, got %d", rec.Code)
	}

	env.notifier.markErr = dispatch.ErrNotFound
	if rec := env.do(http.MethodPost, "/notifications/"+uuid.New().String()+"/read", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("read missing: expected 404, got %d", rec.Code)
	}
}

func TestProcessCampaign(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"processed", nil, http.StatusOK},
		{"not found", campaign.ErrCampaignNotFound, http.StatusNotFound},
		{"unsupported", campaign.ErrUnsupportedType, http.StatusUnprocessableEntity},
		{"failure", errors.New("queue unavailable"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(&Principal{Service: true})
			env.campaigns.err = tt.err

			rec := env.do(http.MethodPost, "/campaigns/"+id.String()+"/process", "", nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.err == nil {
				var res campaign.Result
				if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if res.CampaignID != id || res.Sent != 5 {
					t.Errorf("unexpected result %+v", res)
				}
			}
		})
	}
}

func TestListWhatsAppTemplates(t *testing.T) {
	env := newTestEnv(&Principal{UserID: uuid.New()})
	if rec := env.do(http.MethodGet, "/whatsapp/templates", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured: expected 503, got %d", rec.Code)
	}

	env.handler.svc.Templates = MockTemplates{}
	rec := env.do(http.MethodGet, "/whatsapp/templates", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rematricula_aberta") {
		t.Errorf("template missing from %s", rec.Body.String())
	}
}

func TestConversationAccess(t *testing.T) {
	convID := uuid.New().String()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"send", http.MethodPost, "/conversations/" + convID + "/messages", `{"conteudo":"oi"}`},
		{"list messages", http.MethodGet, "/conversations/" + convID + "/messages", ""},
		{"mark read", http.MethodPost, "/conversations/" + convID + "/read", ""},
		{"archive", http.MethodPost, "/conversations/" + convID + "/archive", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name+" other user", func(t *testing.T) {
			env := newTestEnv(&Principal{UserID: uuid.New()})
			env.messenger.authErr = messaging.ErrForbidden

			rec := env.do(tt.method, tt.path, tt.body, nil)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
			}
			if len(env.messenger.sends) != 0 {
				t.Error("forbidden request reached the router")
			}
		})

		t.Run(tt.name+" group outsider", func(t *testing.T) {
			env := newTestEnv(&Principal{UserID: uuid.New()})
			env.messenger.authErr = messaging.ErrNotParticipant

			if rec := env.do(tt.method, tt.path, tt.body, nil); rec.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d", rec.Code)
			}
		})

		t.Run(tt.name+" service caller", func(t *testing.T) {
			env := newTestEnv(&Principal{Service: true})
			env.messenger.authErr = messaging.ErrForbidden
			path := tt.path
			body := tt.body
			if tt.method == http.MethodPost && strings.HasSuffix(path, "/messages") {
				body = `{"conteudo":"oi","remetente_id":"` + uuid.New().String() + `"}`
			}
			if strings.HasSuffix(path, "/read") {
				path += "?user_id=" + uuid.New().String()
			}

			if rec := env.do(tt.method, path, body, nil); rec.Code == http.StatusForbidden {
				t.Fatalf("service caller must not be scoped, got 403")
			}
		})
	}
}

func TestListConversations_ScopedToUser(t *testing.T) {
	me := uuid.New()
	env := newTestEnv(&Principal{UserID: me})

	rec := env.do(http.MethodGet, "/conversations?usuario_id="+uuid.New().String(), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.messenger.lastFilter.UserID == nil || *env.messenger.lastFilter.UserID != me {
		t.Errorf("user filter = %v, want %s", env.messenger.lastFilter.UserID, me)
	}

	env = newTestEnv(&Principal{Service: true})
	if rec := env.do(http.MethodGet, "/conversations", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.messenger.lastFilter.UserID != nil {
		t.Errorf("service caller should list unscoped, got %v", env.messenger.lastFilter.UserID)
	}
}

func TestParticipants_Authorization(t *testing.T) {
	me := uuid.New()
	groupID := uuid.New().String()
	other := uuid.New().String()

	tests := []struct {
		name           string
		callerRole     string
		method         string
		path           string
		body           string
		expectedStatus int
	}{
		{"member promotes self", db.RoleMember, http.MethodPatch, "/groups/" + groupID + "/participants/" + me.String(), `{"papel":"admin"}`, http.StatusForbidden},
		{"outsider promotes self", "", http.MethodPatch, "/groups/" + groupID + "/participants/" + me.String(), `{"papel":"admin"}`, http.StatusForbidden},
		{"member adds user", db.RoleMember, http.MethodPost, "/groups/" + groupID + "/participants", `{"usuario_id":"` + other + `"}`, http.StatusForbidden},
		{"member removes other", db.RoleMember, http.MethodDelete, "/groups/" + groupID + "/participants/" + other, "", http.StatusForbidden},
		{"member leaves", db.RoleMember, http.MethodDelete, "/groups/" + groupID + "/participants/" + me.String(), "", http.StatusNoContent},
		{"outsider lists", "", http.MethodGet, "/groups/" + groupID + "/participants", "", http.StatusForbidden},
		{"member lists", db.RoleMember, http.MethodGet, "/groups/" + groupID + "/participants", "", http.StatusOK},
		{"admin promotes", db.RoleAdmin, http.MethodPatch, "/groups/" + groupID + "/participants/" + other, `{"papel":"admin"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(&Principal{UserID: me})
			env.groups.callerRole = tt.callerRole

			rec := env.do(tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
		})
	}

	t.Run("service caller manages any group", func(t *testing.T) {
		env := newTestEnv(&Principal{Service: true})
		env.groups.callerRole = ""

		rec := env.do(http.MethodPatch, "/groups/"+groupID+"/participants/"+other, `{"papel":"admin"}`, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}
