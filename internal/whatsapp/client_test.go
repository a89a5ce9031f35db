package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		Token:             "tok",
		PhoneNumberID:     "123",
		BusinessAccountID: "waba",
		BaseURL:           srv.URL,
	}, zap.NewNop())
}

func TestSendText(t *testing.T) {
	var got sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/123/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	})

	id, err := c.SendText(context.Background(), "5511987654321", "Olá")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if id != "wamid.1" {
		t.Errorf("id = %q", id)
	}
	if got.MessagingProduct != "whatsapp" || got.Type != "text" || got.Text.Body != "Olá" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestSendTemplate(t *testing.T) {
	var got sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messages":[{"id":"wamid.2"}]}`))
	})

	if _, err := c.SendTemplate(context.Background(), "5511987654321", "matricula_aberta", "", "Ana", "2027"); err != nil {
		t.Fatalf("SendTemplate() error: %v", err)
	}
	if got.Template == nil || got.Template.Language.Code != "pt_BR" {
		t.Fatalf("unexpected template %+v", got.Template)
	}
	if params := got.Template.Components[0].Parameters; len(params) != 2 || params[0].Text != "Ana" {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestSendAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`))
	})

	_, err := c.SendText(context.Background(), "x", "y")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != 100 {
		t.Errorf("unexpected api error %+v", apiErr)
	}
}

func TestSendEmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[]}`))
	})

	if _, err := c.SendText(context.Background(), "x", "y"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(Config{}, zap.NewNop())

	if _, err := c.SendText(context.Background(), "x", "y"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("SendText: expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.ListTemplates(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("ListTemplates: expected ErrNotConfigured, got %v", err)
	}
}

func TestListTemplates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/waba/message_templates" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"id":"1","name":"boas_vindas","language":"pt_BR","status":"APPROVED","category":"UTILITY"}]}`))
	})

	tpls, err := c.ListTemplates(context.Background())
	if err != nil {
		t.Fatalf("ListTemplates() error: %v", err)
	}
	if len(tpls) != 1 || tpls[0].Name != "boas_vindas" {
		t.Errorf("unexpected templates %+v", tpls)
	}
}

func TestSignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	header := Sign("segredo", body)

	tests := []struct {
		name   string
		secret string
		body   []byte
		header string
		want   bool
	}{
		{"valid", "segredo", body, header, true},
		{"wrong_secret", "outro", body, header, false},
		{"tampered_body", "segredo", []byte(`{}`), header, false},
		{"missing_prefix", "segredo", body, header[len("sha256="):], false},
		{"not_hex", "segredo", body, "sha256=zz", false},
		{"no_secret", "", body, header, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.header); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageContent(t *testing.T) {
	var payload WebhookPayload
	raw := `{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{
		"messages":[
			{"id":"wamid.a","from":"5511","timestamp":"1767225600","type":"text","text":{"body":"Bom dia"}},
			{"id":"wamid.b","from":"5511","timestamp":"x","type":"image","image":{"id":"m1"}},
			{"id":"wamid.c","from":"5511","timestamp":"1767225600","type":"document","document":{"id":"m2","filename":"boleto.pdf"}}
		],
		"statuses":[{"id":"wamid.z","status":"failed","errors":[{"code":131047,"title":"Re-engagement message"}]}]
	}}]}]}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	msgs := payload.Entry[0].Changes[0].Value.Messages
	tests := []struct {
		content, kind string
	}{
		{"Bom dia", "text"},
		{"[imagem]", "image"},
		{"[arquivo] boleto.pdf", "document"},
	}
	for i, tt := range tests {
		content, kind := msgs[i].Content()
		if content != tt.content || kind != tt.kind {
			t.Errorf("message %d: got (%q, %q), want (%q, %q)", i, content, kind, tt.content, tt.kind)
		}
	}

	status := payload.Entry[0].Changes[0].Value.Statuses[0]
	if got := status.ErrorText(); got != "131047: Re-engagement message" {
		t.Errorf("ErrorText() = %q", got)
	}
}
