package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestSupportsChannel(t *testing.T) {
	logger := zap.NewNop()
	senders := map[string]Sender{
		db.ChannelEmail: &SESSender{client: &fakeSES{}, logger: logger},
		db.ChannelSMS:   &SNSSender{client: &fakeSNS{}, logger: logger},
		db.ChannelPush:  NewPushSender(logger, PushConfig{}),
	}

	for own, sender := range senders {
		for _, ch := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelPush} {
			if got, want := sender.SupportsChannel(ch), ch == own; got != want {
				t.Errorf("%s sender: SupportsChannel(%s) = %v, want %v", own, ch, got, want)
			}
		}
	}
}

func TestSESSenderSend(t *testing.T) {
	fake := &fakeSES{}
	sender := &SESSender{client: fake, from: "noreply@escola.local", logger: zap.NewNop()}

	err := sender.Send(context.Background(), &Delivery{
		ID:      "n-1",
		Channel: db.ChannelEmail,
		To:      "mae@familia.com",
		Body:    "Boletim disponível",
	})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	if got := aws.ToString(fake.input.Source); got != "noreply@escola.local" {
		t.Errorf("source = %q", got)
	}
	if got := fake.input.Destination.ToAddresses; len(got) != 1 || got[0] != "mae@familia.com" {
		t.Errorf("to = %v", got)
	}
	if got := aws.ToString(fake.input.Message.Subject.Data); got != "Nova notificação" {
		t.Errorf("expected default subject, got %q", got)
	}
}

func TestSESSenderValidation(t *testing.T) {
	sender := &SESSender{client: &fakeSES{}, logger: zap.NewNop()}

	tests := []struct {
		name string
		d    *Delivery
	}{
		{"wrong_channel", &Delivery{Channel: db.ChannelSMS, To: "a@b.com", Body: "x"}},
		{"no_address", &Delivery{Channel: db.ChannelEmail, Body: "x"}},
		{"no_body", &Delivery{Channel: db.ChannelEmail, To: "a@b.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sender.Send(context.Background(), tt.d); err == nil {
				t.Error("expected error")
			}
		})
	}

	err := sender.Send(context.Background(), &Delivery{Channel: db.ChannelEmail, Body: "x"})
	if !errors.Is(err, ErrMissingAddress) {
		t.Errorf("expected ErrMissingAddress, got %v", err)
	}
}

func TestSESSenderProviderError(t *testing.T) {
	sender := &SESSender{client: &fakeSES{err: errors.New("throttled")}, logger: zap.NewNop()}

	err := sender.Send(context.Background(), &Delivery{Channel: db.ChannelEmail, To: "a@b.com", Body: "x"})
	if err == nil {
		t.Fatal("expected provider error to surface")
	}
}

func TestSNSSenderSend(t *testing.T) {
	fake := &fakeSNS{}
	sender := &SNSSender{client: fake, senderID: "ESCOLA", logger: zap.NewNop()}

	err := sender.Send(context.Background(), &Delivery{
		ID:      "n-2",
		Channel: db.ChannelSMS,
		To:      "(11) 98765-4321",
		Body:    "Aula cancelada amanhã",
	})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	if got := aws.ToString(fake.input.PhoneNumber); got != "+5511987654321" {
		t.Errorf("phone = %q", got)
	}
	if _, ok := fake.input.MessageAttributes["AWS.SNS.SMS.SenderID"]; !ok {
		t.Error("expected sender id attribute")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+5511987654321", "+5511987654321", false},
		{"11 98765-4321", "+5511987654321", false},
		{"(21) 3333-4444", "+552133334444", false},
		{"+1 (415) 555-0100", "+14155550100", false},
		{"abc", "", true},
		{"123", "", true},
		{"1+234567890", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPushSenderHTTPCall(t *testing.T) {
	var got pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"data":{"status":"ok","id":"ticket-1"}}`))
	}))
	defer server.Close()

	sender := NewPushSender(zap.NewNop(), PushConfig{Endpoint: server.URL, Timeout: 5 * time.Second})

	err := sender.Send(context.Background(), &Delivery{
		ID:      "n-3",
		Channel: db.ChannelPush,
		To:      "ExponentPushToken[abc]",
		Subject: "Nova mensagem",
		Body:    "Você recebeu uma mensagem",
		Data:    map[string]string{"categoria": "mensagem"},
	})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	if got.To != "ExponentPushToken[abc]" || got.Title != "Nova mensagem" || got.Data["categoria"] != "mensagem" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestPushSenderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server_error", http.StatusInternalServerError, `{}`},
		{"ticket_error", http.StatusOK, `{"data":{"status":"error","message":"DeviceNotRegistered"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			sender := NewPushSender(zap.NewNop(), PushConfig{Endpoint: server.URL})
			err := sender.Send(context.Background(), &Delivery{Channel: db.ChannelPush, To: "tok", Body: "x"})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPushSenderMissingToken(t *testing.T) {
	sender := NewPushSender(zap.NewNop(), PushConfig{Endpoint: "http://unused"})

	err := sender.Send(context.Background(), &Delivery{Channel: db.ChannelPush, Body: "x"})
	if !errors.Is(err, ErrMissingAddress) {
		t.Errorf("expected ErrMissingAddress, got %v", err)
	}
}

func TestLogSenderSupportsAllChannels(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	for _, ch := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelPush} {
		if !sender.SupportsChannel(ch) {
			t.Errorf("LogSender should support %s channel", ch)
		}
	}
	if err := sender.Send(context.Background(), &Delivery{Channel: db.ChannelSMS}); err != nil {
		t.Errorf("LogSender.Send() = %v", err)
	}
}
