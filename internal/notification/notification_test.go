package notification

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeNotifier struct {
	name    string
	enabled bool
	sent    []*Notification
	err     error
}

func (f *fakeNotifier) Send(n *Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

func (f *fakeNotifier) Name() string    { return f.name }
func (f *fakeNotifier) IsEnabled() bool { return f.enabled }

func TestManagerFansOutToEnabledProviders(t *testing.T) {
	m := NewManager()
	a := &fakeNotifier{name: "a", enabled: true}
	b := &fakeNotifier{name: "b", enabled: false}
	m.AddNotifier(a)
	m.AddNotifier(b)

	if err := m.SendCritical("Kill Switch", "price feed stale for 130s"); err != nil {
		t.Fatalf("SendCritical: %v", err)
	}

	if len(a.sent) != 1 {
		t.Fatalf("enabled provider got %d notifications, want 1", len(a.sent))
	}
	if len(b.sent) != 0 {
		t.Fatalf("disabled provider got %d notifications, want 0", len(b.sent))
	}
	if a.sent[0].Type != NotifyCritical {
		t.Errorf("type = %s, want %s", a.sent[0].Type, NotifyCritical)
	}
	if !strings.Contains(a.sent[0].Title, "Kill Switch") {
		t.Errorf("title = %q", a.sent[0].Title)
	}
}

func TestManagerReturnsLastProviderError(t *testing.T) {
	m := NewManager()
	failing := &fakeNotifier{name: "failing", enabled: true, err: errors.New("telegram API returned status 502")}
	ok := &fakeNotifier{name: "ok", enabled: true}
	m.AddNotifier(failing)
	m.AddNotifier(ok)

	err := m.SendInfo("Square-off", "session close sweep finished")
	if err == nil {
		t.Fatal("expected the failing provider's error to surface")
	}
	if len(ok.sent) != 1 {
		t.Errorf("healthy provider got %d notifications, want 1", len(ok.sent))
	}
}

func TestTradeCloseFormatsPnL(t *testing.T) {
	m := NewManager()
	f := &fakeNotifier{name: "f", enabled: true}
	m.AddNotifier(f)

	if err := m.SendTradeClose("SBIN", 100, 98, -1000, -2.0, "HARD_SL"); err != nil {
		t.Fatalf("SendTradeClose: %v", err)
	}

	n := f.sent[0]
	if !strings.Contains(n.Title, "❌") {
		t.Errorf("losing trade title should carry the loss marker, got %q", n.Title)
	}
	if !strings.Contains(n.Message, "HARD_SL") {
		t.Errorf("message should carry the exit reason, got %q", n.Message)
	}
	if n.PnL != -1000 {
		t.Errorf("PnL = %v, want -1000", n.PnL)
	}
}

func TestTelegramSendPostsSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tn := NewTelegramNotifier(TelegramConfig{BotToken: "token123", ChatID: "-100555", Enabled: true})
	tn.apiBase = server.URL

	err := tn.Send(&Notification{
		Type:    NotifyTradeOpen,
		Title:   "📈 Trade Opened: TCS",
		Message: "BUY 10 TCS @ ₹4100.00",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/bottoken123/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "-100555" {
		t.Errorf("chat_id = %v", gotBody["chat_id"])
	}
	text, _ := gotBody["text"].(string)
	if !strings.Contains(text, "Trade Opened: TCS") {
		t.Errorf("text = %q", text)
	}
}

func TestTelegramSendReportsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	tn := NewTelegramNotifier(TelegramConfig{BotToken: "t", ChatID: "c", Enabled: true})
	tn.apiBase = server.URL

	if err := tn.Send(&Notification{Title: "x", Message: "y"}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestTelegramDisabledWithoutCredentials(t *testing.T) {
	tn := NewTelegramNotifier(TelegramConfig{Enabled: true})
	if tn.IsEnabled() {
		t.Error("notifier without token and chat should stay disabled")
	}
	if err := tn.Send(&Notification{Title: "x"}); err != nil {
		t.Errorf("disabled Send should be a no-op, got %v", err)
	}
}
