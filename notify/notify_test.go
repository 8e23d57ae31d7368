package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/tabrefresh/contentwatch"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type memStatus struct {
	v   map[string][]byte
	err error
}

func (m *memStatus) Get(_ context.Context, key string, v any) (bool, error) {
	b, ok := m.v[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (m *memStatus) Set(_ context.Context, key string, v any) error {
	if m.err != nil {
		return m.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if m.v == nil {
		m.v = map[string][]byte{}
	}
	m.v[key] = b
	return nil
}

type stubSender struct {
	name string
	err  error
	got  []Payload
}

func (s *stubSender) Name() string { return s.name }
func (s *stubSender) Send(_ context.Context, p Payload) error {
	s.got = append(s.got, p)
	return s.err
}

func payload() Payload {
	return Payload{
		URL:      "https://shop.example.com/item?a=1&b=2",
		OldValue: contentwatch.Float(12),
		NewValue: contentwatch.Float(15.5),
		At:       time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestNotifyNoSenders(t *testing.T) {
	st := &memStatus{}
	n := New(nil, WithStatusStore(st), WithLogger(quiet))
	if n.Enabled() {
		t.Fatal("no senders must mean disabled")
	}
	if err := n.Notify(context.Background(), payload()); err != nil {
		t.Fatal(err)
	}
	if got, _ := n.LastStatus(context.Background()); got != nil {
		t.Fatalf("disabled notifier recorded status: %+v", got)
	}
}

func TestNotifyRecordsSuccess(t *testing.T) {
	st := &memStatus{}
	s := &stubSender{name: "stub"}
	n := New([]Sender{s}, WithStatusStore(st), WithLogger(quiet))

	if err := n.Notify(context.Background(), payload()); err != nil {
		t.Fatal(err)
	}
	if len(s.got) != 1 {
		t.Fatalf("sender called %d times", len(s.got))
	}
	last, err := n.LastStatus(context.Background())
	if err != nil || last == nil || !last.Success || last.Message == "" {
		t.Fatalf("last status: %+v, %v", last, err)
	}
}

func TestNotifyRecordsFailureAndContinues(t *testing.T) {
	st := &memStatus{}
	bad := &stubSender{name: "bad", err: errors.New("boom")}
	good := &stubSender{name: "good"}
	n := New([]Sender{bad, good}, WithStatusStore(st), WithLogger(quiet))

	err := n.Notify(context.Background(), payload())
	var sf *ErrSendFailed
	if !errors.As(err, &sf) || sf.Channel != "bad" {
		t.Fatalf("got %v, want *ErrSendFailed on bad", err)
	}
	if len(good.got) != 1 {
		t.Fatal("a failing sender must not stop the others")
	}
	last, _ := n.LastStatus(context.Background())
	if last == nil || last.Success || !strings.Contains(last.Error, "boom") {
		t.Fatalf("last status: %+v", last)
	}
}

func TestNotifyStatusStoreFailureIsSwallowed(t *testing.T) {
	st := &memStatus{err: errors.New("read-only")}
	n := New([]Sender{&stubSender{name: "s"}}, WithStatusStore(st), WithLogger(quiet))
	if err := n.Notify(context.Background(), payload()); err != nil {
		t.Fatalf("status write error leaked: %v", err)
	}
}

func TestFormatTelegram(t *testing.T) {
	msg := FormatTelegram(payload())
	for _, want := range []string{
		"<b>Alert: Content Changed!</b>",
		"12 → 15.5",
		"https://shop.example.com/item?a=1&amp;b=2",
		"2026-03-01 09:30:00",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	empty := FormatTelegram(Payload{})
	if !strings.Contains(empty, "N/A → N/A") || !strings.Contains(empty, "Unknown") {
		t.Errorf("empty payload rendering:\n%s", empty)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", 1200)
	got := truncate(long, 1000)
	if n := len([]rune(got)); n != 1002 {
		t.Fatalf("truncated to %d runes, want 999 + '...'", n)
	}
	if truncate("short", 1000) != "short" {
		t.Fatal("short strings must pass through")
	}
}

func TestTelegramSend(t *testing.T) {
	var got telegramRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{BotToken: "TOKEN", ChatID: "42", APIBase: srv.URL + "/"})
	if err := tg.Send(context.Background(), payload()); err != nil {
		t.Fatal(err)
	}
	if got.ChatID != "42" || got.ParseMode != "HTML" || !strings.Contains(got.Text, "15.5") {
		t.Fatalf("request: %+v", got)
	}
}

func TestTelegramAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"ok":false,"description":"Bad Request: chat not found"}`)
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{BotToken: "TOKEN", ChatID: "x", APIBase: srv.URL})
	err := tg.Send(context.Background(), payload())
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("got %v", err)
	}
}

func TestTelegramTransportErrorRedactsToken(t *testing.T) {
	tg := NewTelegram(TelegramConfig{BotToken: "SECRET123", ChatID: "x", APIBase: "http://127.0.0.1:1"})
	err := tg.Send(context.Background(), payload())
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "SECRET123") {
		t.Fatalf("token leaked: %v", err)
	}
}

func TestWebhookSignsAndRetries(t *testing.T) {
	var calls atomic.Int32
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		sig = r.Header.Get("X-Signature-256")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	secret := strings.Repeat("k", 32)
	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Secret: secret, Retries: 2, AllowPrivate: true}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	wh.backoff = func(int) time.Duration { return time.Millisecond }

	if err := wh.Send(context.Background(), payload()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if sig != "sha256="+Sign(secret, body) {
		t.Fatalf("bad signature %q", sig)
	}
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type != "alert" || *env.Data.NewValue != 15.5 {
		t.Fatalf("body: %s (%v)", body, err)
	}
}

func TestWebhookExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Retries: 1, AllowPrivate: true}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	wh.backoff = func(int) time.Duration { return time.Millisecond }

	err = wh.Send(context.Background(), payload())
	var sf *ErrSendFailed
	if !errors.As(err, &sf) {
		t.Fatalf("got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestNewWebhookRejectsPrivateURL(t *testing.T) {
	if _, err := NewWebhook(WebhookConfig{URL: "http://127.0.0.1/hook"}, quiet); err == nil {
		t.Fatal("expected SSRF rejection")
	}
	if _, err := NewWebhook(WebhookConfig{URL: "https://8.8.8.8/hook", Secret: "short"}, quiet); err == nil {
		t.Fatal("expected short secret rejection")
	}
}
