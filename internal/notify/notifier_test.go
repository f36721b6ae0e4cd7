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
	"testing"
)

type fakeSender struct {
	name string
	err  error
	sent []string
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.sent = append(f.sent, title+"|"+message)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{" " + EventChainReconnect + " "}, discardLogger())

	if err := n.Notify(context.Background(), EventBackfillComplete, "done", "x"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), EventChainReconnect, "reconnect", "y"); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 1 || s.sent[0] != "reconnect|y" {
		t.Fatalf("sent = %v", s.sent)
	}
}

func TestNotifyEmptyEventListAllowsAll(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, nil, discardLogger())
	for _, ev := range []string{EventBackfillComplete, EventMarketSync} {
		if !n.Enabled(ev) {
			t.Fatalf("%s should be enabled", ev)
		}
		_ = n.Notify(context.Background(), ev, "t", "m")
	}
	if len(s.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(s.sent))
	}
}

func TestNotifyContinuesPastFailingSender(t *testing.T) {
	boom := errors.New("boom")
	bad := &fakeSender{name: "bad", err: boom}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), EventBackfillFailed, "t", "m")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if len(good.sent) != 1 {
		t.Fatal("second sender skipped after first failed")
	}
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	if n.Enabled(EventChainReconnect) {
		t.Fatal("nil notifier reported enabled")
	}
	if err := n.Notify(context.Background(), EventChainReconnect, "t", "m"); err != nil {
		t.Fatal(err)
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	if err := s.Send(context.Background(), "Title", "body"); err != nil {
		t.Fatal(err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %s", path)
	}
	if got["chat_id"] != "42" || got["text"] != "*Title*\nbody" {
		t.Fatalf("payload = %v", got)
	}
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad webhook", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.HasPrefix(err.Error(), "discord:") {
		t.Fatalf("err = %v", err)
	}
}
