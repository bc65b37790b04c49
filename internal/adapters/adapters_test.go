package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/eclia-dev/eclia/internal/config"
	"github.com/eclia-dev/eclia/pkg/models"
)

func loopbackStub(t *testing.T, key string, handler func(Message) sendResponse) (int, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" || r.Header.Get(keyHeader) != key {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(sendResponse{OK: false, Error: "bad key"})
			return
		}
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			json.NewEncoder(w).Encode(sendResponse{OK: false, Error: "bad body"})
			return
		}
		json.NewEncoder(w).Encode(handler(msg))
	}))
	_, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port, srv.Close
}

func TestSendDelivers(t *testing.T) {
	var got Message
	port, stop := loopbackStub(t, "secret", func(m Message) sendResponse {
		got = m
		return sendResponse{OK: true}
	})
	defer stop()

	c := NewClient(map[string]config.AdapterConfig{
		"discord": {Enabled: true, Port: port, Key: "secret"},
	}, nil)

	msg := Message{
		Origin:  &models.Origin{Kind: models.OriginDiscord, Channel: "general"},
		Content: "hello",
		Refs:    []string{"<eclia://artifact/.eclia/artifacts/s1/c1/out.png>"},
	}
	if err := c.Send(context.Background(), "discord", msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Content != "hello" || len(got.Refs) != 1 {
		t.Errorf("delivered = %+v", got)
	}
	if got.Origin == nil || got.Origin.Channel != "general" {
		t.Errorf("origin = %+v", got.Origin)
	}
}

func TestSendDisabled(t *testing.T) {
	c := NewClient(map[string]config.AdapterConfig{
		"telegram": {Enabled: false, Port: 1},
	}, nil)
	err := c.Send(context.Background(), "telegram", Message{Content: "x"})
	if !errors.Is(err, ErrAdapterDisabled) {
		t.Fatalf("Send() to disabled error = %v, want ErrAdapterDisabled", err)
	}
	if err := c.Send(context.Background(), "missing", Message{}); !errors.Is(err, ErrAdapterDisabled) {
		t.Fatalf("Send() to unknown error = %v, want ErrAdapterDisabled", err)
	}
}

func TestSendAdapterError(t *testing.T) {
	port, stop := loopbackStub(t, "secret", func(m Message) sendResponse {
		return sendResponse{OK: false, Error: "channel not found"}
	})
	defer stop()

	c := NewClient(map[string]config.AdapterConfig{
		"discord": {Enabled: true, Port: port, Key: "secret"},
	}, nil)
	err := c.Send(context.Background(), "discord", Message{Content: "x"})
	if err == nil {
		t.Fatal("Send() succeeded, want adapter error")
	}
	if want := fmt.Sprintf("adapter %s: channel not found", "discord"); err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}
