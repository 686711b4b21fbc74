package consoleclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellmux/shellmux/internal/transport"
)

func TestDialReceivesAuthorizationHeader(t *testing.T) {
	var gotAuth string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		_ = ws.WriteJSON(transport.Envelope{Event: "workspace_data"})
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(wsURL, "sekrit-token")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if gotAuth != "Bearer sekrit-token" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer sekrit-token")
	}

	select {
	case env := <-client.Events:
		if env.Event != "workspace_data" {
			t.Errorf("event = %q, want %q", env.Event, "workspace_data")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received the server's event")
	}
}

func TestDialNoTokenOmitsAuthorizationHeader(t *testing.T) {
	var gotAuth string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ws.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(wsURL, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if gotAuth != "" {
		t.Errorf("Authorization header = %q, want empty", gotAuth)
	}
}

func TestSendWritesEnvelope(t *testing.T) {
	received := make(chan transport.Envelope, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		var env transport.Envelope
		if err := ws.ReadJSON(&env); err == nil {
			received <- env
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(wsURL, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(transport.Envelope{Event: "workspace_get"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-received:
		if env.Event != "workspace_get" {
			t.Errorf("event = %q, want %q", env.Event, "workspace_get")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the sent envelope")
	}
}
