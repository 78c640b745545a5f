package socketbus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/slacksim/internal/config"
	"github.com/nextlevelbuilder/slacksim/internal/state"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newBusServer(t *testing.T) (*state.State, *Bus, string) {
	t.Helper()
	st := state.New(nil, config.DefaultUsers(), config.DefaultChannels())
	b := New(st, "127.0.0.1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.HandleConnection(ws)
	}))
	t.Cleanup(srv.Close)
	return st, b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHelloFrameOnConnect(t *testing.T) {
	_, _, url := newBusServer(t)
	ws := dial(t, url)

	var hello protocol.Hello
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.Type != "hello" || hello.NumConnections != 1 {
		t.Fatalf("hello = %+v", hello)
	}
	if hello.DebugInfo.Host != "127.0.0.1" {
		t.Fatalf("debug host = %q", hello.DebugInfo.Host)
	}
}

func TestConnectionClaiming(t *testing.T) {
	_, b, url := newBusServer(t)
	dial(t, url)
	waitFor(t, "connection", func() bool { return b.NumConnections() == 1 })

	connID, ok := b.GetUnassociatedConnectionID()
	if !ok || connID == "" {
		t.Fatalf("claim = %q, %v", connID, ok)
	}
	// The claim is exclusive until confirmed or released.
	if _, ok := b.GetUnassociatedConnectionID(); ok {
		t.Fatal("second claim won the same socket")
	}
	b.ReleaseConnectionClaim(connID)
	if again, ok := b.GetUnassociatedConnectionID(); !ok || again != connID {
		t.Fatalf("reclaim after release = %q, %v", again, ok)
	}
}

func TestClaimPrefersOldestConnection(t *testing.T) {
	_, b, url := newBusServer(t)
	dial(t, url)
	waitFor(t, "first connection", func() bool { return b.NumConnections() == 1 })
	first, ok := b.GetUnassociatedConnectionID()
	if !ok {
		t.Fatal("no claimable connection")
	}
	b.ReleaseConnectionClaim(first)

	dial(t, url)
	waitFor(t, "second connection", func() bool { return b.NumConnections() == 2 })
	got, ok := b.GetUnassociatedConnectionID()
	if !ok || got != first {
		t.Fatalf("claimed %q, want oldest %q", got, first)
	}
}

func TestDispatchDeliversEnvelopeAndAck(t *testing.T) {
	st, b, url := newBusServer(t)
	ws := dial(t, url)

	var hello protocol.Hello
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "connection", func() bool { return b.NumConnections() == 1 })
	connID, ok := b.GetUnassociatedConnectionID()
	if !ok {
		t.Fatal("no claimable connection")
	}
	if _, err := st.RegisterBot(connID, protocol.AppConfig{App: protocol.AppInfo{ID: "myBot", Name: "My Bot"}}); err != nil {
		t.Fatal(err)
	}
	b.ConfirmConnectionClaim(connID)

	// The bot side: read one envelope, ack it with a payload.
	acked := make(chan protocol.Ack, 1)
	go func() {
		var env protocol.Envelope
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		ws.WriteJSON(map[string]any{
			"envelope_id": env.EnvelopeID,
			"payload":     map[string]any{"response_action": "clear"},
		})
	}()

	sent := b.Dispatch(context.Background(), protocol.EnvelopeInteractive,
		map[string]any{"type": "view_submission"}, "myBot",
		func(ack protocol.Ack) { acked <- ack })
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	select {
	case ack := <-acked:
		var resp protocol.AckResponse
		if err := json.Unmarshal(ack.Payload, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.ResponseAction != "clear" {
			t.Fatalf("response_action = %q", resp.ResponseAction)
		}
	default:
		t.Fatal("ack handler not invoked before Dispatch returned")
	}
}

func TestDispatchToDisconnectedTarget(t *testing.T) {
	st, b, _ := newBusServer(t)
	st.RegisterBot("gone", protocol.AppConfig{App: protocol.AppInfo{ID: "myBot"}})
	st.UnregisterBot("gone")

	sent := b.Dispatch(context.Background(), protocol.EnvelopeEventsAPI, map[string]any{}, "myBot", nil)
	if sent != 0 {
		t.Fatalf("sent = %d to a disconnected bot", sent)
	}
}

func TestTeardownDemotesBot(t *testing.T) {
	st, b, url := newBusServer(t)
	ws := dial(t, url)
	waitFor(t, "connection", func() bool { return b.NumConnections() == 1 })

	connID, _ := b.GetUnassociatedConnectionID()
	if _, err := st.RegisterBot(connID, protocol.AppConfig{App: protocol.AppInfo{ID: "myBot"}}); err != nil {
		t.Fatal(err)
	}
	b.ConfirmConnectionClaim(connID)

	ws.Close()
	waitFor(t, "bot demotion", func() bool {
		bot, ok := st.Bot("myBot")
		return ok && bot.Status == state.BotDisconnected
	})
	if b.NumConnections() != 0 {
		t.Fatalf("connections = %d after close", b.NumConnections())
	}
}

func TestDisconnectAllSendsCloseFrame(t *testing.T) {
	_, b, url := newBusServer(t)
	ws := dial(t, url)

	var hello protocol.Hello
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connection", func() bool { return b.NumConnections() == 1 })

	b.DisconnectAll("Settings changed — please restart")

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("read after disconnect = %v, want close frame", err)
	}
	if closeErr.Code != websocket.CloseServiceRestart || !strings.Contains(closeErr.Text, "restart") {
		t.Fatalf("close frame = %d %q", closeErr.Code, closeErr.Text)
	}
}
