package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/slacksim/internal/config"
	"github.com/nextlevelbuilder/slacksim/internal/socketbus"
	"github.com/nextlevelbuilder/slacksim/internal/state"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// stubDispatcher records dispatches instead of writing to sockets. ackWith,
// when set, is fed to the dispatch's AckHandler synchronously, standing in
// for a bot's reply.
type stubDispatcher struct {
	mu          sync.Mutex
	dispatches  []dispatchRecord
	sent        int
	freeConnID  string
	confirmed   []string
	released    []string
	disconnects []string
	ackWith     json.RawMessage
}

type dispatchRecord struct {
	EnvType string
	Payload any
	Target  string
}

func newStubDispatcher() *stubDispatcher {
	return &stubDispatcher{sent: 1, freeConnID: "conn-test"}
}

func (d *stubDispatcher) Dispatch(_ context.Context, envType string, payload any, target string, onAck socketbus.AckHandler) int {
	d.mu.Lock()
	d.dispatches = append(d.dispatches, dispatchRecord{EnvType: envType, Payload: payload, Target: target})
	ack := d.ackWith
	sent := d.sent
	d.mu.Unlock()
	if onAck != nil {
		onAck(protocol.Ack{EnvelopeID: "env-test", Payload: ack})
	}
	return sent
}

func (d *stubDispatcher) DisconnectAll(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects = append(d.disconnects, reason)
}

func (d *stubDispatcher) GetUnassociatedConnectionID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freeConnID == "" {
		return "", false
	}
	return d.freeConnID, true
}

func (d *stubDispatcher) ConfirmConnectionClaim(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmed = append(d.confirmed, connID)
}

func (d *stubDispatcher) ReleaseConnectionClaim(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, connID)
}

func (d *stubDispatcher) records() []dispatchRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatchRecord, len(d.dispatches))
	copy(out, d.dispatches)
	return out
}

type fixture struct {
	st   *state.State
	bus  *stubDispatcher
	mux  *http.ServeMux
	plat *Platform
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := state.New(nil, config.DefaultUsers(), config.DefaultChannels())
	bus := newStubDispatcher()
	mux := http.NewServeMux()
	sim := NewSimulator(st, bus, NewLogBus(), "http://127.0.0.1:7557")
	sim.RegisterRoutes(mux)
	plat := NewPlatform(st, bus, "http://127.0.0.1:7557", "ws://127.0.0.1:7557/ws/socket-mode", NewRateLimiter(0))
	mux.HandleFunc("/api/{method}", func(w http.ResponseWriter, r *http.Request) {
		plat.HandleMethod(w, r, r.PathValue("method"))
	})
	return &fixture{st: st, bus: bus, mux: mux, plat: plat}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == nil {
		rd = strings.NewReader("")
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("%s %s: undecodable response %q", method, path, rec.Body.String())
	}
	return rec.Code, decoded
}

func newGetRequest(path string) *http.Request {
	return httptest.NewRequest("GET", path, nil)
}

func recordRequest(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

// uploadRaw PUTs raw bytes to a file-upload slot and asserts success.
func (f *fixture) uploadRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	req := httptest.NewRequest("PUT", path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload %s = %d: %s", path, rec.Code, rec.Body.String())
	}
}

func wantOK(t *testing.T, status int, body map[string]any) {
	t.Helper()
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("response = %d %v, want 200 ok", status, body)
	}
}

func wantErr(t *testing.T, body map[string]any, kind string) {
	t.Helper()
	if body["ok"] != false || body["error"] != kind {
		t.Fatalf("response = %v, want error %q", body, kind)
	}
}
