package webapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// streamBuffer is how many events an SSE subscriber may lag before frames
// are dropped. Dropping beats blocking the emitter.
const streamBuffer = 64

// handleEvents streams every state event to the UI. The first frame is the
// `connected` control message so the client knows the stream is live before
// anything happens.
func (s *Simulator) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errInternalError)
		return
	}
	applyCORS(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := make(chan protocol.Event, streamBuffer)
	subID := uuid.NewString()
	s.st.Bus().Subscribe(subID, func(ev protocol.Event) {
		select {
		case events <- ev:
		default:
			slog.Debug("event stream subscriber lagging, dropping", "subscriber", subID, "event", ev.Type)
		}
	})
	defer s.st.Bus().Unsubscribe(subID)

	if err := writeSSE(w, flusher, protocol.NewEvent(protocol.EventConnected, nil)); err != nil {
		return
	}
	slog.Info("event stream opened", "subscriber", subID)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("event stream closed", "subscriber", subID)
			return
		case ev := <-events:
			if err := writeSSE(w, flusher, ev); err != nil {
				slog.Info("event stream write failed, closing", "subscriber", subID)
				return
			}
		}
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// LogBus fans injected log records out to every /logs SSE subscriber.
// External bot processes push their structured log lines here so the UI can
// show one merged log view.
type LogBus struct {
	mu   sync.Mutex
	subs map[string]chan json.RawMessage
}

func NewLogBus() *LogBus {
	return &LogBus{subs: make(map[string]chan json.RawMessage)}
}

func (lb *LogBus) subscribe(id string) chan json.RawMessage {
	ch := make(chan json.RawMessage, streamBuffer)
	lb.mu.Lock()
	lb.subs[id] = ch
	lb.mu.Unlock()
	return ch
}

func (lb *LogBus) unsubscribe(id string) {
	lb.mu.Lock()
	delete(lb.subs, id)
	lb.mu.Unlock()
}

// Publish delivers one record to every subscriber, dropping on lag.
func (lb *LogBus) Publish(record json.RawMessage) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for id, ch := range lb.subs {
		select {
		case ch <- record:
		default:
			slog.Debug("log stream subscriber lagging, dropping", "subscriber", id)
		}
	}
}

// handleLogPush accepts a JSON log record from an external process and
// broadcasts it.
func (s *Simulator) handleLogPush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(data) {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	s.logs.Publish(json.RawMessage(data))
	writeOK(w, nil)
}

// handleLogStream streams injected log records to the UI.
func (s *Simulator) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errInternalError)
		return
	}
	applyCORS(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	subID := uuid.NewString()
	records := s.logs.subscribe(subID)
	defer s.logs.unsubscribe(subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case rec := <-records:
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(rec); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
