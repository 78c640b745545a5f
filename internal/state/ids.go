package state

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// tsSource hands out platform-style "<secs>.<microsecs>" timestamps that are
// strictly monotonic within the process even when the clock stalls.
type tsSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newTsSource() *tsSource {
	return &tsSource{now: time.Now}
}

func (t *tsSource) Next() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	us := t.now().UnixMicro()
	if us <= t.last {
		us = t.last + 1
	}
	t.last = us
	return fmt.Sprintf("%d.%06d", us/1_000_000, us%1_000_000)
}

var (
	viewSeq    atomic.Int64
	triggerSeq atomic.Int64
)

// newViewID mimics the platform's V-prefixed view ids.
func newViewID() string {
	n := viewSeq.Add(1)
	return fmt.Sprintf("V%06d%s", n, shortToken())
}

// newTriggerID mimics the platform's dotted trigger ids.
func newTriggerID() string {
	n := triggerSeq.Add(1)
	return fmt.Sprintf("%d.%d.%s", time.Now().Unix(), n, shortToken())
}

func newFileID() string {
	return "F" + strings.ToUpper(shortToken())
}

func newEventID() string {
	return "Ev" + strings.ToUpper(shortToken())
}

func shortToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
