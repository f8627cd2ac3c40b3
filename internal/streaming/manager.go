package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/promode"
)

const (
	defaultCapacity  = 256
	defaultRetention = 5 * time.Minute
)

// Event is a progress event as delivered to SSE and WebSocket clients.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Index     *int      `json:"index,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	return e.Type == promode.EventRunCompleted || e.Type == promode.EventRunFailed
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans run events out to live subscribers and keeps a bounded
// backlog per run so reconnecting clients can resume by sequence number.
type Manager struct {
	mu        sync.Mutex
	topics    map[string]*topic
	capacity  int
	retention time.Duration
	logger    *zap.Logger
}

// topic is the state of one run.
type topic struct {
	seq     uint64
	backlog []Event
	subs    map[chan Event]struct{}
}

// NewManager creates a manager keeping up to capacity events per run.
// The backlog of a finished run is dropped after the retention period.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		topics:    make(map[string]*topic),
		capacity:  capacity,
		retention: defaultRetention,
		logger:    logger,
	}
}

// topicLocked returns the topic for runID, creating it. Caller holds m.mu.
func (m *Manager) topicLocked(runID string) *topic {
	t := m.topics[runID]
	if t == nil {
		t = &topic{subs: make(map[chan Event]struct{})}
		m.topics[runID] = t
	}
	return t
}

// Subscribe registers a channel for runID. The caller drains it and calls
// Unsubscribe when done.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	m.topicLocked(runID).subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[runID]
	if t == nil {
		return
	}
	if _, ok := t.subs[ch]; !ok {
		return
	}
	delete(t.subs, ch)
	close(ch)
	if len(t.subs) == 0 && len(t.backlog) == 0 {
		delete(m.topics, runID)
	}
}

// Publish stamps the event with the run's next sequence number, appends it
// to the backlog and offers it to every subscriber. A subscriber whose
// buffer is full misses the event and can recover it with ReplaySince.
func (m *Manager) Publish(runID string, evt Event) {
	m.mu.Lock()
	t := m.topicLocked(runID)
	t.seq++
	evt.Seq, evt.RunID = t.seq, runID
	t.backlog = append(t.backlog, evt)
	if over := len(t.backlog) - m.capacity; over > 0 {
		t.backlog = append(t.backlog[:0:0], t.backlog[over:]...)
	}
	dropped := 0
	for ch := range t.subs {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Debug("Subscribers missed event",
			zap.String("run_id", runID),
			zap.Uint64("seq", evt.Seq),
			zap.Int("dropped", dropped),
		)
	}
	if evt.Terminal() {
		time.AfterFunc(m.retention, func() { m.forget(runID) })
	}
}

// ReplaySince returns the retained events with Seq > since, oldest first.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[runID]
	if t == nil {
		return nil
	}
	return eventsAfter(t.backlog, since)
}

func (m *Manager) forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[runID]
	if t == nil {
		return
	}
	t.backlog = nil
	if len(t.subs) == 0 {
		delete(m.topics, runID)
	}
}

// Emit implements promode.EventSink.
func (m *Manager) Emit(evt promode.Event) {
	if evt.RunID == "" {
		return
	}
	out := Event{
		Type:      evt.Type,
		Message:   evt.Message,
		Timestamp: evt.Timestamp,
	}
	if evt.Index >= 0 {
		idx := evt.Index
		out.Index = &idx
	}
	m.Publish(evt.RunID, out)
}

func eventsAfter(backlog []Event, since uint64) []Event {
	// backlog is ordered by Seq
	for i, ev := range backlog {
		if ev.Seq > since {
			out := make([]Event, len(backlog)-i)
			copy(out, backlog[i:])
			return out
		}
	}
	return nil
}
