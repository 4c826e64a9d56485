package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Warp-Terra/repo-agent/internal/llm"
)

// DefaultMaxEvents is the per-session event ring capacity.
const DefaultMaxEvents = 2000

// Event is one entry in a session's monotonically numbered event log.
// Timestamps are Unix seconds as a float, the daemon's wire format.
type Event struct {
	EventID   int64          `json:"event_id"`
	SessionID string         `json:"session_id"`
	TurnID    *int64         `json:"turn_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp float64        `json:"timestamp"`
}

type turnRequest struct {
	turnID    int64
	userInput string
	createdAt float64
}

// EventPage is the result of a long-poll read of the event ring.
type EventPage struct {
	SessionID     string  `json:"session_id"`
	Events        []Event `json:"events"`
	LastEventID   int64   `json:"last_event_id"`
	OldestEventID int64   `json:"oldest_event_id"`
	DroppedEvents int64   `json:"dropped_events"`
}

// Session owns one conversation: its history, a FIFO turn queue drained
// by a single worker goroutine, and a bounded event ring. All mutation
// happens under one lock so event IDs stay gap-free.
type Session struct {
	ID string

	runtime  llm.Runtime
	registry *Registry

	mu      sync.Mutex
	cond    *sync.Cond
	notify  chan struct{}
	history []llm.Message
	pending []turnRequest

	events      []Event
	lastEventID int64
	turnCounter int64
	maxEvents   int
	busy        bool
	stopped     bool

	done  chan struct{}
	sleep llm.SleepFunc
}

// NewSession builds a session. Call Start to launch the worker.
func NewSession(id string, runtime llm.Runtime, registry *Registry, maxEvents int) *Session {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	s := &Session{
		ID:        id,
		runtime:   runtime,
		registry:  registry,
		maxEvents: maxEvents,
		notify:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker and records session_created.
func (s *Session) Start() {
	go s.workerLoop()
	s.appendEvent("session_created", map[string]any{
		"provider": s.runtime.Provider(),
		"model_id": s.runtime.ModelID(),
	}, nil)
}

// Stop asks the worker to exit after draining already queued turns and
// waits briefly for it.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
	}
}

// SubmitTurn queues a user question and returns its turn id. Blank
// input is rejected.
func (s *Session) SubmitTurn(userInput string) (int64, error) {
	text := strings.TrimSpace(userInput)
	if text == "" {
		return 0, errors.New("输入不能为空。")
	}

	s.mu.Lock()
	s.turnCounter++
	turnID := s.turnCounter
	s.pending = append(s.pending, turnRequest{
		turnID:    turnID,
		userInput: text,
		createdAt: float64(time.Now().UnixNano()) / 1e9,
	})
	queueSize := len(s.pending)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.appendEvent("turn_enqueued", map[string]any{"queue_size": queueSize}, &turnID)
	return turnID, nil
}

// Clear drops queued turns and empties the history. Refused while a
// turn is executing.
func (s *Session) Clear() (bool, string) {
	dropped := s.dropPendingTurns()

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return false, "当前有请求正在执行，暂不允许清空。"
	}
	s.history = nil
	s.mu.Unlock()

	s.appendEvent("session_cleared", map[string]any{"dropped_pending": dropped}, nil)
	return true, "会话已清空。"
}

// Cancel drops queued turns. A turn already running at the model side
// cannot be interrupted.
func (s *Session) Cancel() map[string]any {
	dropped := s.dropPendingTurns()

	s.mu.Lock()
	running := s.busy
	s.mu.Unlock()

	result := map[string]any{
		"running":               running,
		"dropped_pending":       dropped,
		"hard_cancel_supported": false,
	}
	s.appendEvent("cancel_requested", result, nil)
	return result
}

// Status reports a point-in-time snapshot of the session.
func (s *Session) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"session_id":    s.ID,
		"provider":      s.runtime.Provider(),
		"model_id":      s.runtime.ModelID(),
		"busy":          s.busy,
		"pending_count": len(s.pending),
		"history_size":  len(s.history),
		"last_event_id": s.lastEventID,
		"last_turn_id":  s.turnCounter,
	}
}

// GetEvents returns events with id greater than after, oldest first,
// waiting up to waitMs for the first new event. DroppedEvents counts
// ids already evicted from the ring.
func (s *Session) GetEvents(after int64, waitMs, limit int) EventPage {
	var deadline <-chan time.Time
	if waitMs > 0 {
		timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if s.lastEventID > after || waitMs <= 0 {
			page := s.collectEventsLocked(after, limit)
			s.mu.Unlock()
			return page
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-deadline:
			s.mu.Lock()
			page := s.collectEventsLocked(after, limit)
			s.mu.Unlock()
			return page
		}
	}
}

func (s *Session) collectEventsLocked(after int64, limit int) EventPage {
	events := make([]Event, 0)
	for _, ev := range s.events {
		if ev.EventID > after {
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
	}

	oldest := s.lastEventID + 1
	if len(s.events) > 0 {
		oldest = s.events[0].EventID
	}
	dropped := oldest - after - 1
	if dropped < 0 {
		dropped = 0
	}
	return EventPage{
		SessionID:     s.ID,
		Events:        events,
		LastEventID:   s.lastEventID,
		OldestEventID: oldest,
		DroppedEvents: dropped,
	}
}

func (s *Session) dropPendingTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.pending)
	s.pending = nil
	return dropped
}

func (s *Session) appendEvent(eventType string, payload map[string]any, turnID *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventID++
	s.events = append(s.events, Event{
		EventID:   s.lastEventID,
		SessionID: s.ID,
		TurnID:    turnID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	if overflow := len(s.events) - s.maxEvents; overflow > 0 {
		s.events = append([]Event(nil), s.events[overflow:]...)
	}
	close(s.notify)
	s.notify = make(chan struct{})
	s.cond.Broadcast()
}

func (s *Session) workerLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.stopped {
			s.mu.Unlock()
			return
		}
		req := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.runTurn(req)
	}
}

func (s *Session) runTurn(req turnRequest) {
	s.mu.Lock()
	s.busy = true
	s.cond.Broadcast()
	s.mu.Unlock()

	turnID := req.turnID
	s.appendEvent("turn_started", map[string]any{"input": req.userInput}, &turnID)
	s.appendEvent("user", map[string]any{"text": req.userInput}, &turnID)

	emit := func(eventType string, payload map[string]any) {
		s.appendEvent(eventType, payload, &turnID)
	}

	// The turn runs on a local copy of the history slice; Clear is
	// refused while busy, so writing it back cannot lose an update.
	s.mu.Lock()
	history := s.history
	s.mu.Unlock()

	status := "completed"
	answer, err := RunTurn(context.Background(), s.runtime, s.registry, &history, req.userInput, emit, s.sleep)
	if err != nil {
		status = "failed"
		history = rollbackLastUserMessage(history)
		s.appendEvent("error", map[string]any{"message": errorKind(err) + ": " + err.Error()}, &turnID)
	} else {
		s.appendEvent("answer", map[string]any{"text": answer}, &turnID)
	}

	s.mu.Lock()
	s.history = history
	s.mu.Unlock()

	s.mu.Lock()
	s.busy = false
	s.cond.Broadcast()
	s.mu.Unlock()
	s.appendEvent("turn_finished", map[string]any{"status": status}, &turnID)
}

// rollbackLastUserMessage drops the trailing user message after a failed
// turn so the history is not left mid-exchange.
func rollbackLastUserMessage(history []llm.Message) []llm.Message {
	if n := len(history); n > 0 && history[n-1].Role() == "user" {
		return history[:n-1]
	}
	return history
}

func errorKind(err error) string {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return "ProviderError"
	}
	var cerr *llm.ConfigurationError
	if errors.As(err, &cerr) {
		return "ConfigurationError"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Canceled"
	}
	return "Error"
}
