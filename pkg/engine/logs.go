package engine

import (
	"sync"
	"time"
)

// logHub buffers deployment log lines and broadcasts them to subscribers.
// A subscriber attaching mid-deployment first receives the buffered lines,
// then live ones, with no duplication and no gap: the replay and the
// registration happen under one lock, so no append can interleave.
type logHub struct {
	mu sync.Mutex

	lines  []LogEntry
	closed bool

	subscribers map[chan LogEntry]struct{}
}

func newLogHub() *logHub {
	return &logHub{subscribers: make(map[chan LogEntry]struct{})}
}

// Append adds a line and delivers it to all current subscribers. Slow
// subscribers are dropped rather than allowed to block the deployment.
func (h *logHub) Append(level LogLevel, source, message string) LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := LogEntry{
		Sequence:  len(h.lines),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
	}
	h.lines = append(h.lines, entry)

	for ch := range h.subscribers {
		select {
		case ch <- entry:
		default:
			delete(h.subscribers, ch)
			close(ch)
		}
	}

	return entry
}

// Subscribe returns a channel that replays the buffer and then follows live
// appends. The channel is closed when the deployment reaches a terminal
// state or when cancel is called. cancel is idempotent.
func (h *logHub) Subscribe() (<-chan LogEntry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Buffer sized for the replay plus live headroom.
	ch := make(chan LogEntry, len(h.lines)+256)
	for _, entry := range h.lines {
		ch <- entry
	}

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.subscribers[ch] = struct{}{}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Lines returns a snapshot of the buffered log.
func (h *logHub) Lines() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]LogEntry, len(h.lines))
	copy(out, h.lines)
	return out
}

// Close marks the log finite and closes all subscriber channels.
func (h *logHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan LogEntry]struct{})
}
