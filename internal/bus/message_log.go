package bus

import "sync"

// messageLog is the in-process mock transport: one append-only broadcast
// channel shared by every Node in the process. Subscribing replays the log
// from its origin before live delivery, matching what the waku backend gets
// from store queries.
type messageLog struct {
	mu          sync.Mutex
	entries     []Envelope
	subscribers map[int]func(Envelope)
	nextSub     int
}

var globalLog = &messageLog{
	subscribers: make(map[int]func(Envelope)),
}

func (l *messageLog) publish(env Envelope) {
	l.mu.Lock()
	l.entries = append(l.entries, env)
	handlers := make([]func(Envelope), 0, len(l.subscribers))
	for _, h := range l.subscribers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (l *messageLog) subscribe(handler func(Envelope)) int {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = handler
	history := append([]Envelope(nil), l.entries...)
	l.mu.Unlock()

	for _, env := range history {
		handler(env)
	}
	return id
}

func (l *messageLog) unsubscribe(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscribers, id)
}

// reset drops all state; used by tests that need a fresh channel.
func (l *messageLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.subscribers = make(map[int]func(Envelope))
	l.nextSub = 0
}
