// Package chat holds the shared conversation state: the message model and
// the append-only log every agent reads from and writes to.
package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink mirrors appends to durable storage. Record is called inside the log's
// critical section, so records arrive in sequence order and 1:1 with appends.
type Sink interface {
	Record(msg Message) error
}

// AppendError means a message could not be stored. It is unrecoverable.
type AppendError struct {
	Sequence int64
	Err      error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append #%d: %v", e.Sequence, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

var ErrLogNotEmpty = errors.New("chat log already has messages")

// Log is the ordered, append-only store of messages.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	nextSeq  int64
	sinks    []Sink
	now      func() time.Time
	logger   *zap.Logger

	subMu  sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

type Option func(*Log)

// WithSinks registers persistence sinks, called in order for every append.
func WithSinks(sinks ...Sink) Option {
	return func(l *Log) {
		for _, s := range sinks {
			if s != nil {
				l.sinks = append(l.sinks, s)
			}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLog(opts ...Option) *Log {
	l := &Log{
		nextSeq: 1,
		now:     time.Now,
		logger:  zap.NewNop(),
		subs:    map[int]chan struct{}{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore seeds an empty log with previously persisted messages. Sinks are
// not called; the records already live in storage. Later appends continue
// after the highest restored sequence.
func (l *Log) Restore(history []Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages) > 0 {
		return ErrLogNotEmpty
	}
	var last int64
	for i, msg := range history {
		if msg.Sequence <= last {
			return fmt.Errorf("restore: record %d has sequence %d after %d", i, msg.Sequence, last)
		}
		if !msg.Sender.Valid() || !msg.Kind.Valid() {
			return fmt.Errorf("restore: record %d has invalid sender/kind %q/%q", i, msg.Sender, msg.Kind)
		}
		last = msg.Sequence
	}
	l.messages = append(make([]Message, 0, len(history)), history...)
	l.nextSeq = last + 1
	l.logger.Debug("chat log restored", zap.Int("messages", len(history)), zap.Int64("next_seq", l.nextSeq))
	return nil
}

// Append assigns the next sequence number, records the message with every
// sink and makes it visible to readers. A sink failure leaves the log
// unchanged and returns an *AppendError.
func (l *Log) Append(sender Role, kind Kind, body string) (Message, error) {
	if !sender.Valid() {
		return Message{}, fmt.Errorf("append: invalid sender %q", sender)
	}
	if !kind.Valid() {
		return Message{}, fmt.Errorf("append: invalid kind %q", kind)
	}

	l.mu.Lock()
	msg := Message{
		Sequence:  l.nextSeq,
		Sender:    sender,
		Kind:      kind,
		Body:      body,
		CreatedAt: l.now().UTC(),
	}
	for _, sink := range l.sinks {
		if err := sink.Record(msg); err != nil {
			l.mu.Unlock()
			l.logger.Error("chat log sink failed", zap.Int64("seq", msg.Sequence), zap.Error(err))
			return Message{}, &AppendError{Sequence: msg.Sequence, Err: err}
		}
	}
	l.messages = append(l.messages, msg)
	l.nextSeq++
	l.mu.Unlock()

	l.logger.Debug("message appended",
		zap.Int64("seq", msg.Sequence),
		zap.String("role", string(msg.Sender)),
		zap.String("kind", string(msg.Kind)),
		zap.Int("bytes", len(msg.Body)),
	)
	l.notify()
	return msg, nil
}

// Snapshot returns a copy of every message in order.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// TailSince returns the messages whose sequence is strictly greater than seq.
func (l *Log) TailSince(seq int64) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// Sequences are strictly increasing, so the first match starts the tail.
	start := len(l.messages)
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Sequence <= seq {
			break
		}
		start = i
	}
	out := make([]Message, len(l.messages)-start)
	copy(out, l.messages[start:])
	return out
}

// Last returns the newest message, if any.
func (l *Log) Last() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Subscribe returns a channel that receives a signal whenever the log grows.
// Signals coalesce: a reader should call TailSince with the last sequence it
// has seen. The returned func unsubscribes and closes the channel.
func (l *Log) Subscribe() (<-chan struct{}, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id := l.nextID
	l.nextID++
	ch := make(chan struct{}, 1)
	l.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			if sub, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(sub)
			}
		})
	}
}

func (l *Log) notify() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
