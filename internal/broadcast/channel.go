// Package broadcast fans out ordered session messages to subscribers.
//
// Each session has its own topic. Publish assigns the next sequence index,
// appends the message to a bounded replay buffer and hands it to every
// subscriber's queue without blocking. A subscriber whose queue is full is
// dropped and its subscription ends with ErrSubscriberOverflow; the message
// stream itself is never thinned.
//
// Subscribe replays the retained buffer and registers the subscriber under the
// topic lock, so every subscriber sees strictly increasing indices with no
// gaps from its first message on.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTopicClosed        = errors.New("topic closed")
	ErrSubscriberOverflow = errors.New("subscriber queue overflow")
)

type MessageType string

const (
	MessageVideo       MessageType = "video"
	MessageAudio       MessageType = "audio"
	MessageInstruction MessageType = "instruction"
	MessageError       MessageType = "error"
	MessageStatus      MessageType = "status"
)

// Message is the envelope delivered to clients.
type Message struct {
	SessionID string          `json:"session_id"`
	Type      MessageType     `json:"type"`
	Sequence  uint64          `json:"sequence_index"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

const (
	DefaultReplayMax = 1000
	DefaultRetention = 10 * time.Minute
	DefaultQueueSize = 256
)

type Config struct {
	ReplayMax int
	Retention time.Duration
	QueueSize int
}

// PublishFunc mirrors a message to an external bus.
type PublishFunc func(subject string, data []byte) error

// DropFunc is called after a subscriber was dropped for overflow.
type DropFunc func(sessionID, subscriberID string)

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	ID        string
	SessionID string

	ch     chan Message
	closed bool // guarded by the topic lock
	mu     sync.Mutex
	err    error
}

// C returns the message stream. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message { return s.ch }

// Err reports why the subscription ended: nil for a normal close or
// unsubscribe, ErrSubscriberOverflow when the subscriber fell behind.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// end must be called with the owning topic's lock held.
func (s *Subscription) end(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

type topic struct {
	mu     sync.Mutex
	next   uint64
	buffer []Message
	subs   map[string]*Subscription
	closed bool
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Topics    int    `json:"topics"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Channel holds every session topic.
type Channel struct {
	cfg    Config
	mirror PublishFunc
	onDrop DropFunc
	now    func() time.Time

	mu     sync.Mutex
	topics map[string]*topic

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config) *Channel {
	if cfg.ReplayMax <= 0 {
		cfg.ReplayMax = DefaultReplayMax
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Channel{
		cfg:    cfg,
		now:    time.Now,
		topics: make(map[string]*topic),
	}
}

// SetMirror wires the external publisher. Mirror failures are logged only.
func (c *Channel) SetMirror(fn PublishFunc) {
	c.mirror = fn
}

// SetDropHandler registers a callback for overflow drops.
func (c *Channel) SetDropHandler(fn DropFunc) {
	c.onDrop = fn
}

func (c *Channel) topic(sessionID string) *topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		c.topics[sessionID] = t
	}
	return t
}

func (c *Channel) lookup(sessionID string) *topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[sessionID]
}

// Publish assigns the next sequence index and delivers the message.
func (c *Channel) Publish(sessionID string, typ MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	t := c.topic(sessionID)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Message{}, ErrTopicClosed
	}

	now := c.now().UTC()
	t.next++
	msg := Message{
		SessionID: sessionID,
		Type:      typ,
		Sequence:  t.next,
		Timestamp: now,
		Payload:   raw,
	}

	t.buffer = append(t.buffer, msg)
	c.evictLocked(t, now)

	var dropped []string
	for id, sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
			delete(t.subs, id)
			sub.end(ErrSubscriberOverflow)
			dropped = append(dropped, id)
		}
	}
	t.mu.Unlock()

	c.published.Add(1)
	for _, id := range dropped {
		c.dropped.Add(1)
		slog.Warn("broadcast: subscriber dropped",
			"session_id", sessionID,
			"subscriber_id", id,
			"error", ErrSubscriberOverflow,
		)
		if c.onDrop != nil {
			c.onDrop(sessionID, id)
		}
	}

	if c.mirror != nil {
		data, _ := json.Marshal(msg)
		if err := c.mirror(fmt.Sprintf("narrator.session.%s.messages", sessionID), data); err != nil {
			slog.Warn("broadcast: mirror publish failed", "session_id", sessionID, "sequence", msg.Sequence, "error", err)
		}
	}
	return msg, nil
}

func (c *Channel) evictLocked(t *topic, now time.Time) {
	drop := 0
	for drop < len(t.buffer) {
		tooMany := len(t.buffer)-drop > c.cfg.ReplayMax
		tooOld := now.Sub(t.buffer[drop].Timestamp) > c.cfg.Retention
		if !tooMany && !tooOld {
			break
		}
		drop++
	}
	if drop > 0 {
		t.buffer = append(t.buffer[:0:0], t.buffer[drop:]...)
	}
}

// Subscribe registers a subscriber and queues every retained message before
// any new one. Subscribing to a closed topic yields the retained messages
// followed by the end of the stream.
func (c *Channel) Subscribe(sessionID string) *Subscription {
	t := c.topic(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()

	c.evictLocked(t, c.now().UTC())
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ch:        make(chan Message, c.cfg.QueueSize+len(t.buffer)),
	}
	for _, msg := range t.buffer {
		sub.ch <- msg
	}
	if t.closed {
		sub.end(nil)
		return sub
	}
	t.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscription. Unknown or already ended
// subscriptions are ignored.
func (c *Channel) Unsubscribe(sessionID, subscriberID string) {
	t := c.lookup(sessionID)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[subscriberID]; ok {
		delete(t.subs, subscriberID)
		sub.end(nil)
	}
}

// Close rejects further publishes and ends every subscription. Messages
// already queued stay readable.
func (c *Channel) Close(sessionID string) {
	t := c.topic(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.end(nil)
	}
}

// Drop closes the topic and forgets its replay buffer.
func (c *Channel) Drop(sessionID string) {
	c.Close(sessionID)
	c.mu.Lock()
	delete(c.topics, sessionID)
	c.mu.Unlock()
}

// Subscribers returns the number of live subscriptions for a session.
func (c *Channel) Subscribers(sessionID string) int {
	t := c.lookup(sessionID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Last returns the highest sequence index published for a session.
func (c *Channel) Last(sessionID string) uint64 {
	t := c.lookup(sessionID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	n := len(c.topics)
	c.mu.Unlock()
	return Stats{
		Topics:    n,
		Published: c.published.Load(),
		Dropped:   c.dropped.Load(),
	}
}
