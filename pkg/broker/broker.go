// Package broker defines the messaging contract the runtime consumes and an
// in-memory reference adapter. Topics fan out to pattern subscribers; queues
// deliver each message to at most one consumer.
package broker

import (
	"fmt"
	"strings"
	"time"
)

// Message is one unit of transfer between publishers and consumers.
type Message struct {
	ID            string
	Topic         string
	Queue         string
	Body          any
	Headers       map[string]string
	Timestamp     time.Time
	ReplyTo       string
	CorrelationID string
}

// QueueOptions configures queue declaration.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	DLQ        string
	TTL        time.Duration
}

// QueueInfo is the observable state of a queue.
type QueueInfo struct {
	Name          string
	MessageCount  int
	ConsumerCount int
	Durable       bool
	AutoDelete    bool
	DLQ           string
	TTL           time.Duration
}

// Handler consumes one delivery. The broker owns the goroutine it runs on.
type Handler func(msg *Message)

// Broker is the abstract messaging contract. Implementations must be safe
// for concurrent callers.
type Broker interface {
	Connect(config map[string]string) error
	Disconnect() error
	IsConnected() bool

	DeclareQueue(name string, opts QueueOptions) error
	DeleteQueue(name string) error
	PurgeQueue(name string) (int, error)
	GetQueueInfo(name string) (QueueInfo, error)
	ListQueues() []string
	ListTopics() []string

	Publish(topic string, msg *Message) error
	Subscribe(topicPattern string, handler Handler) (string, error)
	Unsubscribe(subscriptionID string) error

	Send(queue string, msg *Message) error
	Consume(queue string, handler Handler, prefetch int) (string, error)

	Ack(msg *Message) error
	Nack(msg *Message, requeue bool) error

	Request(queue string, msg *Message, timeout time.Duration) (*Message, error)
	Reply(incoming *Message, response *Message) error
}

// BrokerError reports a broker operation failure.
type BrokerError struct {
	Op      string
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %s", e.Op, e.Message)
}

func brokerErrorf(op, format string, args ...any) error {
	return &BrokerError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// TimeoutError reports an expired request/reply wait.
type TimeoutError struct {
	Queue   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request on queue %q timed out after %s", e.Queue, e.Timeout)
}

// MatchTopic reports whether a concrete topic matches a subscription pattern.
// Patterns are dot-separated; `*` matches exactly one segment.
func MatchTopic(topic, pattern string) bool {
	if topic == pattern {
		return true
	}
	tsegs := strings.Split(topic, ".")
	psegs := strings.Split(pattern, ".")
	if len(tsegs) != len(psegs) {
		return false
	}
	for i, p := range psegs {
		if p != "*" && p != tsegs[i] {
			return false
		}
	}
	return true
}
