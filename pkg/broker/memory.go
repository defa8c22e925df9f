package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillframe/quill/pkg/logger"
)

const subscriptionBuffer = 256

// MemoryBroker is the single-process reference adapter. Topic subscribers
// each get their own dispatch goroutine, so delivery is FIFO per
// subscription. Queue messages go to one consumer, round-robin, with
// prefetch-bounded in-flight deliveries.
type MemoryBroker struct {
	mu         sync.Mutex
	connected  bool
	queues     map[string]*memQueue
	subs       map[string]*subscription
	topics     map[string]bool
	deliveries map[string]*delivery
	pending    map[string]chan *Message
	wg         sync.WaitGroup
	log        *slog.Logger
}

type subscription struct {
	id      string
	pattern string

	mu     sync.Mutex
	closed bool
	ch     chan *Message
}

func (s *subscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- msg
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type consumer struct {
	id string
	ch chan *Message
}

type memQueue struct {
	name string
	opts QueueOptions

	mu        sync.Mutex
	cond      *sync.Cond
	msgs      []*Message
	consumers []*consumer
	next      int
	closed    bool
}

type delivery struct {
	msg   *Message
	queue string
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:     map[string]*memQueue{},
		subs:       map[string]*subscription{},
		topics:     map[string]bool{},
		deliveries: map[string]*delivery{},
		pending:    map[string]chan *Message{},
		log:        logger.GetLogger("broker"),
	}
}

func (b *MemoryBroker) Connect(config map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Disconnect closes every subscription and queue, then waits for all
// in-flight deliveries to finish.
func (b *MemoryBroker) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := b.subs
	queues := b.queues
	b.subs = map[string]*subscription{}
	b.queues = map[string]*memQueue{}
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	for _, q := range queues {
		q.close()
	}
	b.wg.Wait()
	return nil
}

func (b *MemoryBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *MemoryBroker) DeclareQueue(name string, opts QueueOptions) error {
	if name == "" {
		return brokerErrorf("declare", "queue name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return nil
	}
	b.queues[name] = b.startQueue(name, opts)
	return nil
}

// startQueue creates the queue and its dispatcher goroutine. Caller holds
// b.mu.
func (b *MemoryBroker) startQueue(name string, opts QueueOptions) *memQueue {
	q := &memQueue{name: name, opts: opts}
	q.cond = sync.NewCond(&q.mu)
	b.wg.Add(1)
	go b.dispatch(q)
	return q
}

// dispatch pops messages in FIFO order and hands each to the next consumer
// with free prefetch capacity, round-robin.
func (b *MemoryBroker) dispatch(q *memQueue) {
	defer b.wg.Done()
	for {
		q.mu.Lock()
		var target *consumer
		var msg *Message
		for {
			if q.closed {
				for _, c := range q.consumers {
					close(c.ch)
				}
				q.mu.Unlock()
				return
			}
			target, msg = q.pick()
			if target != nil {
				break
			}
			q.cond.Wait()
		}
		q.mu.Unlock()

		if q.opts.TTL > 0 && time.Since(msg.Timestamp) > q.opts.TTL {
			b.toDLQ(q, msg)
			continue
		}
		b.recordDelivery(msg, q.name)
		target.ch <- msg
	}
}

// pick returns the next (consumer, message) pair, or nil when nothing can be
// dispatched. Caller holds q.mu.
func (q *memQueue) pick() (*consumer, *Message) {
	if len(q.msgs) == 0 || len(q.consumers) == 0 {
		return nil, nil
	}
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if len(c.ch) < cap(c.ch) {
			q.next = (q.next + i + 1) % len(q.consumers)
			msg := q.msgs[0]
			q.msgs = q.msgs[1:]
			return c, msg
		}
	}
	return nil, nil
}

func (q *memQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (b *MemoryBroker) DeleteQueue(name string) error {
	b.mu.Lock()
	q, ok := b.queues[name]
	delete(b.queues, name)
	b.mu.Unlock()
	if !ok {
		return brokerErrorf("delete", "unknown queue %q", name)
	}
	q.close()
	return nil
}

func (b *MemoryBroker) PurgeQueue(name string) (int, error) {
	q, err := b.queue(name, "purge")
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	n := len(q.msgs)
	q.msgs = nil
	q.mu.Unlock()
	return n, nil
}

func (b *MemoryBroker) GetQueueInfo(name string) (QueueInfo, error) {
	q, err := b.queue(name, "info")
	if err != nil {
		return QueueInfo{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueInfo{
		Name:          name,
		MessageCount:  len(q.msgs),
		ConsumerCount: len(q.consumers),
		Durable:       q.opts.Durable,
		AutoDelete:    q.opts.AutoDelete,
		DLQ:           q.opts.DLQ,
		TTL:           q.opts.TTL,
	}, nil
}

func (b *MemoryBroker) ListQueues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

func (b *MemoryBroker) ListTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}

// Publish fans the message out to every subscription whose pattern matches
// the topic at publish time.
func (b *MemoryBroker) Publish(topic string, msg *Message) error {
	if topic == "" {
		return brokerErrorf("publish", "topic required")
	}
	b.stamp(msg)
	msg.Topic = topic

	b.mu.Lock()
	b.topics[topic] = true
	var matched []*subscription
	for _, s := range b.subs {
		if MatchTopic(topic, s.pattern) {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matched {
		s.deliver(msg)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(topicPattern string, handler Handler) (string, error) {
	if topicPattern == "" {
		return "", brokerErrorf("subscribe", "pattern required")
	}
	s := &subscription{
		id:      uuid.NewString(),
		pattern: topicPattern,
		ch:      make(chan *Message, subscriptionBuffer),
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range s.ch {
			handler(msg)
		}
	}()
	return s.id, nil
}

func (b *MemoryBroker) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	s, ok := b.subs[subscriptionID]
	delete(b.subs, subscriptionID)
	b.mu.Unlock()
	if !ok {
		return brokerErrorf("unsubscribe", "unknown subscription %q", subscriptionID)
	}
	s.close()
	return nil
}

// Send enqueues onto a queue, declaring it with default options on first
// use.
func (b *MemoryBroker) Send(queue string, msg *Message) error {
	if queue == "" {
		return brokerErrorf("send", "queue required")
	}
	b.stamp(msg)
	msg.Queue = queue

	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok {
		q = b.startQueue(queue, QueueOptions{Durable: true})
		b.queues[queue] = q
	}
	b.mu.Unlock()

	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Consume(queue string, handler Handler, prefetch int) (string, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok {
		q = b.startQueue(queue, QueueOptions{Durable: true})
		b.queues[queue] = q
	}
	b.mu.Unlock()

	c := &consumer{id: uuid.NewString(), ch: make(chan *Message, prefetch)}
	q.mu.Lock()
	q.consumers = append(q.consumers, c)
	q.cond.Signal()
	q.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range c.ch {
			handler(msg)
			q.mu.Lock()
			q.cond.Signal() // capacity freed
			q.mu.Unlock()
		}
	}()
	return c.id, nil
}

// Ack settles a delivery. Only the first ack or nack per delivery has an
// effect.
func (b *MemoryBroker) Ack(msg *Message) error {
	if msg == nil {
		return brokerErrorf("ack", "nil message")
	}
	b.settle(msg.ID)
	return nil
}

// Nack settles a delivery negatively. With requeue the message returns to
// the front of its queue; without, it routes to the queue's DLQ if one is
// configured, else it is discarded.
func (b *MemoryBroker) Nack(msg *Message, requeue bool) error {
	if msg == nil {
		return brokerErrorf("nack", "nil message")
	}
	d := b.settle(msg.ID)
	if d == nil {
		return nil
	}
	b.mu.Lock()
	q, ok := b.queues[d.queue]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if requeue {
		q.mu.Lock()
		q.msgs = append([]*Message{d.msg}, q.msgs...)
		q.cond.Signal()
		q.mu.Unlock()
		return nil
	}
	b.toDLQ(q, d.msg)
	return nil
}

// Request sends to a queue and blocks for the correlated reply.
func (b *MemoryBroker) Request(queue string, msg *Message, timeout time.Duration) (*Message, error) {
	b.stamp(msg)
	msg.CorrelationID = uuid.NewString()
	msg.ReplyTo = "reply." + msg.CorrelationID

	replyCh := make(chan *Message, 1)
	b.mu.Lock()
	b.pending[msg.CorrelationID] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.CorrelationID)
		b.mu.Unlock()
	}()

	if err := b.Send(queue, msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return nil, &TimeoutError{Queue: queue, Timeout: timeout}
	}
}

// Reply routes a response back to the requester identified by the incoming
// message's correlation id.
func (b *MemoryBroker) Reply(incoming *Message, response *Message) error {
	if incoming == nil || incoming.CorrelationID == "" {
		return brokerErrorf("reply", "message has no correlation id")
	}
	b.stamp(response)
	response.CorrelationID = incoming.CorrelationID

	b.mu.Lock()
	ch, ok := b.pending[incoming.CorrelationID]
	b.mu.Unlock()
	if !ok {
		return brokerErrorf("reply", "no pending request for correlation id %q", incoming.CorrelationID)
	}
	select {
	case ch <- response:
	default:
	}
	return nil
}

func (b *MemoryBroker) queue(name, op string) (*memQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, brokerErrorf(op, "unknown queue %q", name)
	}
	return q, nil
}

func (b *MemoryBroker) stamp(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}

func (b *MemoryBroker) recordDelivery(msg *Message, queue string) {
	b.mu.Lock()
	b.deliveries[msg.ID] = &delivery{msg: msg, queue: queue}
	b.mu.Unlock()
}

// settle removes and returns the open delivery, or nil when the message was
// already settled.
func (b *MemoryBroker) settle(id string) *delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.deliveries[id]
	if !ok {
		return nil
	}
	delete(b.deliveries, id)
	return d
}

func (b *MemoryBroker) toDLQ(q *memQueue, msg *Message) {
	if q.opts.DLQ == "" {
		b.log.Debug("discarding message without DLQ", "queue", q.name, "message_id", msg.ID)
		return
	}
	redirected := *msg
	redirected.ID = uuid.NewString()
	if err := b.Send(q.opts.DLQ, &redirected); err != nil {
		b.log.Warn("failed to route message to DLQ", "queue", q.name, "dlq", q.opts.DLQ, "error", err)
	}
}
