package wsx

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// PubSubMessage is one message queued for delivery over a subscription.
type PubSubMessage struct {
	PubMsgID   string          `json:"pub_msg_id"`
	SubKey     string          `json:"sub_key"`
	Data       any             `json:"data"`
	ReplyToSK  string          `json:"reply_to_sk,omitempty"`
	Serialized json.RawMessage `json:"-"`
}

// externalForm is what the peer sees for this message. A pre-serialized
// payload wins over the structured one.
func (m *PubSubMessage) externalForm() any {
	if len(m.Serialized) > 0 {
		return m.Serialized
	}
	return m.Data
}

// NotifyRequest is a batch of messages to deliver over one subscription.
type NotifyRequest struct {
	SubKey   string
	Messages []*PubSubMessage
}

// subQueue serializes deliveries for one sub_key. Each queue is drained by
// a single goroutine so batches for a subscription arrive in order.
type subQueue struct {
	ch   chan []*PubSubMessage
	done chan struct{}
}

// pubsubTool tracks the subscriptions attached to one connection and runs
// their delivery queues.
type pubsubTool struct {
	mu     sync.Mutex
	queues map[string]*subQueue
	wg     sync.WaitGroup

	deliver func(subKey string, msgs []*PubSubMessage)
}

func newPubSubTool(deliver func(subKey string, msgs []*PubSubMessage)) *pubsubTool {
	return &pubsubTool{
		queues:  make(map[string]*subQueue),
		deliver: deliver,
	}
}

// addSubKey registers a subscription and starts its delivery queue.
// Re-adding an existing key is a no-op.
func (p *pubsubTool) addSubKey(subKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(subKey)
}

func (p *pubsubTool) addLocked(subKey string) *subQueue {
	if q, ok := p.queues[subKey]; ok {
		return q
	}
	q := &subQueue{
		ch:   make(chan []*PubSubMessage, 256),
		done: make(chan struct{}),
	}
	p.queues[subKey] = q
	p.wg.Add(1)
	go p.drain(subKey, q)
	return q
}

func (p *pubsubTool) drain(subKey string, q *subQueue) {
	defer p.wg.Done()
	for {
		select {
		case msgs := <-q.ch:
			p.deliver(subKey, msgs)
		case <-q.done:
			return
		}
	}
}

// addBatch enqueues a delivery batch, auto-registering the sub_key if it is
// not yet known. A full queue drops the batch rather than blocking the
// reader.
func (p *pubsubTool) addBatch(subKey string, msgs []*PubSubMessage) {
	if len(msgs) == 0 {
		return
	}
	p.mu.Lock()
	q := p.addLocked(subKey)
	p.mu.Unlock()

	select {
	case q.ch <- msgs:
	default:
		log.Warn().
			Str("sub_key", subKey).
			Int("len_messages", len(msgs)).
			Msg("Delivery queue full, dropping batch")
	}
}

// removeSubKey stops the delivery queue for a subscription.
func (p *pubsubTool) removeSubKey(subKey string) {
	p.mu.Lock()
	q, ok := p.queues[subKey]
	if ok {
		delete(p.queues, subKey)
	}
	p.mu.Unlock()

	if ok {
		close(q.done)
	}
}

// subKeys lists the subscriptions currently attached.
func (p *pubsubTool) subKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.queues))
	for key := range p.queues {
		keys = append(keys, key)
	}
	return keys
}

// removeAll stops every queue and waits for their goroutines to exit.
func (p *pubsubTool) removeAll() {
	p.mu.Lock()
	queues := p.queues
	p.queues = make(map[string]*subQueue)
	p.mu.Unlock()

	for _, q := range queues {
		close(q.done)
	}
	p.wg.Wait()
}
