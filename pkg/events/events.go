package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/zvol/pkg/log"
	"github.com/google/uuid"
)

// EventType names a device-visible change
type EventType string

const (
	EventVolumeCreated EventType = "volume.created"
	EventVolumeRemoved EventType = "volume.removed"
	EventVolumeRenamed EventType = "volume.renamed"
	EventVolumeResized EventType = "volume.resized"
	EventVolumeAttrib  EventType = "volume.attrib"
	EventVolumeGone    EventType = "volume.gone"
)

const (
	queueSize      = 256
	subscriberSize = 64
)

// Event is a device-visible change on a volume
type Event struct {
	ID        string
	Type      EventType
	Volume    string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives events until it is unsubscribed
type Subscriber chan *Event

// Broker fans events out to subscribers
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber][]EventType // nil filter takes everything

	eventCh  chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewBroker creates a broker; call Start to begin delivery
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]EventType),
		eventCh:     make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins delivering queued events
func (b *Broker) Start() {
	go b.run()
}

// Stop ends delivery. Queued events are discarded.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberSize)
	b.subscribers[sub] = types
	return sub
}

// Unsubscribe removes and closes sub
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers. It never blocks: volume
// code publishes while holding locks, so a full queue drops the event.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		b.dropped.Add(1)
		log.Logger.Warn().
			Str("type", string(event.Type)).
			Str("volume", event.Volume).
			Msg("event queue full, dropping event")
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != nil && !slices.Contains(filter, event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were lost to full queues
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
