package state

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

type EventType int

const (
	CHAIN_EVENT_CHAN_LENGTH = 16
)

const (
	EventUnknown EventType = iota
	// a new block extended the best chain
	EventTipAdvanced
	// a tracked transaction reached its first confirmation
	EventTxVerified
	// the scanner finished an initial catch-up pass
	EventSyncComplete
)

func (e EventType) String() string {
	return [...]string{"EventUnknown", "EventTipAdvanced", "EventTxVerified", "EventSyncComplete"}[e]
}

type EventBus struct {
	subscribers map[string][]chan interface{}
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan interface{}),
	}
}

func (eb *EventBus) Subscribe(eventType EventType, ch chan interface{}) {
	if ch == nil {
		panic("channel == nil")
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType.String()] = append(eb.subscribers[eventType.String()], ch)
}

// Publish delivers the event to every subscriber without blocking.
// Every event is a re-evaluation trigger carrying nothing a consumer
// cannot re-derive, so when a subscriber's channel is full the event is
// dropped for that subscriber; the subscriber itself stays registered
// and keeps receiving once it catches up. Subscriptions end only
// through Unsubscribe.
func (eb *EventBus) Publish(eventType EventType, data interface{}) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subscribers, ok := eb.subscribers[eventType.String()]
	if !ok {
		return
	}
	for _, ch := range subscribers {
		select {
		case ch <- data:
			// Success
		default:
			log.Debugf("Subscriber busy, dropping %s event", eventType)
		}
	}
}

func (eb *EventBus) Unsubscribe(eventType EventType, ch chan interface{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subscribers, ok := eb.subscribers[eventType.String()]
	if !ok {
		return
	}

	for i, subscriber := range subscribers {
		if subscriber == ch {
			if i == len(subscribers)-1 {
				eb.subscribers[eventType.String()] = subscribers[:i]
			} else {
				eb.subscribers[eventType.String()] = append(subscribers[:i], subscribers[i+1:]...)
			}
			break
		}
	}
	if len(eb.subscribers[eventType.String()]) == 0 {
		delete(eb.subscribers, eventType.String())
	}
}
