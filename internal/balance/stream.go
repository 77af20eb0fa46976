// Package balance fans tenant balance updates out to live observers.
// Delivery is at-most-once with no replay: a reconnecting observer is
// expected to re-query the balance it missed. Events cross containers
// over a Redis channel per tenant.
package balance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicelane/voicelane/pkg/logging"
)

const (
	channelPrefix = "balance."

	// subscriberBuffer bounds each observer's queue. A slow reader
	// loses its oldest events rather than stalling the publisher.
	subscriberBuffer = 16
)

// Event is one balance change.
type Event struct {
	TenantID  string    `json:"tenant_id"`
	Balance   int64     `json:"balance"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`

	// Origin is the publishing container; the Redis relay uses it to
	// drop its own echoes.
	Origin string `json:"origin,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Stream is the per-process hub plus the cross-container Redis bridge.
// A nil Redis client degrades to process-local fan-out.
type Stream struct {
	redis       *redis.Client
	containerID string
	logger      *logging.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewStream(rdb *redis.Client, containerID string, logger *logging.Logger) *Stream {
	if logger == nil {
		logger = logging.Default()
	}
	return &Stream{
		redis:       rdb,
		containerID: containerID,
		logger:      logger,
		subs:        make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe registers an observer for one tenant. The returned cancel
// must be called; it unregisters and closes the channel.
func (s *Stream) Subscribe(tenantID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	s.mu.Lock()
	set, ok := s.subs[tenantID]
	if !ok {
		set = make(map[*subscriber]struct{})
		s.subs[tenantID] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if set, ok := s.subs[tenantID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(s.subs, tenantID)
				}
			}
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to local observers and relays it through
// Redis for observers attached to other containers. Never blocks and
// never fails; billing must not stall on a slow dashboard.
func (s *Stream) Publish(ctx context.Context, tenantID string, bal int64, reason string) {
	ev := Event{
		TenantID:  tenantID,
		Balance:   bal,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		Origin:    s.containerID,
	}
	s.deliverLocal(ev)

	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.redis.Publish(ctx, channelPrefix+tenantID, payload).Err(); err != nil {
		s.logger.Warn("balance: redis publish failed", "tenant_id", tenantID, "error", err)
	}
}

func (s *Stream) deliverLocal(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs[ev.TenantID] {
		for {
			select {
			case sub.ch <- ev:
			default:
				// Full buffer: shed the oldest event and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Run relays peer containers' events into the local hub. Blocks until
// ctx is cancelled; a no-op without Redis.
func (s *Stream) Run(ctx context.Context) error {
	if s.redis == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	pubsub := s.redis.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("balance: malformed relay payload", "channel", msg.Channel, "error", err)
				continue
			}
			if ev.Origin == s.containerID {
				continue
			}
			if ev.TenantID == "" {
				ev.TenantID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			s.deliverLocal(ev)
		}
	}
}
