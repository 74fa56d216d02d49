/*Package notify delivers change notifications to subscribers.

The broadcaster keeps per-connection subscription sets and pushes one
message per committed change event to each interested connection. The
Kafka sink forwards the same events to a topic for out-of-process
consumers.
*/
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/access"
	"github.com/relabs-tech/restio/core/engine"
	"github.com/relabs-tech/restio/core/logger"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

// Sender pushes an encoded message to one client connection.
type Sender interface {
	Send(ctx context.Context, message []byte) error
}

// Subscription is one registered interest of a connection.
type Subscription struct {
	ID        string            `json:"subscriptionId"`
	Resource  string            `json:"resource"`
	Filters   map[string]any    `json:"filters,omitempty"`
	Include   []string          `json:"include,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"-"`

	// Auth is the subscriber's auth context; owned resources only notify
	// subscribers that would see the record on a collection read.
	Auth *access.AuthContext `json:"-"`
}

// Message is a server-to-client message on the subscription channel.
type Message struct {
	Type           string         `json:"type"`
	Resource       string         `json:"resource,omitempty"`
	ID             string         `json:"id,omitempty"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
	DeletedRecord  map[string]any `json:"deletedRecord,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ClientMessage is a client-to-server message on the subscription
// channel.
type ClientMessage struct {
	Type string `json:"type"` // subscribe, unsubscribe, restore-subscriptions

	// Subscription fields apply to subscribe and unsubscribe.
	Subscription

	// Subscriptions carries the batch for restore-subscriptions.
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
}

type connection struct {
	id     string
	sender Sender
	queue  chan []byte
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*Subscription
}

// Broadcaster maintains the subscription registry and fans out change
// events. It implements engine.EventSink.
type Broadcaster struct {
	registry *schema.Registry

	// MaxSubscriptions caps subscriptions per connection; defaults to 32.
	MaxSubscriptions int
	// SendTimeout bounds a single send to a slow client; a timed-out
	// message is dropped, the subscription stays. Defaults to 5s.
	SendTimeout time.Duration
	// QueueSize is the per-connection outbound buffer; defaults to 64.
	QueueSize int

	mu         sync.RWMutex
	conns      map[string]*connection
	byResource map[string]map[string]*connection
}

// NewBroadcaster creates a broadcaster over the registry.
func NewBroadcaster(registry *schema.Registry) *Broadcaster {
	return &Broadcaster{
		registry:   registry,
		conns:      map[string]*connection{},
		byResource: map[string]map[string]*connection{},
	}
}

func (b *Broadcaster) maxSubscriptions() int {
	if b.MaxSubscriptions == 0 {
		return 32
	}
	return b.MaxSubscriptions
}

func (b *Broadcaster) sendTimeout() time.Duration {
	if b.SendTimeout == 0 {
		return 5 * time.Second
	}
	return b.SendTimeout
}

func (b *Broadcaster) queueSize() int {
	if b.QueueSize == 0 {
		return 64
	}
	return b.QueueSize
}

// Connect registers a connection and starts its outbound pump. The pump
// preserves per-connection message order; it stops when the context is
// cancelled or the connection is disconnected.
func (b *Broadcaster) Connect(ctx context.Context, id string, sender Sender) {
	pumpCtx, cancel := context.WithCancel(ctx)
	conn := &connection{
		id:     id,
		sender: sender,
		queue:  make(chan []byte, b.queueSize()),
		cancel: cancel,
	}
	b.mu.Lock()
	b.conns[id] = conn
	b.mu.Unlock()

	go b.pump(pumpCtx, conn)
}

func (b *Broadcaster) pump(ctx context.Context, conn *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-conn.queue:
			if !ok {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout())
			err := conn.sender.Send(sendCtx, message)
			cancel()
			if err != nil {
				logger.FromContext(ctx).WithError(err).
					Warningln("dropped notification for connection", conn.id)
			}
		}
	}
}

// Disconnect removes the connection and all its subscriptions.
func (b *Broadcaster) Disconnect(id string) {
	b.mu.Lock()
	conn, ok := b.conns[id]
	if ok {
		delete(b.conns, id)
		for resource, conns := range b.byResource {
			delete(conns, id)
			if len(conns) == 0 {
				delete(b.byResource, resource)
			}
		}
	}
	b.mu.Unlock()
	if ok {
		conn.cancel()
	}
}

// Subscribe registers a subscription for the connection. Subscribing
// twice with the same subscription id replaces the prior subscription, so
// restore-after-reconnect is just a batch subscribe.
func (b *Broadcaster) Subscribe(ctx context.Context, connID string, sub Subscription) (*Subscription, error) {
	def, ok := b.registry.Resource(sub.Resource)
	if !ok {
		return nil, core.NotFound(sub.Resource, "")
	}
	if err := b.validateFilters(def, sub.Filters); err != nil {
		return nil, err
	}

	b.mu.Lock()
	conn, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return nil, core.NotFound("connection", connID)
	}
	if b.byResource[sub.Resource] == nil {
		b.byResource[sub.Resource] = map[string]*connection{}
	}
	b.byResource[sub.Resource][connID] = conn
	b.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i, existing := range conn.subs {
		if existing.ID == sub.ID {
			conn.subs[i] = &sub
			return &sub, nil
		}
	}
	if len(conn.subs) >= b.maxSubscriptions() {
		return nil, core.Validation(core.Violation{
			Field:   "subscriptionId",
			Rule:    "max_subscriptions",
			Message: fmt.Sprintf("connection exceeds %d subscriptions", b.maxSubscriptions()),
		})
	}
	conn.subs = append(conn.subs, &sub)
	return &sub, nil
}

// validateFilters checks the filter keys against the resource's search
// schema. A filter backed by custom SQL needs an in-memory predicate,
// otherwise it cannot match changed records in real time.
func (b *Broadcaster) validateFilters(def *schema.ResourceDefinition, filters map[string]any) error {
	var violations []core.Violation
	for name := range filters {
		spec, ok := def.Search.Filterable[name]
		if !ok {
			violations = append(violations, core.Violation{
				Field:   name,
				Rule:    "filterable",
				Message: fmt.Sprintf("field %q is not filterable", name),
			})
			continue
		}
		if spec.SQL != "" && spec.FilterRecord == nil {
			violations = append(violations, core.Violation{
				Field:   name,
				Rule:    "filter_record",
				Message: fmt.Sprintf("filter %q has no in-memory predicate", name),
			})
		}
	}
	if len(violations) > 0 {
		return core.Validation(violations...)
	}
	return nil
}

// Unsubscribe removes one subscription; it reports whether the id was
// known.
func (b *Broadcaster) Unsubscribe(connID, subID string) bool {
	b.mu.RLock()
	conn, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i, sub := range conn.subs {
		if sub.ID == subID {
			conn.subs = append(conn.subs[:i], conn.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Restore re-registers a batch of subscriptions after a reconnect.
func (b *Broadcaster) Restore(ctx context.Context, connID string, subs []Subscription) []error {
	var errs []error
	for _, sub := range subs {
		if _, err := b.Subscribe(ctx, connID, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Subscriptions returns the connection's subscriptions in creation order.
func (b *Broadcaster) Subscriptions(connID string) []Subscription {
	b.mu.RLock()
	conn, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	out := make([]Subscription, len(conn.subs))
	for i, sub := range conn.subs {
		out[i] = *sub
	}
	return out
}

var pastTense = map[core.Operation]string{
	core.OperationPost:   "posted",
	core.OperationPut:    "put",
	core.OperationPatch:  "patched",
	core.OperationDelete: "deleted",
}

// Emit implements engine.EventSink: for each connection with a matching
// subscription on the event's resource, the first matching subscription
// yields a single notification. A connection receives at most one
// notification per event.
func (b *Broadcaster) Emit(ctx context.Context, event engine.Event) {
	def, ok := b.registry.Resource(event.Resource)
	if !ok {
		return
	}

	b.mu.RLock()
	conns := make([]*connection, 0, len(b.byResource[event.Resource]))
	for _, conn := range b.byResource[event.Resource] {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		conn.mu.Lock()
		var matched *Subscription
		for _, sub := range conn.subs {
			if sub.Resource != event.Resource {
				continue
			}
			if b.matches(def, sub, event.Record) {
				matched = sub
				break
			}
		}
		conn.mu.Unlock()
		if matched == nil {
			continue
		}

		message := Message{
			Type:           "resource." + pastTense[event.Operation],
			Resource:       event.Resource,
			ID:             event.ID,
			SubscriptionID: matched.ID,
			Meta:           map[string]any{"timestamp": event.Timestamp.Format(time.RFC3339Nano)},
		}
		if event.Operation == core.OperationDelete {
			message.DeletedRecord = map[string]any{"id": event.ID}
		}
		encoded, err := json.Marshal(message)
		if err != nil {
			continue
		}
		select {
		case conn.queue <- encoded:
		default:
			// slow client, queue full: drop rather than block the emitter
			logger.FromContext(ctx).Warningln("notification queue full for connection", conn.id)
		}
	}
}

// matches evaluates a subscription's filter set against a record using
// the search-schema operators, the same semantics the storage query uses.
// For owned resources the subscriber must own the record, exactly as on a
// collection read.
func (b *Broadcaster) matches(def *schema.ResourceDefinition, sub *Subscription, record core.Record) bool {
	if record == nil {
		return len(sub.Filters) == 0
	}
	if def.Owned() && sub.Auth != nil && !sub.Auth.Admin() && !access.Owns(def, sub.Auth, record) {
		return false
	}
	for name, value := range sub.Filters {
		spec := def.Search.Filterable[name]
		if spec.FilterRecord != nil {
			if !spec.FilterRecord(record, value) {
				return false
			}
			continue
		}
		field := name
		if spec.Relationship {
			if rel, ok := def.Relationship(name); ok {
				switch rel.Kind {
				case schema.BelongsTo:
					field = rel.ForeignKey
				case schema.PolymorphicBelongsTo:
					field = rel.IDField
				}
			}
		}
		op := spec.Operator
		if op == "" {
			op = schema.OpEqual
		}
		if !storage.Matches(record, storage.Clause{Field: field, Op: op, Value: value}) {
			return false
		}
	}
	return true
}
