package notify

import (
	"errors"
	"sync"
	"time"

	"fleetgate.org/internal/auth"
	"fleetgate.org/internal/obs"
)

const (
	defaultRingDepth  = 512
	defaultQueueDepth = 64
)

// ErrResync tells a client that incremental delivery cannot continue and a
// full re-fetch is required. The ring is not a durable log.
var ErrResync = errors.New("notify: resync required")

// Operation is what happened to the entity.
type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
)

// Entity kinds carried on the stream. Presence events announce client
// connects and disconnects and are visible to any authenticated subscriber.
const (
	KindMission  = "mission"
	KindDriver   = "driver"
	KindRoute    = "route"
	KindFinance  = "finance"
	KindPresence = "presence"
)

// kindPermissions maps entity kinds to the permission a subscriber needs to
// see them. Unknown kinds are visible to nobody.
var kindPermissions = map[string]auth.Permission{
	KindMission: auth.PermViewPlanning,
	KindRoute:   auth.PermViewPlanning,
	KindDriver:  auth.PermViewDrivers,
	KindFinance: auth.PermViewFinance,
}

// Event is one immutable change notification. Ordering is defined solely by
// Seq, which is strictly increasing and gap-free within a process lifetime.
type Event struct {
	Seq      uint64    `json:"seq"`
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id"`
	Op       Operation `json:"op"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
}

// Connection is one live client channel with a bounded outbound queue and
// the role snapshot taken at subscribe time. A role change takes effect only
// when the connection is re-established.
type Connection struct {
	id          int
	identity    string
	role        auth.Role
	systemAdmin bool

	ch     chan Event
	n      *Notifier
	closed bool
	resync bool
}

// Events is the outbound queue. It is closed when the connection is dropped
// or Close is called.
func (c *Connection) Events() <-chan Event { return c.ch }

// Identity returns the subscriber's identity.
func (c *Connection) Identity() string { return c.identity }

// ResyncRequired reports whether the connection was dropped because it could
// not keep up; the client must re-fetch instead of resuming incrementally.
func (c *Connection) ResyncRequired() bool {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.resync
}

// Close deregisters the connection and releases its queue immediately.
func (c *Connection) Close() {
	c.n.mu.Lock()
	c.n.dropLocked(c, false)
	c.n.mu.Unlock()
}

// Notifier assigns sequence numbers, retains a bounded ring of recent events
// for catch-up and fans events out to authorized connections. Publishing
// never blocks on a slow subscriber.
type Notifier struct {
	mu         sync.Mutex
	seq        uint64
	ring       []Event
	ringStart  int
	ringCount  int
	conns      map[int]*Connection
	nextConnID int
	queueDepth int
	now        func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithRingDepth bounds the catch-up ring.
func WithRingDepth(n int) Option {
	return func(nf *Notifier) {
		if n > 0 {
			nf.ring = make([]Event, n)
		}
	}
}

// WithQueueDepth bounds each connection's outbound queue.
func WithQueueDepth(n int) Option {
	return func(nf *Notifier) {
		if n > 0 {
			nf.queueDepth = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(nf *Notifier) {
		if fn != nil {
			nf.now = fn
		}
	}
}

// New constructs an empty notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		ring:       make([]Event, defaultRingDepth),
		conns:      make(map[int]*Connection),
		queueDepth: defaultQueueDepth,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// LastSeq returns the highest sequence number issued so far.
func (n *Notifier) LastSeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// Publish assigns the next sequence number, appends the event to the ring and
// enqueues it onto every authorized connection. A connection whose queue is
// full is dropped and marked resync-required rather than blocking the
// publisher or growing memory.
func (n *Notifier) Publish(kind, entityID string, op Operation, actor string) Event {
	n.mu.Lock()
	n.seq++
	evt := Event{
		Seq:      n.seq,
		Kind:     kind,
		EntityID: entityID,
		Op:       op,
		Actor:    actor,
		At:       n.now().UTC(),
	}
	n.appendLocked(evt)

	for _, c := range n.conns {
		if !viewPermitted(c.role, c.systemAdmin, kind) {
			continue
		}
		select {
		case c.ch <- evt:
		default:
			n.dropLocked(c, true)
		}
	}
	n.mu.Unlock()

	obs.EventsPublished.Inc()
	return evt
}

// Subscribe opens a connection for a principal with the given role snapshot.
// Events retained in the ring newer than lastKnown are queued immediately.
// ErrResync is returned when lastKnown is older than the oldest retained
// event, or when the backlog alone would overflow the queue.
func (n *Notifier) Subscribe(identity string, role auth.Role, systemAdmin bool, lastKnown uint64) (*Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if lastKnown > n.seq {
		return nil, ErrResync
	}
	if n.seq-lastKnown > uint64(n.ringCount) {
		return nil, ErrResync
	}

	var backlog []Event
	for i := 0; i < n.ringCount; i++ {
		evt := n.ring[(n.ringStart+i)%len(n.ring)]
		if evt.Seq <= lastKnown {
			continue
		}
		if viewPermitted(role, systemAdmin, evt.Kind) {
			backlog = append(backlog, evt)
		}
	}
	if len(backlog) > n.queueDepth {
		return nil, ErrResync
	}

	c := &Connection{
		id:          n.nextConnID,
		identity:    identity,
		role:        role,
		systemAdmin: systemAdmin,
		ch:          make(chan Event, n.queueDepth),
		n:           n,
	}
	n.nextConnID++
	for _, evt := range backlog {
		c.ch <- evt
	}
	n.conns[c.id] = c
	obs.ConnectionsLive.Set(float64(len(n.conns)))
	return c, nil
}

// appendLocked stores an event in the circular ring. Caller holds n.mu.
func (n *Notifier) appendLocked(evt Event) {
	if n.ringCount < len(n.ring) {
		n.ring[(n.ringStart+n.ringCount)%len(n.ring)] = evt
		n.ringCount++
		return
	}
	n.ring[n.ringStart] = evt
	n.ringStart = (n.ringStart + 1) % len(n.ring)
}

// dropLocked removes a connection and closes its queue. Caller holds n.mu.
func (n *Notifier) dropLocked(c *Connection, overflow bool) {
	if c.closed {
		return
	}
	c.closed = true
	c.resync = overflow
	delete(n.conns, c.id)
	close(c.ch)
	obs.ConnectionsLive.Set(float64(len(n.conns)))
	if overflow {
		obs.ConnectionsDropped.Inc()
	}
}

func viewPermitted(role auth.Role, systemAdmin bool, kind string) bool {
	if kind == KindPresence {
		return true
	}
	perm, ok := kindPermissions[kind]
	if !ok {
		return false
	}
	return systemAdmin || auth.Authorize(role, perm)
}
