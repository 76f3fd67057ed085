// Package mutate centralizes the optimistic apply/confirm/rollback
// protocol so its ordering rules are enforced in one place instead of per
// call site.
package mutate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightdesk/syncd/internal/cache"
	"github.com/nightdesk/syncd/internal/domain"
)

// RejectedError reports a mutation the server refused. Recoverable: the
// optimistic change has been rolled back and the caller should show a
// transient notice, not retry automatically.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mutation rejected: %s", e.Reason)
}

// Status of a pending mutation.
type Status string

const (
	StatusInFlight   Status = "in-flight"
	StatusConfirmed  Status = "confirmed"
	StatusRolledBack Status = "rolled-back"
)

// pending is the rollback bookkeeping for one optimistic write. Owned
// exclusively by the coordinator; created on apply, released on settle.
type pending struct {
	id        string
	entityID  string
	rollback  *cache.Entry // nil when the mutation created the entity
	appliedAt time.Time
	status    Status
	seq       uint64
}

// Updater computes the optimistic value from the current snapshot. The
// snapshot is nil when the mutation creates the entity.
type Updater func(current domain.Entity) domain.Entity

// Call performs the REST request and returns the canonical entity carrying
// the server timestamp. The mutation id is passed through so the server
// can correlate push-side errors.
type Call func(ctx context.Context, mutationID string) (domain.Entity, error)

// Coordinator applies mutations optimistically and reconciles them against
// server confirmation or failure. Pending mutations per entity form a FIFO
// queue; a rollback is skipped when a later mutation on the same entity
// already confirmed, so the cache never regresses past a known-good state.
type Coordinator struct {
	log   zerolog.Logger
	store *cache.Store
	now   func() time.Time

	mu            sync.Mutex
	nextSeq       uint64
	queues        map[string][]*pending
	lastConfirmed map[string]uint64
	byID          map[string]*pending
}

// NewCoordinator creates a coordinator writing through the given store.
func NewCoordinator(store *cache.Store, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		log:           log.With().Str("component", "mutate").Logger(),
		store:         store,
		now:           time.Now,
		queues:        make(map[string][]*pending),
		lastConfirmed: make(map[string]uint64),
		byID:          make(map[string]*pending),
	}
}

// Mutate applies the optimistic value immediately, issues the REST call,
// and settles the result. It returns the canonical entity on success. On
// failure the optimistic change is rolled back (subject to the ordering
// rules) and the error is surfaced exactly once, here. The REST call is
// detached from the caller's cancellation: an unmounting consumer must
// not abort a request whose result other consumers can still use.
func (c *Coordinator) Mutate(ctx context.Context, entityID string, update Updater, call Call) (domain.Entity, error) {
	var current domain.Entity
	var rollback *cache.Entry
	if snapshot, ok := c.store.Read(entityID); ok {
		current = snapshot.Entity
		rollback = &snapshot
	}

	next := update(current)
	p := c.register(entityID, rollback)

	c.store.Write(next, cache.SourceOptimistic, p.appliedAt)

	canonical, err := call(context.WithoutCancel(ctx), p.id)
	if err != nil {
		c.rollbackPending(p)
		return nil, err
	}

	c.confirmPending(p, canonical)
	return canonical, nil
}

// Fail rolls back the mutation with the given id, used when the server
// signals rejection through a push event instead of the REST response.
// Unknown or already-settled ids are no-ops, so a push error and a REST
// error for the same mutation produce a single rollback.
func (c *Coordinator) Fail(mutationID, reason string) {
	c.mu.Lock()
	p, ok := c.byID[mutationID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.log.Debug().Str("mutation", mutationID).Str("reason", reason).Msg("mutation failed via push")
	c.rollbackPending(p)
}

// PendingCount returns the number of unresolved mutations.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// register creates the pending entry at the tail of the entity's queue.
func (c *Coordinator) register(entityID string, rollback *cache.Entry) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	p := &pending{
		id:        uuid.NewString(),
		entityID:  entityID,
		rollback:  rollback,
		appliedAt: c.now(),
		status:    StatusInFlight,
		seq:       c.nextSeq,
	}
	c.queues[entityID] = append(c.queues[entityID], p)
	c.byID[p.id] = p
	return p
}

// confirmPending reconciles the canonical server value. A created entity
// comes back under its server id; the optimistic placeholder is evicted in
// the same batch so no artifact remains.
func (c *Coordinator) confirmPending(p *pending, canonical domain.Entity) {
	c.mu.Lock()
	if p.status != StatusInFlight {
		c.mu.Unlock()
		return
	}
	p.status = StatusConfirmed
	if p.seq > c.lastConfirmed[p.entityID] {
		c.lastConfirmed[p.entityID] = p.seq
	}
	c.releaseLocked(p)
	c.mu.Unlock()

	if canonical.EntityID() != p.entityID {
		c.store.Batch(func() {
			c.store.Evict(p.entityID)
			c.store.Reconcile(canonical, canonical.Modified())
		})
		return
	}
	c.store.Reconcile(canonical, canonical.Modified())
}

// rollbackPending reverts the optimistic write, unless a later mutation on
// the same entity already confirmed (last-confirmed-wins) or a newer
// server/push write owns the entry.
func (c *Coordinator) rollbackPending(p *pending) {
	c.mu.Lock()
	if p.status != StatusInFlight {
		c.mu.Unlock()
		return
	}
	p.status = StatusRolledBack
	skip := c.lastConfirmed[p.entityID] > p.seq
	c.releaseLocked(p)
	c.mu.Unlock()

	if skip {
		c.log.Debug().Str("entity", p.entityID).Msg("rollback skipped, later mutation confirmed")
		return
	}
	c.store.Revert(p.entityID, p.rollback)
}

// releaseLocked removes the settled mutation from the bookkeeping. Caller
// holds mu.
func (c *Coordinator) releaseLocked(p *pending) {
	queue := c.queues[p.entityID]
	for i, q := range queue {
		if q == p {
			c.queues[p.entityID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(c.queues[p.entityID]) == 0 {
		delete(c.queues, p.entityID)
		delete(c.lastConfirmed, p.entityID)
	}
	delete(c.byID, p.id)
}
