package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nightdesk/syncd/internal/domain"
	"github.com/rs/zerolog"
)

// Fetcher loads the canonical entities for a query key from the server.
type Fetcher func(ctx context.Context) ([]domain.Entity, error)

// Query describes a read with a stale-time policy.
type Query struct {
	Key       string
	StaleTime time.Duration
	Fetch     Fetcher
}

// Queries wraps store reads with per-key staleness: a value younger than
// its stale time is served as-is; once stale, a read serves the cached
// value and refetches in the background through the server write path.
type Queries struct {
	log   zerolog.Logger
	store *Store
	now   func() time.Time

	mu        sync.Mutex
	lastFetch map[string]time.Time
	inFlight  map[string]*inflight
}

// inflight lets concurrent readers of a cold key share one fetch: the
// loser waits on done and returns the winner's error.
type inflight struct {
	done chan struct{}
	err  error
}

// NewQueries creates the staleness layer on top of a store.
func NewQueries(store *Store, log zerolog.Logger) *Queries {
	return &Queries{
		log:       log.With().Str("component", "queries").Logger(),
		store:     store,
		now:       time.Now,
		lastFetch: make(map[string]time.Time),
		inFlight:  make(map[string]*inflight),
	}
}

// Get returns the entries for the query key. A key that has never been
// fetched is loaded synchronously; a stale key is served from cache while
// a background refetch runs.
func (q *Queries) Get(ctx context.Context, query Query) ([]Entry, error) {
	q.mu.Lock()
	fetched, ok := q.lastFetch[query.Key]
	q.mu.Unlock()

	if !ok {
		if err := q.fetch(ctx, query); err != nil {
			return nil, err
		}
		return q.store.ReadKey(query.Key), nil
	}

	if q.now().Sub(fetched) >= query.StaleTime {
		// Serve stale, refresh behind the read. The refetch outlives the
		// caller so other consumers benefit from the result.
		go func() {
			if err := q.fetch(context.WithoutCancel(ctx), query); err != nil {
				q.log.Warn().Err(err).Str("key", query.Key).Msg("background refetch failed")
			}
		}()
	}

	return q.store.ReadKey(query.Key), nil
}

// Invalidate marks a key stale so the next read refetches.
func (q *Queries) Invalidate(key string) {
	q.mu.Lock()
	delete(q.lastFetch, key)
	q.mu.Unlock()
}

// fetch runs the fetcher once per key at a time and writes the results
// through the normal precedence path. A caller that finds a fetch already
// running waits for it and shares its outcome.
func (q *Queries) fetch(ctx context.Context, query Query) error {
	q.mu.Lock()
	if f, ok := q.inFlight[query.Key]; ok {
		q.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &inflight{done: make(chan struct{})}
	q.inFlight[query.Key] = f
	q.mu.Unlock()

	f.err = q.runFetch(ctx, query)

	q.mu.Lock()
	delete(q.inFlight, query.Key)
	q.mu.Unlock()
	close(f.done)

	return f.err
}

func (q *Queries) runFetch(ctx context.Context, query Query) error {
	entities, err := query.Fetch(ctx)
	if err != nil {
		return err
	}

	q.store.Batch(func() {
		for _, e := range entities {
			q.store.Write(e, SourceServer, e.Modified())
		}
	})

	q.mu.Lock()
	q.lastFetch[query.Key] = q.now()
	q.mu.Unlock()

	return nil
}
