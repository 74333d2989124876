package nomad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/astromechza/nomad-sync/pkg/ids"
	"github.com/astromechza/nomad-sync/pkg/keylock"
	"github.com/astromechza/nomad-sync/pkg/kvstore"
)

type Options struct {
	// Clock defaults to time.Now.
	Clock func() time.Time
	// LockStripes bounds the number of per-key mutexes.
	LockStripes int
	// Registerer receives the engine metrics. Nil skips registration.
	Registerer prometheus.Registerer
}

// Engine reconciles batches of client versions against a Store. It is
// safe for concurrent use: work on one key is serialized, distinct keys
// proceed in parallel, and Reset excludes everything else.
type Engine struct {
	store   kvstore.Store
	locks   *keylock.Striped
	clock   func() time.Time
	metrics *metrics
}

func New(store kvstore.Store, opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:   store,
		locks:   keylock.New(opts.LockStripes),
		clock:   opts.Clock,
		metrics: m,
	}, nil
}

func (e *Engine) now() uint64 {
	return millis(e.clock())
}

// Reconcile walks every key of req independently. Failures are reported
// per key in the reply; the returned error is only set when the whole
// batch was abandoned, for example because ctx ended.
func (e *Engine) Reconcile(ctx context.Context, caller ids.ID, req Request) (Reply, error) {
	reply := NewReply()
	keys := make([]string, 0, len(req.NomadVersions))
	for k := range req.NomadVersions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ambiguous := ambiguousKeys(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return reply, err
		}
		var (
			outcome Outcome
			pull    *Record
			err     error
		)
		if ambiguous[k] {
			outcome, err = OutcomeInvalid, fmt.Errorf("%w: %s", ErrDuplicateKey, k)
		} else {
			outcome, pull, err = e.reconcileKey(ctx, caller, k, req.NomadVersions[k])
		}
		e.metrics.outcomes.WithLabelValues(string(outcome)).Inc()
		if err != nil {
			if outcome == OutcomeFailed {
				slog.Error("failed to reconcile nomad", "id", k, "err", err)
			} else {
				slog.Debug("rejected nomad input", "id", k, "err", err)
			}
			reply.fail(k, err)
			continue
		}
		if pull != nil {
			reply.NomadData[k] = FromRecord(*pull)
		}
	}
	return reply, nil
}

// ambiguousKeys marks keys that spell the same identifier differently, such
// as upper and lower case hex. Which of them the caller meant is unknowable,
// so none is reconciled.
func ambiguousKeys(keys []string) map[string]bool {
	spellings := make(map[ids.ID][]string, len(keys))
	for _, k := range keys {
		if id, err := ids.Parse(k); err == nil {
			spellings[id] = append(spellings[id], k)
		}
	}
	out := map[string]bool{}
	for _, ks := range spellings {
		if len(ks) > 1 {
			for _, k := range ks {
				out[k] = true
			}
		}
	}
	return out
}

// reconcileKey returns the stored record when the caller has to pull it.
func (e *Engine) reconcileKey(ctx context.Context, caller ids.ID, key string, claimed WireRecord) (Outcome, *Record, error) {
	id, err := ids.Parse(key)
	if err != nil {
		return OutcomeInvalid, nil, err
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	stored, err := e.load(ctx, id)
	if err != nil {
		return OutcomeFailed, nil, err
	}

	if stored == nil {
		// A version 0 without data is a pull for a nomad we do not know.
		if claimed.Version == 0 && !claimed.writable() {
			return OutcomeUnknown, nil, nil
		}
		return e.accept(ctx, id, nil, claimed, OutcomeCreated)
	}

	switch {
	case claimed.Version == 0 || stored.Version > claimed.Version:
		return OutcomePulled, stored, nil
	case claimed.Version > stored.Version:
		if !stored.OwnedBy(caller) {
			return OutcomeRejected, stored, nil
		}
		return e.accept(ctx, id, stored, claimed, OutcomeAccepted)
	default:
		return OutcomeUnchanged, nil, nil
	}
}

func (e *Engine) accept(ctx context.Context, id ids.ID, stored *Record, claimed WireRecord, outcome Outcome) (Outcome, *Record, error) {
	incoming, err := claimed.Record()
	if err != nil {
		return OutcomeInvalid, nil, err
	}
	if err := e.persist(ctx, id, touchWrite(stored, incoming, e.now())); err != nil {
		return OutcomeFailed, nil, err
	}
	return outcome, nil, nil
}

// load returns the current-generation record for id, or nil when there is
// none. Finding a record refreshes its read stamp and writes it back,
// which also completes any pending migration.
func (e *Engine) load(ctx context.Context, id ids.ID) (*Record, error) {
	raw, err := e.store.Get(ctx, id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}

	now := e.now()
	r, migrated, err := decodeRecord(raw, now)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", id, err)
	}
	if migrated {
		e.metrics.migrations.Inc()
		slog.Info("migrated legacy nomad", "id", id, "version", r.Version)
	}

	r = touchRead(r, now)
	if err := e.persist(ctx, id, r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Engine) persist(ctx context.Context, id ids.ID, r Record) error {
	raw, err := encodeRecord(r)
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, id, raw); err != nil {
		return fmt.Errorf("failed to store %s: %w", id, err)
	}
	return nil
}

// Get force-pulls a single nomad. The boolean is false when id is unknown.
func (e *Engine) Get(ctx context.Context, id ids.ID) (Record, bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.load(ctx, id)
	if err != nil || r == nil {
		return Record{}, false, err
	}
	return *r, true, nil
}

// Reset removes every stored nomad. It waits for in-flight keys to finish
// and holds new ones back until the store is empty.
func (e *Engine) Reset(ctx context.Context) error {
	unlock := e.locks.Exclusive()
	defer unlock()

	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to reset: %w", err)
	}
	e.metrics.resets.Inc()
	slog.Warn("cleared all nomads")
	return nil
}
