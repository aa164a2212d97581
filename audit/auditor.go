package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRetryBackoff = 10 * time.Millisecond
	maxRetryBackoff     = 500 * time.Millisecond
)

// Auditor captures lifecycle events of registered entity types and answers
// history queries. It is safe for concurrent use.
type Auditor struct {
	*Registry

	logger  *slog.Logger
	sinks   []Sink
	now     func() time.Time
	tracer  trace.Tracer
	backoff time.Duration

	// store overrides every model's store when set (see WithStore).
	store Store
	bound *boundStores
}

// boundStores holds the decorators bound to one WithStore override, shared by
// copies of the Auditor so Committed reaches all of them.
type boundStores struct {
	mu sync.Mutex
	m  map[TxBinder]TxStore
}

func (b *boundStores) get(binder TxBinder, tx Store) TxStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.m[binder]
	if !ok {
		s = binder.BindTx(tx)
		b.m[binder] = s
	}
	return s
}

type AuditorOption func(*Auditor)

func WithLogger(l *slog.Logger) AuditorOption {
	return func(a *Auditor) { a.logger = l }
}

// WithSink adds sinks notified after each persisted record.
func WithSink(s ...Sink) AuditorOption {
	return func(a *Auditor) { a.sinks = append(a.sinks, s...) }
}

func WithClock(now func() time.Time) AuditorOption {
	return func(a *Auditor) { a.now = now }
}

// WithRetryBackoff sets the first wait after a sequence conflict. It doubles per attempt.
func WithRetryBackoff(d time.Duration) AuditorOption {
	return func(a *Auditor) { a.backoff = d }
}

// New builds an Auditor whose configured record type is backed by store.
func New(cfg Config, store Store, opts ...AuditorOption) (*Auditor, error) {
	reg := NewRegistry(cfg)
	if err := reg.RegisterRecordType(cfg.RecordType, store); err != nil {
		return nil, err
	}
	return NewWithRegistry(reg, opts...), nil
}

// NewWithRegistry builds an Auditor over an existing registry.
func NewWithRegistry(reg *Registry, opts ...AuditorOption) *Auditor {
	a := &Auditor{
		Registry: reg,
		logger:   slog.Default(),
		now:      time.Now,
		tracer:   otel.Tracer("helix-auditer/audit"),
		backoff:  defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// WithStore returns a copy that writes and reads through s, typically a store
// bound to the caller's transaction. Registry and sinks are shared. Model
// stores implementing TxBinder are bound to s instead of being bypassed;
// call Committed once the transaction commits.
func (a *Auditor) WithStore(s Store) *Auditor {
	cp := *a
	cp.store = s
	cp.bound = &boundStores{m: make(map[TxBinder]TxStore)}
	return &cp
}

// Committed tells stores bound by WithStore that the transaction behind it
// committed. It is a no-op on an Auditor without a store override.
func (a *Auditor) Committed(ctx context.Context) {
	if a.bound == nil {
		return
	}
	a.bound.mu.Lock()
	stores := make([]TxStore, 0, len(a.bound.m))
	for _, s := range a.bound.m {
		stores = append(stores, s)
	}
	a.bound.mu.Unlock()

	for _, s := range stores {
		s.Committed(ctx)
	}
}

func (a *Auditor) storeFor(m *Model) Store {
	if a.store == nil {
		return m.store
	}
	if binder, ok := m.store.(TxBinder); ok && a.bound != nil {
		return a.bound.get(binder, a.store)
	}
	return a.store
}

// Capture records one lifecycle event of entity. It returns the persisted
// record, or nil when auditing is disabled or nothing tracked changed.
func (a *Auditor) Capture(ctx context.Context, associatedType string, ev Event, entity Entity) (*Record, error) {
	if !a.Enabled() {
		capturesSkipped.WithLabelValues(associatedType, "disabled").Inc()
		return nil, nil
	}
	if !ev.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, ev)
	}
	m, err := a.Model(associatedType)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		captureDuration.WithLabelValues(associatedType).Observe(time.Since(start).Seconds())
	}()

	ctx, span := a.tracer.Start(ctx, "audit.capture",
		trace.WithAttributes(
			attribute.String("audit.associated_type", associatedType),
			attribute.Int64("audit.associated_id", entity.AuditID()),
			attribute.String("audit.event", string(ev)),
		),
	)
	defer span.End()

	rec, err := a.build(ctx, m, ev, entity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if rec == nil {
		capturesSkipped.WithLabelValues(associatedType, "no_changes").Inc()
		a.logger.DebugContext(ctx, "audit capture skipped: no tracked changes",
			"associated_type", associatedType,
			"associated_id", entity.AuditID(),
			"event", ev,
		)
		return nil, nil
	}

	if err := a.write(ctx, a.storeFor(m), rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("audit.version", rec.Version))
	recordsWritten.WithLabelValues(associatedType, string(ev)).Inc()

	a.publish(ctx, *rec)
	return rec, nil
}

func (a *Auditor) build(ctx context.Context, m *Model, ev Event, entity Entity) (*Record, error) {
	changed, err := m.extract(ev, entity)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	modifier, err := resolveRef(ctx, m.userAccessor, entity)
	if err != nil {
		return nil, err
	}
	owner, err := resolveRef(ctx, m.ownerAccessor, entity)
	if err != nil {
		return nil, err
	}
	info, err := resolveInfo(ctx, m.additionalInfoAccessor, entity)
	if err != nil {
		return nil, err
	}

	return &Record{
		AssociatedType: m.name,
		AssociatedID:   entity.AuditID(),
		Event:          ev,
		Changed:        changed,
		Modifier:       modifier,
		ResourceOwner:  owner,
		AdditionalInfo: info,
		CreatedAt:      a.now().UTC().Truncate(time.Microsecond),
	}, nil
}

// write appends rec, re-running the append after a lost version race.
func (a *Auditor) write(ctx context.Context, store Store, rec *Record) error {
	maxRetries := a.Config().MaxRetries
	backoff := a.backoff

	for attempt := 0; ; attempt++ {
		rec.ID, rec.Version = 0, 0
		err := store.Append(ctx, rec)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		sequenceConflicts.WithLabelValues(rec.AssociatedType).Inc()
		if attempt >= maxRetries {
			return fmt.Errorf("audit: giving up on %s after %d attempts: %w", rec.Scope(), attempt+1, err)
		}

		a.logger.WarnContext(ctx, "audit version conflict, retrying",
			"scope", rec.Scope(),
			"attempt", attempt+1,
			"next_retry_in", backoff,
		)

		select {
		case <-ctx.Done():
			return &PersistenceError{Op: "append", Scope: rec.Scope(), Err: ctx.Err()}
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}
	}
}

// publish notifies sinks. The record is already persisted, so failures are only logged.
func (a *Auditor) publish(ctx context.Context, rec Record) {
	for _, s := range a.sinks {
		if err := s.Publish(ctx, rec); err != nil {
			a.logger.ErrorContext(ctx, "audit sink publish failed",
				"scope", rec.Scope(),
				"version", rec.Version,
				"error", err,
			)
		}
	}
}
