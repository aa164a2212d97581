package audit

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Field names a global default in the Registry.
type Field string

const (
	FieldCurrentUserAccessor    Field = "current_user_accessor"
	FieldAdditionalInfoAccessor Field = "additional_info_accessor"
	FieldResourceOwnerAccessor  Field = "resource_owner_accessor"
	FieldRecordType             Field = "audit_record_type_name"
	FieldEnabled                Field = "enabled"
	FieldDefaultIgnoredColumns  Field = "default_ignored_columns"
	FieldMaxRetries             Field = "max_retries"
)

// Registry holds the global defaults, the known audit record types and the
// registered entity types. Defaults are snapshotted into each Model at
// registration; only Enabled is read live.
type Registry struct {
	mu          sync.RWMutex
	cfg         Config
	enabled     atomic.Bool
	recordTypes map[string]Store
	models      map[string]*Model
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		cfg:         cfg.clone(),
		recordTypes: map[string]Store{},
		models:      map[string]*Model{},
	}
	r.enabled.Store(cfg.Enabled)
	return r
}

// Config returns a copy of the current defaults.
func (r *Registry) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := r.cfg.clone()
	cfg.Enabled = r.enabled.Load()
	return cfg
}

func (r *Registry) Enabled() bool { return r.enabled.Load() }

func (r *Registry) SetEnabled(v bool) { r.enabled.Store(v) }

// SetDefault changes one global default. Already registered types keep their snapshot.
func (r *Registry) SetDefault(field Field, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch field {
	case FieldCurrentUserAccessor, FieldAdditionalInfoAccessor, FieldResourceOwnerAccessor, FieldRecordType:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants a string, got %T", ErrInvalidDefault, field, value)
		}
		if s == "" && (field == FieldCurrentUserAccessor || field == FieldRecordType) {
			return fmt.Errorf("%w: %s cannot be empty", ErrInvalidDefault, field)
		}
		switch field {
		case FieldCurrentUserAccessor:
			r.cfg.CurrentUserAccessor = s
		case FieldAdditionalInfoAccessor:
			r.cfg.AdditionalInfoAccessor = s
		case FieldResourceOwnerAccessor:
			r.cfg.ResourceOwnerAccessor = s
		case FieldRecordType:
			r.cfg.RecordType = s
		}
	case FieldEnabled:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants a bool, got %T", ErrInvalidDefault, field, value)
		}
		r.enabled.Store(b)
	case FieldDefaultIgnoredColumns:
		cols, ok := value.([]string)
		if !ok {
			return fmt.Errorf("%w: %s wants []string, got %T", ErrInvalidDefault, field, value)
		}
		r.cfg.DefaultIgnoredColumns = slices.Clone(cols)
	case FieldMaxRetries:
		n, ok := value.(int)
		if !ok || n < 0 {
			return fmt.Errorf("%w: %s wants a non-negative int, got %v", ErrInvalidDefault, field, value)
		}
		r.cfg.MaxRetries = n
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidDefault, field)
	}
	return nil
}

// GetDefault returns the current value of one global default.
func (r *Registry) GetDefault(field Field) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch field {
	case FieldCurrentUserAccessor:
		return r.cfg.CurrentUserAccessor, nil
	case FieldAdditionalInfoAccessor:
		return r.cfg.AdditionalInfoAccessor, nil
	case FieldResourceOwnerAccessor:
		return r.cfg.ResourceOwnerAccessor, nil
	case FieldRecordType:
		return r.cfg.RecordType, nil
	case FieldEnabled:
		return r.enabled.Load(), nil
	case FieldDefaultIgnoredColumns:
		return slices.Clone(r.cfg.DefaultIgnoredColumns), nil
	case FieldMaxRetries:
		return r.cfg.MaxRetries, nil
	}
	return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidDefault, field)
}

// RegisterRecordType makes a store addressable by audit record type name.
func (r *Registry) RegisterRecordType(name string, store Store) error {
	if name == "" || store == nil {
		return fmt.Errorf("%w: record type needs a name and a store", ErrInvalidDefault)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordTypes[name] = store
	return nil
}

// Register resolves the audit configuration of an entity type. The record type
// named by the current defaults must already be registered. Registering the
// same name again recomputes its configuration.
func (r *Registry) Register(name string, columns []string, opts ...Option) (*Model, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownAssociatedType)
	}
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	store, ok := r.recordTypes[r.cfg.RecordType]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registering %s)", ErrUnknownRecordType, r.cfg.RecordType, name)
	}
	m := newModel(name, columns, r.cfg, store, o)
	r.models[name] = m
	return m, nil
}

// Model returns the registered configuration of an entity type.
func (r *Registry) Model(name string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAssociatedType, name)
	}
	return m, nil
}

// Models lists the registered entity type names, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
