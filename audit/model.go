package audit

import "slices"

// Options are the per-entity-type registration settings.
type Options struct {
	Only   []string
	Except []string

	// DefaultIgnoredColumns overrides the global set when HasDefaultIgnored is true.
	DefaultIgnoredColumns []string
	HasDefaultIgnored     bool

	UserMethod      string
	AdditionalInfo  string
	ReferenceMethod string
}

type Option func(*Options)

// Only tracks exactly these columns. Takes precedence over Except.
func Only(columns ...string) Option {
	return func(o *Options) { o.Only = append(o.Only, columns...) }
}

// Except tracks every column but these (and the default-ignored ones).
func Except(columns ...string) Option {
	return func(o *Options) { o.Except = append(o.Except, columns...) }
}

// DefaultIgnoredColumns replaces the global default-ignored set for this type.
func DefaultIgnoredColumns(columns ...string) Option {
	return func(o *Options) {
		o.DefaultIgnoredColumns = slices.Clone(columns)
		o.HasDefaultIgnored = true
	}
}

// UserMethod overrides the accessor that resolves the acting user.
func UserMethod(name string) Option {
	return func(o *Options) { o.UserMethod = name }
}

// AdditionalInfo overrides the accessor that resolves additional info.
func AdditionalInfo(name string) Option {
	return func(o *Options) { o.AdditionalInfo = name }
}

// ReferenceMethod sets the accessor that resolves the resource owner.
func ReferenceMethod(name string) Option {
	return func(o *Options) { o.ReferenceMethod = name }
}

// Model is the resolved, immutable audit configuration of one entity type.
type Model struct {
	name           string
	columns        []string
	policy         ColumnPolicy
	defaultIgnored []string

	userAccessor           string
	additionalInfoAccessor string
	ownerAccessor          string

	recordType string
	store      Store
}

func newModel(name string, columns []string, cfg Config, store Store, opts Options) *Model {
	ignored := cfg.DefaultIgnoredColumns
	if opts.HasDefaultIgnored {
		ignored = opts.DefaultIgnoredColumns
	}

	m := &Model{
		name:           name,
		columns:        slices.Clone(columns),
		defaultIgnored: slices.Clone(ignored),
		recordType:     cfg.RecordType,
		store:          store,

		userAccessor:           firstNonEmpty(opts.UserMethod, cfg.CurrentUserAccessor),
		additionalInfoAccessor: firstNonEmpty(opts.AdditionalInfo, cfg.AdditionalInfoAccessor),
		ownerAccessor:          firstNonEmpty(opts.ReferenceMethod, cfg.ResourceOwnerAccessor),
	}
	m.policy = ResolvePolicy(m.columns, PolicyOptions{
		Only:           opts.Only,
		Except:         opts.Except,
		DefaultIgnored: m.defaultIgnored,
	})
	return m
}

func (m *Model) Name() string       { return m.name }
func (m *Model) RecordType() string { return m.recordType }

func (m *Model) Columns() []string { return slices.Clone(m.columns) }

func (m *Model) Policy() ColumnPolicy {
	return ColumnPolicy{
		Included: slices.Clone(m.policy.Included),
		Excluded: slices.Clone(m.policy.Excluded),
	}
}

// AuditedColumns is the included set.
func (m *Model) AuditedColumns() []string { return slices.Clone(m.policy.Included) }

// NonAuditedColumns is every column not in the included set.
func (m *Model) NonAuditedColumns() []string { return subtract(m.columns, m.policy.Included) }

func (m *Model) DefaultIgnoredColumns() []string { return slices.Clone(m.defaultIgnored) }

func (m *Model) UserAccessor() string           { return m.userAccessor }
func (m *Model) AdditionalInfoAccessor() string { return m.additionalInfoAccessor }
func (m *Model) ResourceOwnerAccessor() string  { return m.ownerAccessor }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
