package audit

import (
	"context"
	"time"
)

// NotAudited is what Blame and AuditedAt print for a scope without history.
const NotAudited = "not audited"

// Blame is who put an entity into its current state.
type Blame struct {
	Modifier *Ref
	Audited  bool
}

func (b Blame) String() string {
	if !b.Audited {
		return NotAudited
	}
	if b.Modifier == nil {
		return ""
	}
	return b.Modifier.String()
}

// AuditedAt is when an entity was last audited.
type AuditedAt struct {
	At      time.Time
	Audited bool
}

func (t AuditedAt) String() string {
	if !t.Audited {
		return NotAudited
	}
	return t.At.Format(time.RFC3339)
}

// HasHistory reports whether any record exists for the associated type.
func (a *Auditor) HasHistory(ctx context.Context, associatedType string) (bool, error) {
	m, err := a.Model(associatedType)
	if err != nil {
		return false, err
	}
	return a.storeFor(m).Exists(ctx, associatedType)
}

// History returns the records of an associated type matching filter, ascending by version.
//
//	a.History(ctx, "Post", audit.Filter{AssociatedID: &id})
//	a.History(ctx, "Post", audit.Filter{Modifier: &audit.Ref{Type: "User", ID: 88}})
func (a *Auditor) History(ctx context.Context, associatedType string, filter Filter) ([]Record, error) {
	m, err := a.Model(associatedType)
	if err != nil {
		return nil, err
	}
	return a.storeFor(m).List(ctx, associatedType, filter)
}

// Versions returns the full history of one entity.
func (a *Auditor) Versions(ctx context.Context, associatedType string, associatedID int64) ([]Record, error) {
	return a.History(ctx, associatedType, Filter{AssociatedID: &associatedID})
}

// LatestActor returns who made the latest recorded change of a scope.
func (a *Auditor) LatestActor(ctx context.Context, associatedType string, associatedID int64) (Blame, error) {
	rec, err := a.latest(ctx, associatedType, associatedID)
	if err != nil || rec == nil {
		return Blame{}, err
	}
	return Blame{Modifier: rec.Modifier, Audited: true}, nil
}

// LatestTimestamp returns when the latest recorded change of a scope happened.
func (a *Auditor) LatestTimestamp(ctx context.Context, associatedType string, associatedID int64) (AuditedAt, error) {
	rec, err := a.latest(ctx, associatedType, associatedID)
	if err != nil || rec == nil {
		return AuditedAt{}, err
	}
	return AuditedAt{At: rec.CreatedAt, Audited: true}, nil
}

func (a *Auditor) latest(ctx context.Context, associatedType string, associatedID int64) (*Record, error) {
	m, err := a.Model(associatedType)
	if err != nil {
		return nil, err
	}
	return a.storeFor(m).Latest(ctx, associatedType, associatedID)
}
