package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Event is the lifecycle event that produced a record.
type Event string

const (
	Create  Event = "create"
	Update  Event = "update"
	Destroy Event = "destroy"
)

func (e Event) Valid() bool {
	switch e {
	case Create, Update, Destroy:
		return true
	}
	return false
}

// Ref is a polymorphic reference: a type tag plus an identity.
type Ref struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

func (r Ref) String() string {
	return r.Type + ":" + strconv.FormatInt(r.ID, 10)
}

// Referencer is implemented by actors and owners that can be stored as a Ref.
type Referencer interface {
	AuditRef() Ref
}

// Record is one append-only entry in an entity's change history.
type Record struct {
	ID             int64          `json:"id"`
	AssociatedType string         `json:"associated_type"`
	AssociatedID   int64          `json:"associated_id"`
	Event          Event          `json:"event"`
	Changed        Changed        `json:"changed"`
	Version        int64          `json:"version"`
	Modifier       *Ref           `json:"modifier,omitempty"`
	ResourceOwner  *Ref           `json:"resource_owner,omitempty"`
	AdditionalInfo map[string]any `json:"additional_info,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Scope returns the (associated_type, associated_id) pair the record belongs to.
func (r Record) Scope() string {
	return fmt.Sprintf("%s#%d", r.AssociatedType, r.AssociatedID)
}

// Sink receives every record after the store accepted it (Console, Kafka).
type Sink interface {
	Publish(ctx context.Context, rec Record) error
}

// NoopSink is for dev/testing.
type NoopSink struct{}

func (n *NoopSink) Publish(ctx context.Context, rec Record) error {
	return nil
}
