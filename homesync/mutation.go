package homesync

import (
	"time"
)

type Operation string

const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
)

func (self Operation) Valid() bool {
	switch self {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// mutation state machine is:
// Pending
//
//	-> InFlight
//	  -> Acked (terminal)
//	  -> Conflicted
//	  -> Failed
//	  -> Pending (startup recovery, safe via the idempotency key)
//	-> Conflicted
//	  -> Pending (corrective requeue)
//	  -> Acked (converged no-op, e.g. symmetric delete)
//	  -> Failed (parked for user resolution)
//	-> Failed
//	  -> Pending (explicit user reset only)
type MutationStatus string

const (
	MutationStatusPending    MutationStatus = "Pending"
	MutationStatusInFlight   MutationStatus = "InFlight"
	MutationStatusAcked      MutationStatus = "Acked"
	MutationStatusConflicted MutationStatus = "Conflicted"
	MutationStatusFailed     MutationStatus = "Failed"
)

func (self MutationStatus) IsTerminal() bool {
	switch self {
	case MutationStatusAcked, MutationStatusFailed:
		return true
	default:
		return false
	}
}

func (self MutationStatus) CanTransitionTo(next MutationStatus) bool {
	switch self {
	case MutationStatusPending:
		return next == MutationStatusInFlight
	case MutationStatusInFlight:
		switch next {
		case MutationStatusAcked, MutationStatusConflicted, MutationStatusFailed, MutationStatusPending:
			return true
		}
	case MutationStatusConflicted:
		switch next {
		case MutationStatusPending, MutationStatusAcked, MutationStatusFailed:
			return true
		}
	case MutationStatusFailed:
		// explicit user reset only
		return next == MutationStatusPending
	}
	return false
}

// one pending local write awaiting server confirmation.
// the mutation id doubles as the idempotency key: a retried request with
// the same id and an already-applied effect returns the original result
// server-side rather than re-applying.
type Mutation struct {
	MutationId Id        `json:"mutation_id"`
	EntityType string    `json:"entity_type"`
	EntityId   string    `json:"entity_id"`
	Operation  Operation `json:"operation"`
	// full post-mutation field set for Create/Update. empty for Delete.
	Payload map[string]any `json:"payload,omitempty"`
	// per-field values the client last observed when the mutation was
	// authored. basis for the field-level merge on conflict.
	Seen map[string]any `json:"seen,omitempty"`
	// the entity version the client believed was current. 0 for Create.
	BaseVersion EntityVersion `json:"base_version"`
	// client clock. display tie-break only, never authority.
	CreatedAt time.Time `json:"created_at"`

	Status      MutationStatus `json:"status"`
	RetryCount  int            `json:"retry_count"`
	NextRetryAt time.Time      `json:"next_retry_at,omitempty"`
	// set when the mutation is parked with an unresolved conflict
	ConflictId *Id `json:"conflict_id,omitempty"`
}

func (self *Mutation) EntityKey() EntityKey {
	return EntityKey{
		EntityType: self.EntityType,
		EntityId:   self.EntityId,
	}
}

func (self *Mutation) Validate() error {
	if self.EntityType == "" {
		return &ValidationError{Message: "missing entity_type"}
	}
	if self.EntityId == "" {
		return &ValidationError{Message: "missing entity_id"}
	}
	if !self.Operation.Valid() {
		return &ValidationError{Message: "invalid operation"}
	}
	if self.Operation == OperationDelete && 0 < len(self.Payload) {
		return &ValidationError{Message: "delete carries no payload"}
	}
	return nil
}

func (self *Mutation) Copy() *Mutation {
	out := *self
	out.Payload = copyFields(self.Payload)
	out.Seen = copyFields(self.Seen)
	if self.ConflictId != nil {
		conflictId := *self.ConflictId
		out.ConflictId = &conflictId
	}
	return &out
}
