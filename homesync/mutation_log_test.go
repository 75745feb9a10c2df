package homesync

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestMutation(entityType string, entityId string, operation Operation, payload map[string]any) *Mutation {
	return &Mutation{
		MutationId: NewId(),
		EntityType: entityType,
		EntityId:   entityId,
		Operation:  operation,
		Payload:    payload,
		CreatedAt:  time.Now(),
		Status:     MutationStatusPending,
	}
}

// shared semantics for both store implementations
func testMutationStore(t *testing.T, store MutationStore) {
	entityKeyA := NewEntityKey("recipe", "a")
	entityKeyB := NewEntityKey("recipe", "b")

	a1 := newTestMutation("recipe", "a", OperationCreate, map[string]any{"name": "soup"})
	a2 := newTestMutation("recipe", "a", OperationUpdate, map[string]any{"name": "stew"})
	b1 := newTestMutation("recipe", "b", OperationCreate, map[string]any{"name": "salad"})

	assert.Equal(t, store.Put(a1), nil)
	assert.Equal(t, store.Put(a2), nil)
	assert.Equal(t, store.Put(b1), nil)

	// per-entity order is enqueue order
	head, err := store.PeekNext(entityKeyA)
	assert.Equal(t, err, nil)
	assert.Equal(t, head.MutationId, a1.MutationId)

	entityKeys, err := store.PendingEntities()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entityKeys), 2)

	hasPending, err := store.HasPending(entityKeyA)
	assert.Equal(t, err, nil)
	assert.Equal(t, hasPending, true)

	// an invalid transition is rejected and the status is unchanged
	var transitionErr *InvalidTransitionError
	err = store.Mark(a1.MutationId, MutationStatusAcked)
	assert.Equal(t, errors.As(err, &transitionErr), true)
	stored, err := store.Get(a1.MutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.Status, MutationStatusPending)

	assert.Equal(t, store.Mark(a1.MutationId, MutationStatusInFlight), nil)
	assert.Equal(t, store.Mark(a1.MutationId, MutationStatusAcked), nil)
	assert.Equal(t, store.Remove(a1.MutationId), nil)

	// the next queued mutation becomes the head
	head, err = store.PeekNext(entityKeyA)
	assert.Equal(t, err, nil)
	assert.Equal(t, head.MutationId, a2.MutationId)

	// retry bookkeeping round-trips
	nextRetryAt := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
	assert.Equal(t, store.SetRetry(a2.MutationId, 3, nextRetryAt), nil)
	stored, err = store.Get(a2.MutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.RetryCount, 3)
	assert.Equal(t, stored.NextRetryAt.UTC().Equal(nextRetryAt), true)

	// a corrective requeue rewrites content and clears retry state
	assert.Equal(t, store.Mark(a2.MutationId, MutationStatusInFlight), nil)
	assert.Equal(t, store.Mark(a2.MutationId, MutationStatusConflicted), nil)
	err = store.Requeue(
		a2.MutationId,
		map[string]any{"name": "ragout"},
		map[string]any{"name": "stew"},
		EntityVersion(4),
	)
	assert.Equal(t, err, nil)
	stored, err = store.Get(a2.MutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.Status, MutationStatusPending)
	assert.Equal(t, stored.Payload, map[string]any{"name": "ragout"})
	assert.Equal(t, stored.Seen, map[string]any{"name": "stew"})
	assert.Equal(t, stored.BaseVersion, EntityVersion(4))
	assert.Equal(t, stored.RetryCount, 0)

	// a requeue from a sendable status is rejected
	err = store.Requeue(b1.MutationId, nil, nil, 1)
	assert.Equal(t, errors.As(err, &transitionErr), true)

	// failed mutations stay discoverable
	assert.Equal(t, store.Mark(b1.MutationId, MutationStatusInFlight), nil)
	assert.Equal(t, store.Mark(b1.MutationId, MutationStatusFailed), nil)
	failed, err := store.ListFailed()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(failed), 1)
	assert.Equal(t, failed[0].MutationId, b1.MutationId)

	hasPending, err = store.HasPending(entityKeyB)
	assert.Equal(t, err, nil)
	assert.Equal(t, hasPending, false)

	counts, err := store.Counts()
	assert.Equal(t, err, nil)
	assert.Equal(t, counts.Pending, 1)
	assert.Equal(t, counts.Failed, 1)

	// conflicts round-trip
	conflictId := NewId()
	record := &ConflictRecord{
		ConflictId:    conflictId,
		Mutation:      stored.Copy(),
		ServerFields:  map[string]any{"name": "gumbo"},
		ServerVersion: 5,
		Outcome:       ConflictOutcomeNeedsUser,
		CreatedAt:     time.Now(),
	}
	assert.Equal(t, store.ParkConflict(record), nil)
	assert.Equal(t, store.SetConflictId(b1.MutationId, &conflictId), nil)

	storedRecord, err := store.GetConflict(conflictId)
	assert.Equal(t, err, nil)
	assert.Equal(t, storedRecord.ServerVersion, EntityVersion(5))
	assert.Equal(t, storedRecord.Outcome, ConflictOutcomeNeedsUser)
	assert.Equal(t, storedRecord.ServerFields, map[string]any{"name": "gumbo"})

	records, err := store.ListConflicts()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 1)

	stored, err = store.Get(b1.MutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, *stored.ConflictId, conflictId)

	assert.Equal(t, store.RemoveConflict(conflictId), nil)
	records, err = store.ListConflicts()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 0)
}

func TestMemoryMutationStore(t *testing.T) {
	store := NewMemoryMutationStore()
	defer store.Close()

	testMutationStore(t, store)
}

func TestMemoryMutationStoreRecoverInFlight(t *testing.T) {
	store := NewMemoryMutationStore()
	defer store.Close()

	a1 := newTestMutation("recipe", "a", OperationCreate, map[string]any{"name": "soup"})
	assert.Equal(t, store.Put(a1), nil)
	assert.Equal(t, store.Mark(a1.MutationId, MutationStatusInFlight), nil)

	recovered, err := store.RecoverInFlight()
	assert.Equal(t, err, nil)
	assert.Equal(t, recovered, 1)

	stored, err := store.Get(a1.MutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.Status, MutationStatusPending)

	// idempotent
	recovered, err = store.RecoverInFlight()
	assert.Equal(t, err, nil)
	assert.Equal(t, recovered, 0)
}
