package homesync

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMutationStatusTransitions(t *testing.T) {
	statuses := []MutationStatus{
		MutationStatusPending,
		MutationStatusInFlight,
		MutationStatusAcked,
		MutationStatusConflicted,
		MutationStatusFailed,
	}

	allowed := map[MutationStatus][]MutationStatus{
		MutationStatusPending: {
			MutationStatusInFlight,
		},
		MutationStatusInFlight: {
			MutationStatusAcked,
			MutationStatusConflicted,
			MutationStatusFailed,
			// startup recovery
			MutationStatusPending,
		},
		MutationStatusConflicted: {
			// corrective requeue
			MutationStatusPending,
			// converged no-op
			MutationStatusAcked,
			// parked
			MutationStatusFailed,
		},
		MutationStatusFailed: {
			// user reset
			MutationStatusPending,
		},
		MutationStatusAcked: {},
	}

	for _, from := range statuses {
		for _, to := range statuses {
			expect := false
			for _, next := range allowed[from] {
				if next == to {
					expect = true
				}
			}
			assert.Equal(t, from.CanTransitionTo(to), expect)
		}
	}

	assert.Equal(t, MutationStatusAcked.IsTerminal(), true)
	assert.Equal(t, MutationStatusFailed.IsTerminal(), true)
	assert.Equal(t, MutationStatusPending.IsTerminal(), false)
	assert.Equal(t, MutationStatusInFlight.IsTerminal(), false)
	assert.Equal(t, MutationStatusConflicted.IsTerminal(), false)
}

func TestMutationValidate(t *testing.T) {
	mutation := &Mutation{
		MutationId: NewId(),
		EntityType: "recipe",
		EntityId:   "42",
		Operation:  OperationUpdate,
		Payload: map[string]any{
			"name": "soup",
		},
		CreatedAt: time.Now(),
		Status:    MutationStatusPending,
	}
	assert.Equal(t, mutation.Validate(), nil)

	var validationErr *ValidationError

	missingType := mutation.Copy()
	missingType.EntityType = ""
	assert.Equal(t, errors.As(missingType.Validate(), &validationErr), true)

	missingId := mutation.Copy()
	missingId.EntityId = ""
	assert.Equal(t, errors.As(missingId.Validate(), &validationErr), true)

	badOperation := mutation.Copy()
	badOperation.Operation = Operation("Upsert")
	assert.Equal(t, errors.As(badOperation.Validate(), &validationErr), true)

	deleteWithPayload := mutation.Copy()
	deleteWithPayload.Operation = OperationDelete
	assert.Equal(t, errors.As(deleteWithPayload.Validate(), &validationErr), true)

	deleteClean := mutation.Copy()
	deleteClean.Operation = OperationDelete
	deleteClean.Payload = nil
	assert.Equal(t, deleteClean.Validate(), nil)
}

func TestMutationCopy(t *testing.T) {
	conflictId := NewId()
	mutation := &Mutation{
		MutationId: NewId(),
		EntityType: "recipe",
		EntityId:   "42",
		Operation:  OperationUpdate,
		Payload: map[string]any{
			"name": "soup",
		},
		Seen: map[string]any{
			"name": "stew",
		},
		BaseVersion: 3,
		CreatedAt:   time.Now(),
		Status:      MutationStatusPending,
		ConflictId:  &conflictId,
	}

	copied := mutation.Copy()
	copied.Payload["name"] = "salad"
	copied.Seen["name"] = "salad"
	*copied.ConflictId = NewId()

	assert.Equal(t, mutation.Payload["name"], "soup")
	assert.Equal(t, mutation.Seen["name"], "stew")
	assert.Equal(t, *mutation.ConflictId, conflictId)
}
