package homesync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestConflictResolverDeleteDelete(t *testing.T) {
	resolver := NewConflictResolver()

	mutation := newTestMutation("shopping_item", "milk", OperationDelete, nil)
	mutation.BaseVersion = 1

	// the entity is already deleted server-side. both writers got what they
	// wanted, no error surfaces to either
	resolution := resolver.Resolve(mutation, nil, 2, true)
	assert.Equal(t, resolution.Outcome, ConflictOutcomeServerWins)
	assert.Equal(t, resolution.Action, ResolutionActionConverged)
}

func TestConflictResolverDeleteChange(t *testing.T) {
	resolver := NewConflictResolver()

	mutation := newTestMutation("shopping_item", "milk", OperationDelete, nil)
	mutation.BaseVersion = 1

	// the delete lost the race against an update. the delete intent is
	// honored by retry at the new base version
	serverFields := map[string]any{"qty": float64(2)}
	resolution := resolver.Resolve(mutation, serverFields, 2, false)
	assert.Equal(t, resolution.Outcome, ConflictOutcomeClientWins)
	assert.Equal(t, resolution.Action, ResolutionActionRequeue)
	assert.Equal(t, resolution.BaseVersion, EntityVersion(2))
	assert.Equal(t, resolution.Seen, serverFields)
}

func TestConflictResolverFieldMerge(t *testing.T) {
	resolver := NewConflictResolver()

	// the local write changed qty from the observed 3 to 5. concurrently
	// the server gained an unrelated note. the local qty applies because
	// the server's qty is unchanged from the seen snapshot
	mutation := newTestMutation("shopping_item", "milk", OperationUpdate, map[string]any{
		"qty": float64(5),
	})
	mutation.Seen = map[string]any{"qty": float64(3)}
	mutation.BaseVersion = 3

	serverFields := map[string]any{
		"qty":  float64(3),
		"note": "urgent",
	}
	resolution := resolver.Resolve(mutation, serverFields, 4, false)
	assert.Equal(t, resolution.Outcome, ConflictOutcomeMerged)
	assert.Equal(t, resolution.Action, ResolutionActionRequeue)
	assert.Equal(t, resolution.Payload, map[string]any{"qty": float64(5)})
	assert.Equal(t, resolution.BaseVersion, EntityVersion(4))
	assert.Equal(t, len(resolution.OverriddenFields), 0)
	assert.Equal(t, resolution.MergedFields, map[string]any{
		"qty":  float64(5),
		"note": "urgent",
	})
}

func TestConflictResolverFieldMergeOverride(t *testing.T) {
	resolver := NewConflictResolver()

	// qty was concurrently changed server-side away from the seen value,
	// so the server wins that field. the note field is unchanged from the
	// seen snapshot, so the local value wins there
	mutation := newTestMutation("shopping_item", "milk", OperationUpdate, map[string]any{
		"qty":  float64(5),
		"note": "mine",
	})
	mutation.Seen = map[string]any{
		"qty":  float64(3),
		"note": "urgent",
	}
	mutation.BaseVersion = 3

	serverFields := map[string]any{
		"qty":  float64(9),
		"note": "urgent",
	}
	resolution := resolver.Resolve(mutation, serverFields, 4, false)
	assert.Equal(t, resolution.Outcome, ConflictOutcomeMerged)
	assert.Equal(t, resolution.Action, ResolutionActionRequeue)
	assert.Equal(t, resolution.Payload, map[string]any{"note": "mine"})
	assert.Equal(t, resolution.Seen, map[string]any{"note": "urgent"})
	assert.Equal(t, resolution.OverriddenFields, []string{"qty"})
	assert.Equal(t, resolution.MergedFields, map[string]any{
		"qty":  float64(9),
		"note": "mine",
	})
}

func TestConflictResolverAllFieldsLost(t *testing.T) {
	resolver := NewConflictResolver()

	mutation := newTestMutation("shopping_item", "milk", OperationUpdate, map[string]any{
		"qty": float64(5),
	})
	mutation.Seen = map[string]any{"qty": float64(3)}
	mutation.BaseVersion = 3

	// every local field lost to a concurrent change. nothing to send,
	// but the overridden fields are still surfaced for display
	serverFields := map[string]any{"qty": float64(9)}
	resolution := resolver.Resolve(mutation, serverFields, 4, false)
	assert.Equal(t, resolution.Outcome, ConflictOutcomeMerged)
	assert.Equal(t, resolution.Action, ResolutionActionConverged)
	assert.Equal(t, resolution.OverriddenFields, []string{"qty"})
	assert.Equal(t, resolution.MergedFields, serverFields)
}

func TestConflictResolverAgreement(t *testing.T) {
	resolver := NewConflictResolver()

	// both writers set qty to the same value. not an override
	mutation := newTestMutation("shopping_item", "milk", OperationUpdate, map[string]any{
		"qty": float64(5),
	})
	mutation.Seen = map[string]any{"qty": float64(3)}
	mutation.BaseVersion = 3

	serverFields := map[string]any{"qty": float64(5)}
	resolution := resolver.Resolve(mutation, serverFields, 4, false)
	assert.Equal(t, resolution.Outcome, ConflictOutcomeMerged)
	assert.Equal(t, resolution.Action, ResolutionActionRequeue)
	assert.Equal(t, resolution.Payload, map[string]any{"qty": float64(5)})
	assert.Equal(t, len(resolution.OverriddenFields), 0)
}

func TestConflictResolverNeedsUser(t *testing.T) {
	resolver := NewConflictResolver()

	// an update against a server-side delete is not covered by any rule.
	// parked rather than guessed at
	mutation := newTestMutation("shopping_item", "milk", OperationUpdate, map[string]any{
		"qty": float64(5),
	})
	mutation.BaseVersion = 1

	resolution := resolver.Resolve(mutation, nil, 2, true)
	assert.Equal(t, resolution.Outcome, ConflictOutcomeNeedsUser)
	assert.Equal(t, resolution.Action, ResolutionActionPark)

	// same for a create that collided with an existing entity
	create := newTestMutation("shopping_item", "milk", OperationCreate, map[string]any{
		"qty": float64(1),
	})
	resolution = resolver.Resolve(create, map[string]any{"qty": float64(2)}, 1, false)
	assert.Equal(t, resolution.Outcome, ConflictOutcomeNeedsUser)
	assert.Equal(t, resolution.Action, ResolutionActionPark)
}
