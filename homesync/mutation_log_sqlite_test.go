package homesync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSqliteMutationStore(t *testing.T) {
	store, err := OpenSqliteMutationStore(filepath.Join(t.TempDir(), "mutations.db"))
	assert.Equal(t, err, nil)
	defer store.Close()

	testMutationStore(t, store)
}

// a crash between send and ack leaves the log in flight. on restart the
// mutation must be re-discoverable as pending, with content intact.
func TestSqliteMutationStoreRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.db")

	store, err := OpenSqliteMutationStore(path)
	assert.Equal(t, err, nil)

	a1 := newTestMutation("recipe", "a", OperationUpdate, map[string]any{
		"name":     "soup",
		"servings": float64(4),
	})
	a1.Seen = map[string]any{"name": "stew"}
	a1.BaseVersion = 7
	assert.Equal(t, store.Put(a1), nil)
	assert.Equal(t, store.Mark(a1.MutationId, MutationStatusInFlight), nil)

	a2 := newTestMutation("recipe", "a", OperationDelete, nil)
	assert.Equal(t, store.Put(a2), nil)

	conflictId := NewId()
	record := &ConflictRecord{
		ConflictId:    conflictId,
		Mutation:      a1.Copy(),
		ServerFields:  map[string]any{"name": "gumbo"},
		ServerVersion: 8,
		Outcome:       ConflictOutcomeNeedsUser,
		CreatedAt:     time.Now(),
	}
	assert.Equal(t, store.ParkConflict(record), nil)

	assert.Equal(t, store.Close(), nil)

	// reopen, as after a process restart
	store, err = OpenSqliteMutationStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()

	recovered, err := store.RecoverInFlight()
	assert.Equal(t, err, nil)
	assert.Equal(t, recovered, 1)

	stored, err := store.Get(a1.MutationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.Status, MutationStatusPending)
	assert.Equal(t, stored.Operation, OperationUpdate)
	assert.Equal(t, stored.Payload, map[string]any{
		"name":     "soup",
		"servings": float64(4),
	})
	assert.Equal(t, stored.Seen, map[string]any{"name": "stew"})
	assert.Equal(t, stored.BaseVersion, EntityVersion(7))

	// enqueue order survives the restart
	head, err := store.PeekNext(NewEntityKey("recipe", "a"))
	assert.Equal(t, err, nil)
	assert.Equal(t, head.MutationId, a1.MutationId)

	storedRecord, err := store.GetConflict(conflictId)
	assert.Equal(t, err, nil)
	assert.Equal(t, storedRecord.ServerVersion, EntityVersion(8))
	assert.Equal(t, storedRecord.Mutation.MutationId, a1.MutationId)
}
