package homesync

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReadModelOptimisticAck(t *testing.T) {
	readModel := NewReadModel()
	entityKey := NewEntityKey("shopping_item", "milk")

	mutation := newTestMutation("shopping_item", "milk", OperationCreate, map[string]any{
		"qty": float64(1),
	})
	readModel.ApplyOptimistic(mutation)

	// visible immediately, before any ack, with the pending flag set and
	// the version not yet advanced
	entry := readModel.Get(entityKey)
	assert.Equal(t, entry.Fields, map[string]any{"qty": float64(1)})
	assert.Equal(t, entry.Version, EntityVersion(0))
	assert.Equal(t, entry.HasPendingLocalMutation, true)

	readModel.ApplyAck(entityKey, OperationCreate, nil, 1, false)
	entry = readModel.Get(entityKey)
	// a nil ack field set keeps the optimistic fields
	assert.Equal(t, entry.Fields, map[string]any{"qty": float64(1)})
	assert.Equal(t, entry.Version, EntityVersion(1))
	assert.Equal(t, entry.HasPendingLocalMutation, false)
}

func TestReadModelSnapshots(t *testing.T) {
	readModel := NewReadModel()
	entityKey := NewEntityKey("shopping_item", "milk")

	readModel.ApplyRemote(entityKey, map[string]any{"qty": float64(1)}, 1, false)

	// reads are copy-on-read snapshots. mutating one does not write through
	entry := readModel.Get(entityKey)
	entry.Fields["qty"] = float64(99)
	entry.Version = 42

	entry = readModel.Get(entityKey)
	assert.Equal(t, entry.Fields, map[string]any{"qty": float64(1)})
	assert.Equal(t, entry.Version, EntityVersion(1))
}

func TestReadModelMonotonicVersions(t *testing.T) {
	readModel := NewReadModel()
	entityKey := NewEntityKey("shopping_item", "milk")

	assert.Equal(t, readModel.ApplyRemote(entityKey, map[string]any{"qty": float64(2)}, 2, false), true)

	// duplicate and out-of-order deliveries are no-ops
	assert.Equal(t, readModel.ApplyRemote(entityKey, map[string]any{"qty": float64(2)}, 2, false), false)
	assert.Equal(t, readModel.ApplyRemote(entityKey, map[string]any{"qty": float64(1)}, 1, false), false)

	entry := readModel.Get(entityKey)
	assert.Equal(t, entry.Fields, map[string]any{"qty": float64(2)})
	assert.Equal(t, entry.Version, EntityVersion(2))
}

func TestReadModelTombstone(t *testing.T) {
	readModel := NewReadModel()
	entityKey := NewEntityKey("shopping_item", "milk")

	readModel.ApplyRemote(entityKey, map[string]any{"qty": float64(1)}, 1, false)
	readModel.ApplyRemote(entityKey, nil, 2, true)

	// deleted entities read as absent
	assert.Equal(t, readModel.Get(entityKey), nil)

	// but the tombstone holds the version guard across the delete
	entry := readModel.GetEntry(entityKey)
	assert.Equal(t, entry.Deleted, true)
	assert.Equal(t, entry.Version, EntityVersion(2))
	assert.Equal(t, readModel.ApplyRemote(entityKey, map[string]any{"qty": float64(1)}, 1, false), false)
}

func TestReadModelSubscribe(t *testing.T) {
	readModel := NewReadModel()
	entityKey := NewEntityKey("shopping_item", "milk")
	otherKey := NewEntityKey("shopping_item", "eggs")

	var stateLock sync.Mutex
	entryNotifies := []*ReadModelEntry{}
	allNotifies := 0
	pendingNotifies := []bool{}

	unsubEntry := readModel.Subscribe(entityKey, func(entry *ReadModelEntry) {
		stateLock.Lock()
		defer stateLock.Unlock()
		entryNotifies = append(entryNotifies, entry)
	})
	unsubAll := readModel.SubscribeAll(func(entry *ReadModelEntry) {
		stateLock.Lock()
		defer stateLock.Unlock()
		allNotifies += 1
	})
	unsubPending := readModel.AddPendingCallback(func(notifyKey EntityKey, pending bool) {
		stateLock.Lock()
		defer stateLock.Unlock()
		if notifyKey == entityKey {
			pendingNotifies = append(pendingNotifies, pending)
		}
	})

	mutation := newTestMutation("shopping_item", "milk", OperationCreate, map[string]any{
		"qty": float64(1),
	})
	readModel.ApplyOptimistic(mutation)
	readModel.ApplyAck(entityKey, OperationCreate, nil, 1, false)
	readModel.ApplyRemote(otherKey, map[string]any{"qty": float64(12)}, 1, false)

	stateLock.Lock()
	// the per-key subscription saw the optimistic apply and the ack
	assert.Equal(t, len(entryNotifies), 2)
	assert.Equal(t, entryNotifies[0].HasPendingLocalMutation, true)
	assert.Equal(t, entryNotifies[1].Version, EntityVersion(1))
	// the all subscription additionally saw the other key
	assert.Equal(t, allNotifies, 3)
	assert.Equal(t, pendingNotifies, []bool{true, false})
	stateLock.Unlock()

	unsubEntry()
	unsubAll()
	unsubPending()

	readModel.ApplyRemote(entityKey, map[string]any{"qty": float64(3)}, 3, false)
	stateLock.Lock()
	assert.Equal(t, len(entryNotifies), 2)
	assert.Equal(t, allNotifies, 3)
	stateLock.Unlock()
}
