package homesync

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// durable, append-only record of pending local writes.
// the log is the only state shared across workers. all access goes through
// a single serialization point so status transitions are atomic.

type MutationCounts struct {
	Pending    int
	InFlight   int
	Failed     int
	Conflicted int
}

type MutationStore interface {
	// appends a validated mutation. per-entity order is enqueue order.
	Put(mutation *Mutation) error
	Get(mutationId Id) (*Mutation, error)
	// atomic status transition. fails with InvalidTransitionError if the
	// requested transition is not in the allowed set.
	Mark(mutationId Id, status MutationStatus) error
	// rewrites a mutation as the corrective for a resolved conflict:
	// new payload, seen snapshot and base version, status back to Pending,
	// retry state cleared. allowed from Conflicted and Failed only.
	Requeue(mutationId Id, payload map[string]any, seen map[string]any, baseVersion EntityVersion) error
	SetRetry(mutationId Id, retryCount int, nextRetryAt time.Time) error
	SetConflictId(mutationId Id, conflictId *Id) error
	// the oldest non-terminal mutation for an entity, or nil
	PeekNext(entityKey EntityKey) (*Mutation, error)
	// entities with at least one non-terminal mutation
	PendingEntities() ([]EntityKey, error)
	HasPending(entityKey EntityKey) (bool, error)
	Remove(mutationId Id) error
	// startup: any InFlight mutation is re-discoverable as Pending and
	// re-sent. safe via the idempotency key.
	RecoverInFlight() (int, error)
	Counts() (*MutationCounts, error)
	ListFailed() ([]*Mutation, error)

	// retained conflicts awaiting a Resolve call
	ParkConflict(record *ConflictRecord) error
	GetConflict(conflictId Id) (*ConflictRecord, error)
	ListConflicts() ([]*ConflictRecord, error)
	RemoveConflict(conflictId Id) error

	Close() error
}

// in-memory store. used for tests and as the reference semantics for the
// sqlite store.
type MemoryMutationStore struct {
	stateLock sync.Mutex

	mutations map[Id]*Mutation
	// entity key -> mutation ids in enqueue order
	entityQueues map[EntityKey][]Id
	conflicts    map[Id]*ConflictRecord
}

func NewMemoryMutationStore() *MemoryMutationStore {
	return &MemoryMutationStore{
		mutations:    map[Id]*Mutation{},
		entityQueues: map[EntityKey][]Id{},
		conflicts:    map[Id]*ConflictRecord{},
	}
}

func (self *MemoryMutationStore) Put(mutation *Mutation) error {
	if err := mutation.Validate(); err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.mutations[mutation.MutationId]; ok {
		return fmt.Errorf("mutation %s already exists", mutation.MutationId)
	}
	self.mutations[mutation.MutationId] = mutation.Copy()
	entityKey := mutation.EntityKey()
	self.entityQueues[entityKey] = append(self.entityQueues[entityKey], mutation.MutationId)
	return nil
}

func (self *MemoryMutationStore) Get(mutationId Id) (*Mutation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutation, ok := self.mutations[mutationId]
	if !ok {
		return nil, fmt.Errorf("mutation %s not found", mutationId)
	}
	return mutation.Copy(), nil
}

func (self *MemoryMutationStore) Mark(mutationId Id, status MutationStatus) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutation, ok := self.mutations[mutationId]
	if !ok {
		return fmt.Errorf("mutation %s not found", mutationId)
	}
	if !mutation.Status.CanTransitionTo(status) {
		return &InvalidTransitionError{From: mutation.Status, To: status}
	}
	mutation.Status = status
	return nil
}

func (self *MemoryMutationStore) Requeue(mutationId Id, payload map[string]any, seen map[string]any, baseVersion EntityVersion) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutation, ok := self.mutations[mutationId]
	if !ok {
		return fmt.Errorf("mutation %s not found", mutationId)
	}
	if !mutation.Status.CanTransitionTo(MutationStatusPending) {
		return &InvalidTransitionError{From: mutation.Status, To: MutationStatusPending}
	}
	mutation.Payload = copyFields(payload)
	mutation.Seen = copyFields(seen)
	mutation.BaseVersion = baseVersion
	mutation.Status = MutationStatusPending
	mutation.RetryCount = 0
	mutation.NextRetryAt = time.Time{}
	mutation.ConflictId = nil
	return nil
}

func (self *MemoryMutationStore) SetRetry(mutationId Id, retryCount int, nextRetryAt time.Time) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutation, ok := self.mutations[mutationId]
	if !ok {
		return fmt.Errorf("mutation %s not found", mutationId)
	}
	mutation.RetryCount = retryCount
	mutation.NextRetryAt = nextRetryAt
	return nil
}

func (self *MemoryMutationStore) SetConflictId(mutationId Id, conflictId *Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutation, ok := self.mutations[mutationId]
	if !ok {
		return fmt.Errorf("mutation %s not found", mutationId)
	}
	mutation.ConflictId = conflictId
	return nil
}

func (self *MemoryMutationStore) PeekNext(entityKey EntityKey) (*Mutation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, mutationId := range self.entityQueues[entityKey] {
		mutation := self.mutations[mutationId]
		if mutation != nil && !mutation.Status.IsTerminal() {
			return mutation.Copy(), nil
		}
	}
	return nil, nil
}

func (self *MemoryMutationStore) PendingEntities() ([]EntityKey, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entityKeys := []EntityKey{}
	for entityKey, mutationIds := range self.entityQueues {
		for _, mutationId := range mutationIds {
			mutation := self.mutations[mutationId]
			if mutation != nil && !mutation.Status.IsTerminal() {
				entityKeys = append(entityKeys, entityKey)
				break
			}
		}
	}
	return entityKeys, nil
}

func (self *MemoryMutationStore) HasPending(entityKey EntityKey) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, mutationId := range self.entityQueues[entityKey] {
		mutation := self.mutations[mutationId]
		if mutation != nil && !mutation.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (self *MemoryMutationStore) Remove(mutationId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutation, ok := self.mutations[mutationId]
	if !ok {
		return nil
	}
	delete(self.mutations, mutationId)
	entityKey := mutation.EntityKey()
	queue := self.entityQueues[entityKey]
	i := slices.Index(queue, mutationId)
	if 0 <= i {
		queue = slices.Delete(slices.Clone(queue), i, i+1)
		if len(queue) == 0 {
			delete(self.entityQueues, entityKey)
		} else {
			self.entityQueues[entityKey] = queue
		}
	}
	return nil
}

func (self *MemoryMutationStore) RecoverInFlight() (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	recovered := 0
	for _, mutation := range self.mutations {
		if mutation.Status == MutationStatusInFlight {
			mutation.Status = MutationStatusPending
			recovered += 1
		}
	}
	return recovered, nil
}

func (self *MemoryMutationStore) Counts() (*MutationCounts, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	counts := &MutationCounts{}
	for _, mutation := range self.mutations {
		switch mutation.Status {
		case MutationStatusPending:
			counts.Pending += 1
		case MutationStatusInFlight:
			counts.InFlight += 1
		case MutationStatusFailed:
			counts.Failed += 1
		case MutationStatusConflicted:
			counts.Conflicted += 1
		}
	}
	return counts, nil
}

func (self *MemoryMutationStore) ListFailed() ([]*Mutation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	failed := []*Mutation{}
	for _, mutation := range self.mutations {
		if mutation.Status == MutationStatusFailed {
			failed = append(failed, mutation.Copy())
		}
	}
	slices.SortFunc(failed, func(a *Mutation, b *Mutation) int {
		if a.MutationId.LessThan(b.MutationId) {
			return -1
		}
		if b.MutationId.LessThan(a.MutationId) {
			return 1
		}
		return 0
	})
	return failed, nil
}

func (self *MemoryMutationStore) ParkConflict(record *ConflictRecord) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.conflicts[record.ConflictId] = record.Copy()
	return nil
}

func (self *MemoryMutationStore) GetConflict(conflictId Id) (*ConflictRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.conflicts[conflictId]
	if !ok {
		return nil, fmt.Errorf("conflict %s not found", conflictId)
	}
	return record.Copy(), nil
}

func (self *MemoryMutationStore) ListConflicts() ([]*ConflictRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []*ConflictRecord{}
	for _, conflictId := range maps.Keys(self.conflicts) {
		records = append(records, self.conflicts[conflictId].Copy())
	}
	slices.SortFunc(records, func(a *ConflictRecord, b *ConflictRecord) int {
		if a.ConflictId.LessThan(b.ConflictId) {
			return -1
		}
		if b.ConflictId.LessThan(a.ConflictId) {
			return 1
		}
		return 0
	})
	return records, nil
}

func (self *MemoryMutationStore) RemoveConflict(conflictId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.conflicts, conflictId)
	return nil
}

func (self *MemoryMutationStore) Close() error {
	return nil
}
