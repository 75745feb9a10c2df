package homesync

import (
	"sync"

	"github.com/golang/glog"
)

// the materialized local view the ui reads. single-writer (dispatcher and
// feed consumer) with many readers, so reads return copy-on-read snapshots
// rather than mutable references.

type ReadModelEntry struct {
	EntityType string
	EntityId   string
	Fields     map[string]any
	Version    EntityVersion
	// set the moment a mutation targeting this key is enqueued, cleared
	// only when no non-terminal mutation remains queued for the key
	HasPendingLocalMutation bool
	// tombstone. kept so the version guard holds across deletes
	Deleted bool
}

func (self *ReadModelEntry) Copy() *ReadModelEntry {
	out := *self
	out.Fields = copyFields(self.Fields)
	return &out
}

type EntryFunction = func(entry *ReadModelEntry)

type PendingFunction = func(entityKey EntityKey, pending bool)

type ReadModel struct {
	stateLock sync.Mutex
	entries   map[EntityKey]*ReadModelEntry

	// key -> subscribers
	entryCallbacks map[EntityKey]*CallbackList[EntryFunction]
	allCallbacks   *CallbackList[EntryFunction]

	pendingCallbacks *CallbackList[PendingFunction]
}

func NewReadModel() *ReadModel {
	return &ReadModel{
		entries:          map[EntityKey]*ReadModelEntry{},
		entryCallbacks:   map[EntityKey]*CallbackList[EntryFunction]{},
		allCallbacks:     NewCallbackList[EntryFunction](),
		pendingCallbacks: NewCallbackList[PendingFunction](),
	}
}

// nil if absent or deleted
func (self *ReadModel) Get(entityKey EntityKey) *ReadModelEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[entityKey]
	if !ok || entry.Deleted {
		return nil
	}
	return entry.Copy()
}

// includes tombstones. used by the engine for version lookups
func (self *ReadModel) GetEntry(entityKey EntityKey) *ReadModelEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[entityKey]
	if !ok {
		return nil
	}
	return entry.Copy()
}

func (self *ReadModel) HasPendingLocalMutation(entityKey EntityKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[entityKey]
	return ok && entry.HasPendingLocalMutation
}

// returns an unsub function
func (self *ReadModel) Subscribe(entityKey EntityKey, callback EntryFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.entryCallbacks[entityKey]
	if !ok {
		callbacks = NewCallbackList[EntryFunction]()
		self.entryCallbacks[entityKey] = callbacks
	}
	self.stateLock.Unlock()
	return callbacks.Add(callback)
}

func (self *ReadModel) SubscribeAll(callback EntryFunction) func() {
	return self.allCallbacks.Add(callback)
}

// feed consumer coordination: notified on pending-flag transitions
func (self *ReadModel) AddPendingCallback(callback PendingFunction) func() {
	return self.pendingCallbacks.Add(callback)
}

func (self *ReadModel) notify(entry *ReadModelEntry) {
	entityKey := NewEntityKey(entry.EntityType, entry.EntityId)
	self.stateLock.Lock()
	callbacks := self.entryCallbacks[entityKey]
	self.stateLock.Unlock()

	if callbacks != nil {
		for _, callback := range callbacks.Get() {
			HandleError(func() {
				callback(entry.Copy())
			})
		}
	}
	for _, callback := range self.allCallbacks.Get() {
		HandleError(func() {
			callback(entry.Copy())
		})
	}
}

func (self *ReadModel) entryLocked(entityKey EntityKey) *ReadModelEntry {
	entry, ok := self.entries[entityKey]
	if !ok {
		// created lazily on first read/write
		entry = &ReadModelEntry{
			EntityType: entityKey.EntityType,
			EntityId:   entityKey.EntityId,
		}
		self.entries[entityKey] = entry
	}
	return entry
}

// optimistic apply on enqueue, before server confirmation.
// the version does not advance. only the server assigns versions.
func (self *ReadModel) ApplyOptimistic(mutation *Mutation) {
	self.stateLock.Lock()
	entry := self.entryLocked(mutation.EntityKey())
	switch mutation.Operation {
	case OperationCreate:
		entry.Fields = copyFields(mutation.Payload)
		entry.Deleted = false
	case OperationUpdate:
		if entry.Fields == nil {
			entry.Fields = map[string]any{}
		}
		for field, value := range mutation.Payload {
			entry.Fields[field] = value
		}
		entry.Deleted = false
	case OperationDelete:
		entry.Deleted = true
	}
	entry.HasPendingLocalMutation = true
	snapshot := entry.Copy()
	self.stateLock.Unlock()

	glog.V(1).Infof("[rm]optimistic %s %s\n", mutation.Operation, mutation.EntityKey())
	self.notify(snapshot)
	self.notifyPending(mutation.EntityKey(), true)
}

// confirmed apply after a server ack. advances the version.
func (self *ReadModel) ApplyAck(entityKey EntityKey, operation Operation, fields map[string]any, version EntityVersion, stillPending bool) {
	self.stateLock.Lock()
	entry := self.entryLocked(entityKey)
	if operation == OperationDelete {
		entry.Deleted = true
		entry.Fields = nil
	} else if fields != nil {
		entry.Fields = copyFields(fields)
		entry.Deleted = false
	}
	if entry.Version < version {
		entry.Version = version
	}
	pendingCleared := entry.HasPendingLocalMutation && !stillPending
	entry.HasPendingLocalMutation = stillPending
	snapshot := entry.Copy()
	self.stateLock.Unlock()

	glog.V(1).Infof("[rm]ack %s v%d\n", entityKey, version)
	self.notify(snapshot)
	if pendingCleared {
		self.notifyPending(entityKey, false)
	}
}

// merged apply from the change feed. the monotonicity guard rejects
// out-of-order or duplicate delivery.
func (self *ReadModel) ApplyRemote(entityKey EntityKey, fields map[string]any, version EntityVersion, deleted bool) bool {
	self.stateLock.Lock()
	entry := self.entryLocked(entityKey)
	if version <= entry.Version {
		self.stateLock.Unlock()
		glog.V(2).Infof("[rm]reject stale %s v%d <= v%d\n", entityKey, version, entry.Version)
		return false
	}
	entry.Version = version
	entry.Deleted = deleted
	if deleted {
		entry.Fields = nil
	} else {
		entry.Fields = copyFields(fields)
	}
	snapshot := entry.Copy()
	self.stateLock.Unlock()

	glog.V(1).Infof("[rm]merge %s v%d\n", entityKey, version)
	self.notify(snapshot)
	return true
}

// flag-only update, for mutations that reach Failed without an ack
func (self *ReadModel) SetPending(entityKey EntityKey, pending bool) {
	self.stateLock.Lock()
	entry := self.entryLocked(entityKey)
	changed := entry.HasPendingLocalMutation != pending
	entry.HasPendingLocalMutation = pending
	self.stateLock.Unlock()

	if changed {
		self.notifyPending(entityKey, pending)
	}
}

func (self *ReadModel) notifyPending(entityKey EntityKey, pending bool) {
	for _, callback := range self.pendingCallbacks.Get() {
		HandleError(func() {
			callback(entityKey, pending)
		})
	}
}
