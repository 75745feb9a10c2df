package homesync

import (
	"context"
	"errors"
	"math"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
)

// per-entity send state machine:
// Idle
//
//	-> Sending
//	  -> Idle (on ack)
//	  -> Resolving (on conflict) -> Idle (after the resolver produces an outcome)
//	  -> Backoff (on transient error) -> Sending (after delay)
//
// only the head mutation per entity is ever Sending, so causal order of
// writes to the same entity is preserved. writes to different entities are
// dispatched concurrently with no ordering between them.
type SendState string

const (
	SendStateIdle      SendState = "Idle"
	SendStateSending   SendState = "Sending"
	SendStateResolving SendState = "Resolving"
	SendStateBackoff   SendState = "Backoff"
)

type ConflictRecordFunction = func(record *ConflictRecord)

type DispatcherSettings struct {
	RequestTimeout time.Duration

	RetryBackoffBase   time.Duration
	RetryBackoffFactor float64
	RetryBackoffCap    time.Duration
	// after this many retries the mutation is marked Failed and surfaced
	// rather than retried forever
	RetryCeiling int

	IdleTimeout time.Duration
}

func DefaultDispatcherSettings() *DispatcherSettings {
	return &DispatcherSettings{
		RequestTimeout:     10 * time.Second,
		RetryBackoffBase:   1 * time.Second,
		RetryBackoffFactor: 2,
		RetryBackoffCap:    60 * time.Second,
		RetryCeiling:       8,
		IdleTimeout:        30 * time.Second,
	}
}

// drains the mutation log while the network monitor reports online,
// submits the head mutation per entity to the remote store, applies
// responses to the read model, and invokes the conflict resolver on
// rejection.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     MutationStore
	remote    RemoteStore
	readModel *ReadModel
	resolver  *ConflictResolver
	monitor   *NetworkMonitor

	settings *DispatcherSettings

	stateLock    sync.Mutex
	entityStates map[EntityKey]SendState
	closed       bool

	retryQueue *dispatchQueue
	update     *Monitor

	conflictCallbacks *CallbackList[ConflictRecordFunction]

	unsubMonitor func()
}

func NewDispatcherWithDefaults(
	ctx context.Context,
	store MutationStore,
	remote RemoteStore,
	readModel *ReadModel,
	monitor *NetworkMonitor,
) *Dispatcher {
	return NewDispatcher(ctx, store, remote, readModel, monitor, DefaultDispatcherSettings())
}

func NewDispatcher(
	ctx context.Context,
	store MutationStore,
	remote RemoteStore,
	readModel *ReadModel,
	monitor *NetworkMonitor,
	settings *DispatcherSettings,
) *Dispatcher {
	cancelCtx, cancel := context.WithCancel(ctx)
	dispatcher := &Dispatcher{
		ctx:               cancelCtx,
		cancel:            cancel,
		store:             store,
		remote:            remote,
		readModel:         readModel,
		resolver:          NewConflictResolver(),
		monitor:           monitor,
		settings:          settings,
		entityStates:      map[EntityKey]SendState{},
		retryQueue:        newDispatchQueue(),
		update:            NewMonitor(),
		conflictCallbacks: NewCallbackList[ConflictRecordFunction](),
	}
	// the flush signal: the first transition to online after any offline
	// period wakes the drain loop exactly once
	dispatcher.unsubMonitor = monitor.AddStatusCallback(func(status NetworkStatus) {
		if status == NetworkStatusOnline {
			glog.V(1).Infof("[sd]flush\n")
			dispatcher.update.NotifyAll()
		}
	})
	go dispatcher.run()
	return dispatcher
}

// returns an unsub function
func (self *Dispatcher) AddConflictCallback(conflictCallback ConflictRecordFunction) func() {
	return self.conflictCallbacks.Add(conflictCallback)
}

// new enqueue while online
func (self *Dispatcher) Nudge() {
	self.update.NotifyAll()
}

func (self *Dispatcher) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if self.monitor.Status() == NetworkStatusOnline {
			self.evaluate()
		}

		timeout := self.waitTimeout()

		notify := self.update.NotifyChannel()
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		case <-time.After(timeout):
		}
	}
}

// the retry queue is only drained while online, so a due retry must not
// shrink the wait while offline. the online transition wakes the loop
// through the monitor callback
func (self *Dispatcher) waitTimeout() time.Duration {
	timeout := self.settings.IdleTimeout
	if self.monitor.Status() == NetworkStatusOnline {
		if next := self.retryQueue.PeekFirst(); next != nil {
			if retryTimeout := time.Until(next.nextRetryAt); retryTimeout < timeout {
				timeout = retryTimeout
			}
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// for each entity with a non-terminal head mutation and currently idle,
// transition to sending and submit
func (self *Dispatcher) evaluate() {
	// release entities whose backoff has expired
	for _, item := range self.retryQueue.RemoveDue(time.Now()) {
		self.compareAndSetState(item.entityKey, SendStateBackoff, SendStateIdle)
	}

	entityKeys, err := self.store.PendingEntities()
	if err != nil {
		glog.Infof("[sd]pending entities error = %s\n", err)
		return
	}
	for _, entityKey := range entityKeys {
		head, err := self.store.PeekNext(entityKey)
		if err != nil || head == nil {
			continue
		}
		if head.Status != MutationStatusPending {
			continue
		}
		if time.Now().Before(head.NextRetryAt) {
			self.retryQueue.Add(&dispatchItem{
				mutationId:  head.MutationId,
				entityKey:   entityKey,
				nextRetryAt: head.NextRetryAt,
			})
			self.compareAndSetState(entityKey, SendStateIdle, SendStateBackoff)
			continue
		}
		if !self.compareAndSetState(entityKey, SendStateIdle, SendStateSending) {
			continue
		}
		go self.send(head)
	}
}

func (self *Dispatcher) compareAndSetState(entityKey EntityKey, from SendState, to SendState) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return false
	}
	state, ok := self.entityStates[entityKey]
	if !ok {
		state = SendStateIdle
	}
	if state != from {
		return false
	}
	if to == SendStateIdle {
		delete(self.entityStates, entityKey)
	} else {
		self.entityStates[entityKey] = to
	}
	return true
}

func (self *Dispatcher) setState(entityKey EntityKey, to SendState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if to == SendStateIdle {
		delete(self.entityStates, entityKey)
	} else {
		self.entityStates[entityKey] = to
	}
}

func (self *Dispatcher) send(mutation *Mutation) {
	entityKey := mutation.EntityKey()

	if err := self.store.Mark(mutation.MutationId, MutationStatusInFlight); err != nil {
		self.setState(entityKey, SendStateIdle)
		return
	}

	// a mutation queued behind the head was authored against the optimistic
	// state, so its recorded base is stale once the head acks. while the key
	// has pending work, foreign feed events are buffered and the read model
	// version only advances via this replica's own acks, so the current read
	// model version is the correct base. a genuinely foreign advance still
	// surfaces as a version conflict server-side.
	if mutation.Operation != OperationCreate {
		if entry := self.readModel.GetEntry(entityKey); entry != nil && mutation.BaseVersion < entry.Version {
			glog.V(2).Infof("[sd]rebase %s %d -> %d\n", entityKey, mutation.BaseVersion, entry.Version)
			mutation.BaseVersion = entry.Version
		}
	}

	// the request context is detached from the dispatcher context:
	// on shutdown an in-flight request is allowed to complete rather than
	// aborted, because an unacknowledged duplicate on reconnect is already
	// covered by the idempotency key
	requestCtx, requestCancel := context.WithTimeout(context.Background(), self.settings.RequestTimeout)
	defer requestCancel()

	glog.V(1).Infof("[sd]send %s %s %s base=%d\n", mutation.Operation, entityKey, mutation.MutationId, mutation.BaseVersion)
	result, err := self.remote.SubmitMutation(requestCtx, &SubmitMutationArgs{
		Operation:      mutation.Operation,
		Payload:        mutation.Payload,
		BaseVersion:    mutation.BaseVersion,
		IdempotencyKey: mutation.MutationId,
		EntityType:     mutation.EntityType,
		EntityId:       mutation.EntityId,
	})

	switch {
	case err == nil:
		self.ack(mutation, result.ServerVersion)
	default:
		var conflictErr *VersionConflictError
		var rejectionErr *PermanentRejectionError
		switch {
		case errors.As(err, &conflictErr):
			self.resolveConflict(mutation, conflictErr)
		case errors.As(err, &rejectionErr):
			self.fail(mutation, rejectionErr)
		default:
			// timeout, 5xx, connection reset
			self.backoff(mutation, err)
		}
	}
}

func (self *Dispatcher) ack(mutation *Mutation, serverVersion EntityVersion) {
	entityKey := mutation.EntityKey()

	if err := self.store.Mark(mutation.MutationId, MutationStatusAcked); err != nil {
		glog.Infof("[sd]ack mark error %s = %s\n", mutation.MutationId, err)
	}
	// acked is terminal. drop it from the log
	self.store.Remove(mutation.MutationId)

	stillPending, _ := self.store.HasPending(entityKey)
	self.readModel.ApplyAck(entityKey, mutation.Operation, nil, serverVersion, stillPending)

	glog.V(1).Infof("[sd]ack %s v%d\n", entityKey, serverVersion)
	self.setState(entityKey, SendStateIdle)
	// advance to the next queued mutation for this entity, if any
	self.update.NotifyAll()
}

func (self *Dispatcher) resolveConflict(mutation *Mutation, conflictErr *VersionConflictError) {
	entityKey := mutation.EntityKey()

	if err := self.store.Mark(mutation.MutationId, MutationStatusConflicted); err != nil {
		glog.Infof("[sd]conflict mark error %s = %s\n", mutation.MutationId, err)
		self.setState(entityKey, SendStateIdle)
		return
	}
	self.setState(entityKey, SendStateResolving)

	resolution := self.resolver.Resolve(
		mutation,
		conflictErr.CurrentFields,
		conflictErr.CurrentVersion,
		conflictErr.CurrentDeleted,
	)

	switch resolution.Action {
	case ResolutionActionConverged:
		self.store.Mark(mutation.MutationId, MutationStatusAcked)
		self.store.Remove(mutation.MutationId)
		if len(resolution.OverriddenFields) != 0 {
			// nothing left to send, but local fields lost the merge.
			// recorded for ui display, never dropped silently
			record := &ConflictRecord{
				ConflictId:       NewId(),
				Mutation:         mutation.Copy(),
				ServerFields:     conflictErr.CurrentFields,
				ServerVersion:    conflictErr.CurrentVersion,
				ServerDeleted:    conflictErr.CurrentDeleted,
				Outcome:          resolution.Outcome,
				OverriddenFields: resolution.OverriddenFields,
				CreatedAt:        time.Now(),
			}
			self.store.ParkConflict(record)
			self.notifyConflict(record)
		}
		stillPending, _ := self.store.HasPending(entityKey)
		if conflictErr.CurrentDeleted {
			self.readModel.ApplyAck(entityKey, OperationDelete, nil, conflictErr.CurrentVersion, stillPending)
		} else {
			fields := resolution.MergedFields
			if fields == nil {
				fields = conflictErr.CurrentFields
			}
			self.readModel.ApplyAck(entityKey, OperationUpdate, fields, conflictErr.CurrentVersion, stillPending)
		}

	case ResolutionActionRequeue:
		payload := resolution.Payload
		if mutation.Operation == OperationDelete {
			payload = nil
		}
		if err := self.store.Requeue(mutation.MutationId, payload, resolution.Seen, resolution.BaseVersion); err != nil {
			glog.Infof("[sd]requeue error %s = %s\n", mutation.MutationId, err)
		}
		if resolution.Outcome == ConflictOutcomeMerged {
			// recorded for ui display, with the overridden fields attached
			record := &ConflictRecord{
				ConflictId:       NewId(),
				Mutation:         mutation.Copy(),
				ServerFields:     conflictErr.CurrentFields,
				ServerVersion:    conflictErr.CurrentVersion,
				ServerDeleted:    conflictErr.CurrentDeleted,
				Outcome:          ConflictOutcomeMerged,
				OverriddenFields: resolution.OverriddenFields,
				CreatedAt:        time.Now(),
			}
			self.store.ParkConflict(record)
			self.notifyConflict(record)
			// show the merged view immediately. the corrective mutation
			// confirms it on the next send
			self.readModel.ApplyAck(entityKey, OperationUpdate, resolution.MergedFields, conflictErr.CurrentVersion, true)
		}

	case ResolutionActionPark:
		conflictId := NewId()
		record := &ConflictRecord{
			ConflictId:    conflictId,
			Mutation:      mutation.Copy(),
			ServerFields:  conflictErr.CurrentFields,
			ServerVersion: conflictErr.CurrentVersion,
			ServerDeleted: conflictErr.CurrentDeleted,
			Outcome:       ConflictOutcomeNeedsUser,
			CreatedAt:     time.Now(),
		}
		self.store.ParkConflict(record)
		self.store.SetConflictId(mutation.MutationId, &conflictId)
		self.store.Mark(mutation.MutationId, MutationStatusFailed)
		stillPending, _ := self.store.HasPending(entityKey)
		self.readModel.SetPending(entityKey, stillPending)
		glog.Infof("[sd]conflict parked %s %s\n", entityKey, conflictId)
		self.notifyConflict(record)
	}

	self.setState(entityKey, SendStateIdle)
	self.update.NotifyAll()
}

func (self *Dispatcher) fail(mutation *Mutation, rejectionErr *PermanentRejectionError) {
	entityKey := mutation.EntityKey()

	// terminal. retained in the log so it stays discoverable with enough
	// context for the ui to offer retry or discard
	if err := self.store.Mark(mutation.MutationId, MutationStatusFailed); err != nil {
		glog.Infof("[sd]fail mark error %s = %s\n", mutation.MutationId, err)
	}
	stillPending, _ := self.store.HasPending(entityKey)
	self.readModel.SetPending(entityKey, stillPending)

	glog.Infof("[sd]failed %s %s = %s\n", entityKey, mutation.MutationId, rejectionErr)
	self.setState(entityKey, SendStateIdle)
	self.update.NotifyAll()
}

func (self *Dispatcher) backoff(mutation *Mutation, cause error) {
	entityKey := mutation.EntityKey()

	retryCount := mutation.RetryCount + 1
	if self.settings.RetryCeiling < retryCount {
		if err := self.store.Mark(mutation.MutationId, MutationStatusFailed); err != nil {
			glog.Infof("[sd]fail mark error %s = %s\n", mutation.MutationId, err)
		}
		stillPending, _ := self.store.HasPending(entityKey)
		self.readModel.SetPending(entityKey, stillPending)
		glog.Infof("[sd]retry ceiling %s %s = %s\n", entityKey, mutation.MutationId, cause)
		self.setState(entityKey, SendStateIdle)
		self.update.NotifyAll()
		return
	}

	nextRetryAt := time.Now().Add(self.retryBackoff(retryCount))
	self.store.Mark(mutation.MutationId, MutationStatusPending)
	self.store.SetRetry(mutation.MutationId, retryCount, nextRetryAt)
	self.retryQueue.Add(&dispatchItem{
		mutationId:  mutation.MutationId,
		entityKey:   entityKey,
		nextRetryAt: nextRetryAt,
	})

	glog.V(1).Infof("[sd]backoff %s retry=%d next=%s = %s\n", entityKey, retryCount, nextRetryAt.Format(time.RFC3339), cause)
	self.setState(entityKey, SendStateBackoff)
	self.update.NotifyAll()
}

// exponential backoff with jitter
func (self *Dispatcher) retryBackoff(retryCount int) time.Duration {
	backoff := time.Duration(
		float64(self.settings.RetryBackoffBase) * math.Pow(self.settings.RetryBackoffFactor, float64(retryCount-1)),
	)
	if self.settings.RetryBackoffCap < backoff {
		backoff = self.settings.RetryBackoffCap
	}
	// 0.5x to 1.5x
	return time.Duration(float64(backoff) * (0.5 + mathrand.Float64()))
}

func (self *Dispatcher) notifyConflict(record *ConflictRecord) {
	for _, conflictCallback := range self.conflictCallbacks.Get() {
		HandleError(func() {
			conflictCallback(record.Copy())
		})
	}
}

// stop accepting new work. in-flight requests complete
func (self *Dispatcher) Close() {
	self.stateLock.Lock()
	self.closed = true
	self.stateLock.Unlock()

	self.unsubMonitor()
	self.cancel()
}
