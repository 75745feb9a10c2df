package homesync

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type ResolveChoice string

const (
	ResolveChoiceKeepMine   ResolveChoice = "KeepMine"
	ResolveChoiceKeepTheirs ResolveChoice = "KeepTheirs"
	ResolveChoiceDiscard    ResolveChoice = "Discard"
)

// for the ui's sync-status indicator:
// "syncing", "n changes pending", "n conflicts need your attention"
type SyncStatus struct {
	PendingCount  int
	FailedCount   int
	ConflictCount int
	Online        bool
}

type EngineSettings struct {
	EntityTypes []string

	NetworkMonitorSettings *NetworkMonitorSettings
	DispatcherSettings     *DispatcherSettings
	FeedConsumerSettings   *FeedConsumerSettings
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		EntityTypes: []string{
			"recipe",
			"inventory_item",
			"shopping_item",
			"plan_entry",
		},
		NetworkMonitorSettings: DefaultNetworkMonitorSettings(),
		DispatcherSettings:     DefaultDispatcherSettings(),
		FeedConsumerSettings:   DefaultFeedConsumerSettings(),
	}
}

// the engine-facing api consumed by the ui/domain layer.
// ui -> mutation log (enqueue) -> read model (optimistic apply)
//   <-> dispatcher <-> remote store <-> feed consumer -> read model -> ui
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      MutationStore
	readModel  *ReadModel
	monitor    *NetworkMonitor
	api        *HomeApi
	dispatcher *Dispatcher
	feed       *FeedConsumer

	deviceId Id
}

func NewEngineWithDefaults(
	ctx context.Context,
	apiUrl string,
	feedUrl string,
	byJwt string,
	store MutationStore,
) (*Engine, error) {
	return NewEngine(ctx, apiUrl, feedUrl, byJwt, store, DefaultEngineSettings())
}

// the caller owns the store and closes it after `Close`
func NewEngine(
	ctx context.Context,
	apiUrl string,
	feedUrl string,
	byJwt string,
	store MutationStore,
	settings *EngineSettings,
) (*Engine, error) {
	parsedByJwt, err := ParseByJwtUnverified(byJwt)
	if err != nil {
		return nil, err
	}

	// any mutation left in flight by a crash is re-sent.
	// safe via the idempotency key
	if recovered, err := store.RecoverInFlight(); err != nil {
		return nil, err
	} else if 0 < recovered {
		glog.Infof("[ml]recovered %d in-flight mutations\n", recovered)
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewHomeApiWithContext(cancelCtx, apiUrl)
	api.SetByJwt(byJwt)

	readModel := NewReadModel()
	monitor := NewNetworkMonitor(settings.NetworkMonitorSettings)
	dispatcher := NewDispatcher(cancelCtx, store, api, readModel, monitor, settings.DispatcherSettings)
	feed := NewFeedConsumer(
		cancelCtx,
		feedUrl,
		byJwt,
		parsedByJwt.DeviceId,
		settings.EntityTypes,
		readModel,
		api,
		settings.FeedConsumerSettings,
	)
	// the feed connection is the default connectivity detector. hosts with
	// a native detector can call SetNetworkStatus directly
	feed.AddConnectivityCallback(func(online bool) {
		if online {
			monitor.SetStatus(NetworkStatusOnline)
		} else {
			monitor.SetStatus(NetworkStatusOffline)
		}
	})

	return &Engine{
		ctx:        cancelCtx,
		cancel:     cancel,
		store:      store,
		readModel:  readModel,
		monitor:    monitor,
		api:        api,
		dispatcher: dispatcher,
		feed:       feed,
		deviceId:   parsedByJwt.DeviceId,
	}, nil
}

// queues a local write and applies it optimistically to the read model.
// fails synchronously with ValidationError on a malformed request, in
// which case nothing enters the log.
func (self *Engine) Enqueue(entityType string, entityId string, operation Operation, payload map[string]any) (Id, error) {
	mutation := &Mutation{
		MutationId: NewId(),
		EntityType: entityType,
		EntityId:   entityId,
		Operation:  operation,
		Payload:    copyFields(payload),
		CreatedAt:  time.Now(),
		Status:     MutationStatusPending,
	}

	entityKey := NewEntityKey(entityType, entityId)
	if entry := self.readModel.GetEntry(entityKey); entry != nil && operation != OperationCreate {
		mutation.BaseVersion = entry.Version
		// snapshot the observed values for the fields this write touches.
		// basis for the field-level merge on conflict
		seen := map[string]any{}
		for field := range payload {
			if value, ok := entry.Fields[field]; ok {
				seen[field] = value
			}
		}
		mutation.Seen = seen
	}

	if err := self.store.Put(mutation); err != nil {
		return Id{}, err
	}

	self.readModel.ApplyOptimistic(mutation)
	self.dispatcher.Nudge()

	return mutation.MutationId, nil
}

// read-model change notifications for one entity. returns an unsub function
func (self *Engine) Subscribe(entityType string, entityId string, callback EntryFunction) func() {
	return self.readModel.Subscribe(NewEntityKey(entityType, entityId), callback)
}

func (self *Engine) SubscribeAll(callback EntryFunction) func() {
	return self.readModel.SubscribeAll(callback)
}

// conflicts surfaced as they are recorded
func (self *Engine) AddConflictCallback(callback ConflictRecordFunction) func() {
	return self.dispatcher.AddConflictCallback(callback)
}

// nil if absent or deleted
func (self *Engine) Get(entityType string, entityId string) *ReadModelEntry {
	return self.readModel.Get(NewEntityKey(entityType, entityId))
}

// resolves a parked conflict by re-enqueueing a corrective mutation or
// discarding the local write. never called for merged records, which only
// need dismissal
func (self *Engine) Resolve(conflictId Id, choice ResolveChoice) error {
	record, err := self.store.GetConflict(conflictId)
	if err != nil {
		return err
	}

	if record.Outcome != ConflictOutcomeNeedsUser {
		// already auto-resolved. dismiss the record
		return self.store.RemoveConflict(conflictId)
	}

	mutation := record.Mutation
	entityKey := mutation.EntityKey()

	switch choice {
	case ResolveChoiceKeepMine:
		// corrective mutation at the server's version
		if err := self.store.Requeue(mutation.MutationId, mutation.Payload, copyFields(record.ServerFields), record.ServerVersion); err != nil {
			return err
		}
		self.readModel.SetPending(entityKey, true)
		self.dispatcher.Nudge()

	case ResolveChoiceKeepTheirs, ResolveChoiceDiscard:
		if err := self.store.Remove(mutation.MutationId); err != nil {
			return err
		}
		// restore the server state over the discarded optimistic fields.
		// the ack path is used rather than the remote merge path because
		// the entry may already sit at the server's version, which the
		// monotonicity guard would reject
		stillPending, _ := self.store.HasPending(entityKey)
		if record.ServerDeleted {
			self.readModel.ApplyAck(entityKey, OperationDelete, nil, record.ServerVersion, stillPending)
		} else {
			self.readModel.ApplyAck(entityKey, OperationUpdate, record.ServerFields, record.ServerVersion, stillPending)
		}

	default:
		return &ValidationError{Message: "invalid resolve choice"}
	}

	glog.Infof("[cr]resolved %s %s\n", conflictId, choice)
	return self.store.RemoveConflict(conflictId)
}

// a failed mutation stays discoverable here with enough context for the
// ui to offer retry or discard
func (self *Engine) ListFailed() ([]*Mutation, error) {
	return self.store.ListFailed()
}

func (self *Engine) ListConflicts() ([]*ConflictRecord, error) {
	return self.store.ListConflicts()
}

// explicit user retry of a terminally failed mutation. resetting a parked
// mutation dismisses its conflict record so a later resolve cannot requeue
// a mutation that already re-sent
func (self *Engine) ResetFailed(mutationId Id) error {
	mutation, err := self.store.Get(mutationId)
	if err != nil {
		return err
	}
	if err := self.store.Mark(mutationId, MutationStatusPending); err != nil {
		return err
	}
	if mutation.ConflictId != nil {
		self.store.RemoveConflict(*mutation.ConflictId)
		self.store.SetConflictId(mutationId, nil)
	}
	self.store.SetRetry(mutationId, 0, time.Time{})
	self.readModel.SetPending(mutation.EntityKey(), true)
	self.dispatcher.Nudge()
	return nil
}

func (self *Engine) DiscardFailed(mutationId Id) error {
	mutation, err := self.store.Get(mutationId)
	if err != nil {
		return err
	}
	if err := self.store.Remove(mutationId); err != nil {
		return err
	}
	entityKey := mutation.EntityKey()
	stillPending, _ := self.store.HasPending(entityKey)
	self.readModel.SetPending(entityKey, stillPending)
	return nil
}

func (self *Engine) Status() *SyncStatus {
	counts, err := self.store.Counts()
	if err != nil {
		counts = &MutationCounts{}
	}
	conflicts, _ := self.store.ListConflicts()
	return &SyncStatus{
		PendingCount:  counts.Pending + counts.InFlight + counts.Conflicted,
		FailedCount:   counts.Failed,
		ConflictCount: len(conflicts),
		Online:        self.monitor.Status() == NetworkStatusOnline,
	}
}

// host platforms with a native connectivity detector feed it in here
func (self *Engine) SetNetworkStatus(status NetworkStatus) {
	self.monitor.SetStatus(status)
}

// stop accepting new work. in-flight requests are allowed to complete
func (self *Engine) Close() {
	self.dispatcher.Close()
	self.feed.Close()
	self.api.Close()
	self.cancel()
}
