package homesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

// one entity change pushed by the remote store's change feed.
// delivered in per-entity version order (the remote store, not this
// engine, guarantees delivery order).
type FeedEvent struct {
	EntityType     string         `json:"entity_type"`
	EntityId       string         `json:"entity_id"`
	Version        EntityVersion  `json:"version"`
	Fields         map[string]any `json:"fields,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	OriginDeviceId Id             `json:"origin_device_id"`
}

func (self *FeedEvent) EntityKey() EntityKey {
	return EntityKey{
		EntityType: self.EntityType,
		EntityId:   self.EntityId,
	}
}

type feedSubscribeArgs struct {
	ByJwt       string   `json:"by_jwt"`
	EntityTypes []string `json:"entity_types"`
	// per entity type, the highest version this replica has applied
	ResumeFrom map[string]EntityVersion `json:"resume_from,omitempty"`
}

type feedSubscribeResult struct {
	Status string `json:"status"`
}

const feedSubscribeStatusOk = "ok"
const feedSubscribeStatusResync = "resync"

type ConnectivityFunction = func(online bool)

type FeedConsumerSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultFeedConsumerSettings() *FeedConsumerSettings {
	return &FeedConsumerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// consumes the change feed and merges foreign updates into the read model.
// an event for a key with a pending local mutation is buffered, not
// applied, until the pending mutation resolves, so a foreign update is
// never visually overwritten by an in-flight optimistic local write and
// vice versa. the pending flag is the guard here, not timestamps: client
// clocks are not trustworthy for ordering.
type FeedConsumer struct {
	ctx    context.Context
	cancel context.CancelFunc

	feedUrl string
	byJwt   string
	// this replica's device id. own echoes are skipped
	deviceId Id

	entityTypes []string

	readModel *ReadModel
	remote    RemoteStore

	settings *FeedConsumerSettings

	stateLock sync.Mutex
	// key -> buffered events in delivery order
	buffered map[EntityKey][]*FeedEvent
	// entity type -> highest applied version
	appliedVersions map[string]EntityVersion

	connectivityCallbacks *CallbackList[ConnectivityFunction]

	unsubPending func()
}

func NewFeedConsumerWithDefaults(
	ctx context.Context,
	feedUrl string,
	byJwt string,
	deviceId Id,
	entityTypes []string,
	readModel *ReadModel,
	remote RemoteStore,
) *FeedConsumer {
	return NewFeedConsumer(ctx, feedUrl, byJwt, deviceId, entityTypes, readModel, remote, DefaultFeedConsumerSettings())
}

func NewFeedConsumer(
	ctx context.Context,
	feedUrl string,
	byJwt string,
	deviceId Id,
	entityTypes []string,
	readModel *ReadModel,
	remote RemoteStore,
	settings *FeedConsumerSettings,
) *FeedConsumer {
	cancelCtx, cancel := context.WithCancel(ctx)
	feedConsumer := &FeedConsumer{
		ctx:                   cancelCtx,
		cancel:                cancel,
		feedUrl:               feedUrl,
		byJwt:                 byJwt,
		deviceId:              deviceId,
		entityTypes:           entityTypes,
		readModel:             readModel,
		remote:                remote,
		settings:              settings,
		buffered:              map[EntityKey][]*FeedEvent{},
		appliedVersions:       map[string]EntityVersion{},
		connectivityCallbacks: NewCallbackList[ConnectivityFunction](),
	}
	feedConsumer.unsubPending = readModel.AddPendingCallback(func(entityKey EntityKey, pending bool) {
		if !pending {
			feedConsumer.release(entityKey)
		}
	})
	go feedConsumer.run()
	return feedConsumer
}

// the feed connection doubles as the connectivity signal for the
// network monitor
func (self *FeedConsumer) AddConnectivityCallback(connectivityCallback ConnectivityFunction) func() {
	return self.connectivityCallbacks.Add(connectivityCallback)
}

func (self *FeedConsumer) notifyConnectivity(online bool) {
	for _, connectivityCallback := range self.connectivityCallbacks.Get() {
		HandleError(func() {
			connectivityCallback(online)
		})
	}
}

func (self *FeedConsumer) handleEvent(event *FeedEvent) {
	if event.OriginDeviceId == self.deviceId {
		// own write, already applied via the ack path
		glog.V(2).Infof("[rmc]skip own %s v%d\n", event.EntityKey(), event.Version)
		return
	}

	entityKey := event.EntityKey()
	self.stateLock.Lock()
	pendingBuffer, buffering := self.buffered[entityKey]
	if !buffering && self.readModel.HasPendingLocalMutation(entityKey) {
		buffering = true
	}
	if buffering {
		self.buffered[entityKey] = append(pendingBuffer, event)
		self.stateLock.Unlock()
		glog.V(1).Infof("[rmc]buffer %s v%d\n", entityKey, event.Version)
		return
	}
	self.stateLock.Unlock()

	self.apply(event)
}

func (self *FeedConsumer) apply(event *FeedEvent) {
	entityKey := event.EntityKey()
	if !self.readModel.ApplyRemote(entityKey, event.Fields, event.Version, event.Deleted) {
		// out-of-order or duplicate delivery. no-op
		return
	}
	self.stateLock.Lock()
	if self.appliedVersions[event.EntityType] < event.Version {
		self.appliedVersions[event.EntityType] = event.Version
	}
	self.stateLock.Unlock()
}

// once no local mutation is pending for the key, apply buffered events in
// delivery order
func (self *FeedConsumer) release(entityKey EntityKey) {
	self.stateLock.Lock()
	events := self.buffered[entityKey]
	delete(self.buffered, entityKey)
	self.stateLock.Unlock()

	for _, event := range events {
		self.apply(event)
	}
}

func (self *FeedConsumer) resumeFrom() map[string]EntityVersion {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	resumeFrom := map[string]EntityVersion{}
	maps.Copy(resumeFrom, self.appliedVersions)
	return resumeFrom
}

// the remote store is the source of truth for what changed while this
// replica was gone. pull everything since the last applied versions and
// run it through the normal merge path
func (self *FeedConsumer) resync() {
	for _, entityType := range self.entityTypes {
		self.stateLock.Lock()
		sinceVersion := self.appliedVersions[entityType]
		self.stateLock.Unlock()

		requestCtx, requestCancel := context.WithTimeout(self.ctx, defaultHttpTimeout)
		events, err := self.remote.SyncSince(requestCtx, entityType, sinceVersion)
		requestCancel()
		if err != nil {
			glog.Infof("[rmc]resync error %s = %s\n", entityType, err)
			continue
		}
		glog.Infof("[rmc]resync %s since=%d events=%d\n", entityType, sinceVersion, len(events))
		for _, event := range events {
			self.handleEvent(event)
		}
	}
}

func (self *FeedConsumer) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, bool, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.feedUrl, nil)
			if err != nil {
				return nil, false, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			subscribeBytes, err := json.Marshal(&feedSubscribeArgs{
				ByJwt:       self.byJwt,
				EntityTypes: self.entityTypes,
				ResumeFrom:  self.resumeFrom(),
			})
			if err != nil {
				return nil, false, err
			}

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, subscribeBytes); err != nil {
				return nil, false, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return nil, false, err
			}
			subscribeResult := &feedSubscribeResult{}
			if err := json.Unmarshal(message, subscribeResult); err != nil {
				return nil, false, err
			}
			switch subscribeResult.Status {
			case feedSubscribeStatusOk:
				success = true
				return ws, false, nil
			case feedSubscribeStatusResync:
				// resume window expired. fall back to a full resync
				success = true
				return ws, true, nil
			default:
				return nil, false, fmt.Errorf("subscribe error: %s", subscribeResult.Status)
			}
		}

		ws, needsResync, err := connect()
		if err != nil {
			glog.Infof("[rmc]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.notifyConnectivity(true)
		if needsResync {
			self.resync()
		}

		func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			// ping
			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
					}
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
						// note that for websocket a deadline timeout cannot be recovered
						return
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				_, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[rmc]read error = %s\n", err)
					return
				}
				if len(message) == 0 {
					// ping
					glog.V(2).Infof("[rmc]ping\n")
					continue
				}

				event := &FeedEvent{}
				if err := json.Unmarshal(message, event); err != nil {
					glog.Infof("[rmc]bad event = %s\n", err)
					continue
				}
				glog.V(2).Infof("[rmc]event %s v%d\n", event.EntityKey(), event.Version)
				self.handleEvent(event)
			}
		}()

		self.notifyConnectivity(false)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *FeedConsumer) Close() {
	self.unsubPending()
	self.cancel()
}
