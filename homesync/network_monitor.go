package homesync

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type NetworkStatus string

const (
	NetworkStatusOnline  NetworkStatus = "Online"
	NetworkStatusOffline NetworkStatus = "Offline"
)

type NetworkStatusFunction = func(status NetworkStatus)

type NetworkMonitorSettings struct {
	// transitions faster than this are coalesced
	DebounceInterval time.Duration
}

func DefaultNetworkMonitorSettings() *NetworkMonitorSettings {
	return &NetworkMonitorSettings{
		DebounceInterval: 2 * time.Second,
	}
}

// observes connectivity transitions and notifies subscribers.
// how connectivity is detected (probe, os signal, http failure heuristics)
// is an external concern fed in via `SetStatus`.
// the first transition to Online after any Offline period notifies
// subscribers exactly once.
type NetworkMonitor struct {
	settings *NetworkMonitorSettings

	stateLock          sync.Mutex
	status             NetworkStatus
	desiredStatus      NetworkStatus
	lastTransitionTime time.Time
	pendingCommit      *time.Timer

	statusCallbacks *CallbackList[NetworkStatusFunction]
}

func NewNetworkMonitorWithDefaults() *NetworkMonitor {
	return NewNetworkMonitor(DefaultNetworkMonitorSettings())
}

func NewNetworkMonitor(settings *NetworkMonitorSettings) *NetworkMonitor {
	return &NetworkMonitor{
		settings:        settings,
		status:          NetworkStatusOffline,
		desiredStatus:   NetworkStatusOffline,
		statusCallbacks: NewCallbackList[NetworkStatusFunction](),
	}
}

func (self *NetworkMonitor) Status() NetworkStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

// returns an unsub function
func (self *NetworkMonitor) AddStatusCallback(statusCallback NetworkStatusFunction) func() {
	return self.statusCallbacks.Add(statusCallback)
}

// external detector input
func (self *NetworkMonitor) SetStatus(status NetworkStatus) {
	self.stateLock.Lock()

	self.desiredStatus = status
	if self.status == status {
		// a flap back to the committed status cancels any scheduled commit
		if self.pendingCommit != nil {
			self.pendingCommit.Stop()
			self.pendingCommit = nil
		}
		self.stateLock.Unlock()
		return
	}

	sinceTransition := time.Since(self.lastTransitionTime)
	if sinceTransition < self.settings.DebounceInterval {
		// too fast. commit the latest desired status once the interval passes
		if self.pendingCommit == nil {
			self.pendingCommit = time.AfterFunc(
				self.settings.DebounceInterval-sinceTransition,
				self.commitDesired,
			)
		}
		self.stateLock.Unlock()
		return
	}

	self.commitLocked(status)
}

// called with the state lock held. unlocks before notifying.
func (self *NetworkMonitor) commitLocked(status NetworkStatus) {
	self.status = status
	self.lastTransitionTime = time.Now()
	if self.pendingCommit != nil {
		self.pendingCommit.Stop()
		self.pendingCommit = nil
	}
	self.stateLock.Unlock()

	glog.Infof("[nm]%s\n", status)
	for _, statusCallback := range self.statusCallbacks.Get() {
		HandleError(func() {
			statusCallback(status)
		})
	}
}

func (self *NetworkMonitor) commitDesired() {
	self.stateLock.Lock()
	self.pendingCommit = nil
	if self.desiredStatus == self.status {
		self.stateLock.Unlock()
		return
	}
	self.commitLocked(self.desiredStatus)
}
