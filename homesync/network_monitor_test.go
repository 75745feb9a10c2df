package homesync

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestNetworkMonitorTransitions(t *testing.T) {
	monitor := NewNetworkMonitor(&NetworkMonitorSettings{
		DebounceInterval: 0,
	})

	var stateLock sync.Mutex
	transitions := []NetworkStatus{}
	unsub := monitor.AddStatusCallback(func(status NetworkStatus) {
		stateLock.Lock()
		defer stateLock.Unlock()
		transitions = append(transitions, status)
	})
	defer unsub()

	assert.Equal(t, monitor.Status(), NetworkStatusOffline)

	// setting the current status again notifies no one
	monitor.SetStatus(NetworkStatusOffline)

	monitor.SetStatus(NetworkStatusOnline)
	assert.Equal(t, monitor.Status(), NetworkStatusOnline)
	monitor.SetStatus(NetworkStatusOnline)
	monitor.SetStatus(NetworkStatusOffline)
	assert.Equal(t, monitor.Status(), NetworkStatusOffline)

	stateLock.Lock()
	assert.Equal(t, transitions, []NetworkStatus{
		NetworkStatusOnline,
		NetworkStatusOffline,
	})
	stateLock.Unlock()
}

func TestNetworkMonitorDebounce(t *testing.T) {
	debounceInterval := 50 * time.Millisecond
	monitor := NewNetworkMonitor(&NetworkMonitorSettings{
		DebounceInterval: debounceInterval,
	})

	var stateLock sync.Mutex
	transitions := []NetworkStatus{}
	unsub := monitor.AddStatusCallback(func(status NetworkStatus) {
		stateLock.Lock()
		defer stateLock.Unlock()
		transitions = append(transitions, status)
	})
	defer unsub()

	monitor.SetStatus(NetworkStatusOnline)
	assert.Equal(t, monitor.Status(), NetworkStatusOnline)

	// a flap inside the debounce interval is coalesced away
	monitor.SetStatus(NetworkStatusOffline)
	monitor.SetStatus(NetworkStatusOnline)
	assert.Equal(t, monitor.Status(), NetworkStatusOnline)

	time.Sleep(2 * debounceInterval)
	assert.Equal(t, monitor.Status(), NetworkStatusOnline)

	stateLock.Lock()
	assert.Equal(t, transitions, []NetworkStatus{NetworkStatusOnline})
	stateLock.Unlock()

	// a flap that settles on the other side commits once the interval passes
	monitor.SetStatus(NetworkStatusOffline)
	waitFor(t, time.Second, func() bool {
		return monitor.Status() == NetworkStatusOffline
	})

	stateLock.Lock()
	assert.Equal(t, transitions, []NetworkStatus{
		NetworkStatusOnline,
		NetworkStatusOffline,
	})
	stateLock.Unlock()
}
