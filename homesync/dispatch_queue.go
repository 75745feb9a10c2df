package homesync

import (
	"container/heap"
	"sync"
	"time"
)

type dispatchItem struct {
	mutationId  Id
	entityKey   EntityKey
	nextRetryAt time.Time

	// the index of the item in the heap
	heapIndex int
}

// ordered by nextRetryAt
type dispatchQueue struct {
	orderedItems []*dispatchItem
	// mutation_id -> item
	mutationIdItems map[Id]*dispatchItem
	stateLock       sync.Mutex
}

func newDispatchQueue() *dispatchQueue {
	dispatchQueue := &dispatchQueue{
		orderedItems:    []*dispatchItem{},
		mutationIdItems: map[Id]*dispatchItem{},
	}
	heap.Init(dispatchQueue)
	return dispatchQueue
}

func (self *dispatchQueue) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *dispatchQueue) Add(item *dispatchItem) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if existingItem, ok := self.mutationIdItems[item.mutationId]; ok {
		existingItem.nextRetryAt = item.nextRetryAt
		heap.Fix(self, existingItem.heapIndex)
		return
	}
	self.mutationIdItems[item.mutationId] = item
	heap.Push(self, item)
}

func (self *dispatchQueue) RemoveByMutationId(mutationId Id) *dispatchItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.mutationIdItems[mutationId]
	if !ok {
		return nil
	}
	delete(self.mutationIdItems, mutationId)
	heap.Remove(self, item.heapIndex)
	return item
}

// removes and returns all items due at or before `now`
func (self *dispatchQueue) RemoveDue(now time.Time) []*dispatchItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	due := []*dispatchItem{}
	for 0 < len(self.orderedItems) && !self.orderedItems[0].nextRetryAt.After(now) {
		item := heap.Remove(self, 0).(*dispatchItem)
		delete(self.mutationIdItems, item.mutationId)
		due = append(due, item)
	}
	return due
}

func (self *dispatchQueue) PeekFirst() *dispatchItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

// `heap.Interface`

func (self *dispatchQueue) Push(x any) {
	item := x.(*dispatchItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *dispatchQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// `sort.Interface`

func (self *dispatchQueue) Len() int {
	return len(self.orderedItems)
}

func (self *dispatchQueue) Less(i int, j int) bool {
	return self.orderedItems[i].nextRetryAt.Before(self.orderedItems[j].nextRetryAt)
}

func (self *dispatchQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
