package cosync

import (
	"sync"

	"golang.org/x/exp/slices"
)

type callbackEntry[T any] struct {
	handle   int
	callback T
}

// CallbackList is a listener registry. Makes a copy of the list on
// update, so iteration never holds the lock. Function values are not
// comparable, so Add returns the remove function for its entry.
type CallbackList[T any] struct {
	stateLock sync.Mutex

	nextHandle int
	entries    []callbackEntry[T]
}

// in registration order
func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextHandle += 1
	handle := self.nextHandle
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		handle:   handle,
		callback: callback,
	})
	self.entries = nextEntries

	return func() {
		self.remove(handle)
	}
}

func (self *CallbackList[T]) remove(handle int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackEntry[T]) bool {
		return entry.handle == handle
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}
