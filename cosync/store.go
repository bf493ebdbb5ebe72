package cosync

import (
	"context"
	"sync"
)

// ChangeStore is the server-side per-user append-only change sequence
// plus a monotonic version counter. Concurrent stores for the same user
// serialize; different users never contend.
type ChangeStore interface {
	// atomic append. The version advances by exactly len(changes).
	StoreChanges(ctx context.Context, userId string, changes []Change) (Version, error)
	// everything stored after `since`, in storage order
	ChangesSince(ctx context.Context, userId string, since Version) ([]Change, Version, error)
	CurrentVersion(ctx context.Context, userId string) (Version, error)
}

type userChangeLog struct {
	stateLock sync.Mutex

	changes []Change
	version Version
}

// MemoryChangeStore is the reference ChangeStore: one append-only slice
// and counter per user. Versions are assigned contiguously from 1, which
// lets range queries slice by position.
type MemoryChangeStore struct {
	stateLock sync.Mutex

	userLogs map[string]*userChangeLog
}

func NewMemoryChangeStore() *MemoryChangeStore {
	return &MemoryChangeStore{
		userLogs: map[string]*userChangeLog{},
	}
}

func (self *MemoryChangeStore) userLog(userId string) *userChangeLog {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	userLog, ok := self.userLogs[userId]
	if !ok {
		userLog = &userChangeLog{}
		self.userLogs[userId] = userLog
	}
	return userLog
}

func (self *MemoryChangeStore) StoreChanges(ctx context.Context, userId string, changes []Change) (Version, error) {
	userLog := self.userLog(userId)
	userLog.stateLock.Lock()
	defer userLog.stateLock.Unlock()

	for i, change := range changes {
		change.Version = userLog.version.Plus(i + 1)
		userLog.changes = append(userLog.changes, change)
	}
	userLog.version = userLog.version.Plus(len(changes))
	return userLog.version, nil
}

func (self *MemoryChangeStore) ChangesSince(ctx context.Context, userId string, since Version) ([]Change, Version, error) {
	userLog := self.userLog(userId)
	userLog.stateLock.Lock()
	defer userLog.stateLock.Unlock()

	start := since.Int64()
	if start < 0 {
		start = 0
	}
	if int64(len(userLog.changes)) < start {
		start = int64(len(userLog.changes))
	}
	changes := make([]Change, len(userLog.changes)-int(start))
	copy(changes, userLog.changes[start:])
	return changes, userLog.version, nil
}

func (self *MemoryChangeStore) CurrentVersion(ctx context.Context, userId string) (Version, error) {
	userLog := self.userLog(userId)
	userLog.stateLock.Lock()
	defer userLog.stateLock.Unlock()

	return userLog.version, nil
}
