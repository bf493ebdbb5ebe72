package cosync

import (
	"encoding/hex"
	"encoding/json"
	"sync"
)

// Change is an immutable description of one local mutation, tagged with
// the site that produced it. Before server acceptance it carries only the
// local ordering key (DbVersion); after acceptance it also occupies a
// position in the per-user version sequence (Version). The payload is
// opaque to the sync layer.
type Change struct {
	ChangeId  Id              `json:"changeId"`
	SiteId    string          `json:"siteId"`
	DbVersion Version         `json:"dbVersion"`
	Version   Version         `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ChangeLog is the local data model's view into sync: the collaborator
// that produces outgoing changes and absorbs incoming ones. Apply must be
// idempotent and order-tolerant, since pulls can overlap broadcasts.
type ChangeLog interface {
	// changes produced at this site after `version`, in local order
	ChangesSince(version Version) ([]Change, error)
	// returns the number of changes that were not already present
	ApplyChanges(changes []Change) (int, error)
	SerializeChanges(changes []Change) ([]byte, error)
	DeserializeChanges(data []byte) ([]Change, error)
	DbVersion() Version
	SiteIdHex() string
}

// MemoryChangeLog is the reference ChangeLog. Each recorded or applied
// change advances the local db version by one; applies dedupe by change
// id, and ChangesSince filters to locally-originated changes so that
// applied remote changes are never pushed back out.
type MemoryChangeLog struct {
	stateLock sync.Mutex

	siteIdHex string
	changes   []Change
	changeIds map[Id]bool
	dbVersion Version
}

func NewMemoryChangeLog() *MemoryChangeLog {
	siteId := NewId()
	return &MemoryChangeLog{
		siteIdHex: hex.EncodeToString(siteId.Bytes()),
		changeIds: map[Id]bool{},
	}
}

// Record enters one local mutation into the log and returns the queued change.
func (self *MemoryChangeLog) Record(payload json.RawMessage) Change {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.dbVersion = self.dbVersion.Plus(1)
	change := Change{
		ChangeId:  NewId(),
		SiteId:    self.siteIdHex,
		DbVersion: self.dbVersion,
		Payload:   payload,
	}
	self.changes = append(self.changes, change)
	self.changeIds[change.ChangeId] = true
	return change
}

func (self *MemoryChangeLog) ChangesSince(version Version) ([]Change, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changes := []Change{}
	for _, change := range self.changes {
		if change.SiteId == self.siteIdHex && version.Cmp(change.DbVersion) < 0 {
			changes = append(changes, change)
		}
	}
	return changes, nil
}

func (self *MemoryChangeLog) ApplyChanges(changes []Change) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	applied := 0
	for _, change := range changes {
		if self.changeIds[change.ChangeId] {
			// already present, no-op
			continue
		}
		self.changes = append(self.changes, change)
		self.changeIds[change.ChangeId] = true
		self.dbVersion = self.dbVersion.Plus(1)
		applied += 1
	}
	return applied, nil
}

func (self *MemoryChangeLog) SerializeChanges(changes []Change) ([]byte, error) {
	return json.Marshal(changes)
}

func (self *MemoryChangeLog) DeserializeChanges(data []byte) ([]Change, error) {
	changes := []Change{}
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func (self *MemoryChangeLog) DbVersion() Version {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.dbVersion
}

func (self *MemoryChangeLog) SiteIdHex() string {
	return self.siteIdHex
}

// Len reports the number of entries in the log, remote and local.
func (self *MemoryChangeLog) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.changes)
}
