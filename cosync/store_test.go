package cosync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testChange(op string) Change {
	return Change{
		ChangeId:  NewId(),
		SiteId:    "00112233445566778899aabbccddeeff",
		DbVersion: NewVersion(1),
		Payload:   json.RawMessage(fmt.Sprintf(`{"op":%q}`, op)),
	}
}

func testChangeStore(t *testing.T, store ChangeStore) {
	ctx := context.Background()

	version, err := store.CurrentVersion(ctx, "user-a")
	assert.Equal(t, err, nil)
	assert.Equal(t, version.IsZero(), true)

	// version advances by exactly len(changes)
	version, err = store.StoreChanges(ctx, "user-a", []Change{testChange("a"), testChange("b")})
	assert.Equal(t, err, nil)
	assert.Equal(t, version.String(), "2")

	version, err = store.StoreChanges(ctx, "user-a", []Change{testChange("c")})
	assert.Equal(t, err, nil)
	assert.Equal(t, version.String(), "3")

	// a gap-free suffix in storage order, with explicit versions
	changes, currentVersion, err := store.ChangesSince(ctx, "user-a", NewVersion(0))
	assert.Equal(t, err, nil)
	assert.Equal(t, currentVersion.String(), "3")
	assert.Equal(t, len(changes), 3)
	for i, change := range changes {
		assert.Equal(t, change.Version.String(), fmt.Sprintf("%d", i+1))
	}

	changes, currentVersion, err = store.ChangesSince(ctx, "user-a", NewVersion(2))
	assert.Equal(t, err, nil)
	assert.Equal(t, currentVersion.String(), "3")
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].Version.String(), "3")

	// a cursor at or past the head returns nothing
	changes, currentVersion, err = store.ChangesSince(ctx, "user-a", NewVersion(3))
	assert.Equal(t, err, nil)
	assert.Equal(t, currentVersion.String(), "3")
	assert.Equal(t, len(changes), 0)

	// users never share a version sequence
	version, err = store.CurrentVersion(ctx, "user-b")
	assert.Equal(t, err, nil)
	assert.Equal(t, version.IsZero(), true)

	version, err = store.StoreChanges(ctx, "user-b", []Change{testChange("d")})
	assert.Equal(t, err, nil)
	assert.Equal(t, version.String(), "1")

	version, err = store.CurrentVersion(ctx, "user-a")
	assert.Equal(t, err, nil)
	assert.Equal(t, version.String(), "3")
}

func TestMemoryChangeStore(t *testing.T) {
	testChangeStore(t, NewMemoryChangeStore())
}

func TestSqliteChangeStore(t *testing.T) {
	store, err := NewSqliteChangeStore(filepath.Join(t.TempDir(), "changes.db"))
	assert.Equal(t, err, nil)
	defer store.Close()

	testChangeStore(t, store)
}

func testChangeStoreConcurrency(t *testing.T, store ChangeStore) {
	ctx := context.Background()

	parallel := 8
	batches := 16

	wg := sync.WaitGroup{}
	for p := 0; p < parallel; p += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := 0; b < batches; b += 1 {
				_, err := store.StoreChanges(ctx, "user-a", []Change{testChange("x"), testChange("y")})
				assert.Equal(t, err, nil)
			}
		}()
	}
	wg.Wait()

	// concurrent appends for the same user serialize with no lost versions
	changes, currentVersion, err := store.ChangesSince(ctx, "user-a", NewVersion(0))
	assert.Equal(t, err, nil)
	assert.Equal(t, currentVersion.Int64(), int64(parallel*batches*2))
	assert.Equal(t, len(changes), parallel*batches*2)
	for i, change := range changes {
		assert.Equal(t, change.Version.Int64(), int64(i+1))
	}
}

func TestMemoryChangeStoreConcurrency(t *testing.T) {
	testChangeStoreConcurrency(t, NewMemoryChangeStore())
}

func TestSqliteChangeStoreConcurrency(t *testing.T) {
	store, err := NewSqliteChangeStore(filepath.Join(t.TempDir(), "changes.db"))
	assert.Equal(t, err, nil)
	defer store.Close()

	testChangeStoreConcurrency(t, store)
}
