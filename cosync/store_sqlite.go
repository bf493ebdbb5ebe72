package cosync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteChangeStore is a durable ChangeStore. Unlike the in-memory
// reference it assigns each change an explicit version column and range
// queries by value, so the contract survives later compaction.
type SqliteChangeStore struct {
	db *sql.DB

	// sqlite allows one writer; serializing here turns busy errors into waits
	writeLock sync.Mutex
}

func NewSqliteChangeStore(path string) (*SqliteChangeStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS changes (
			user_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			change_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			db_version TEXT NOT NULL,
			payload BLOB,
			PRIMARY KEY (user_id, version)
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteChangeStore{db: db}, nil
}

func (self *SqliteChangeStore) Close() error {
	return self.db.Close()
}

func (self *SqliteChangeStore) StoreChanges(ctx context.Context, userId string, changes []Change) (Version, error) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(version), 0) FROM changes WHERE user_id = ?`,
		userId,
	).Scan(&current)
	if err != nil {
		return Version{}, err
	}

	for i, change := range changes {
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO changes (user_id, version, change_id, site_id, db_version, payload)
				VALUES (?, ?, ?, ?, ?, ?)`,
			userId,
			current+int64(i)+1,
			change.ChangeId.String(),
			change.SiteId,
			change.DbVersion.String(),
			[]byte(change.Payload),
		)
		if err != nil {
			return Version{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Version{}, err
	}
	return NewVersion(current + int64(len(changes))), nil
}

func (self *SqliteChangeStore) ChangesSince(ctx context.Context, userId string, since Version) ([]Change, Version, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT version, change_id, site_id, db_version, payload FROM changes
			WHERE user_id = ? AND version > ? ORDER BY version`,
		userId,
		since.Int64(),
	)
	if err != nil {
		return nil, Version{}, err
	}
	defer rows.Close()

	changes := []Change{}
	maxVersion := int64(0)
	for rows.Next() {
		var version int64
		var changeIdStr string
		var siteId string
		var dbVersionStr string
		var payload []byte
		if err := rows.Scan(&version, &changeIdStr, &siteId, &dbVersionStr, &payload); err != nil {
			return nil, Version{}, err
		}
		changeId, err := ParseId(changeIdStr)
		if err != nil {
			return nil, Version{}, fmt.Errorf("corrupt change id %q: %w", changeIdStr, err)
		}
		dbVersion, err := ParseVersion(dbVersionStr)
		if err != nil {
			return nil, Version{}, fmt.Errorf("corrupt db version %q: %w", dbVersionStr, err)
		}
		changes = append(changes, Change{
			ChangeId:  changeId,
			SiteId:    siteId,
			DbVersion: dbVersion,
			Version:   NewVersion(version),
			Payload:   json.RawMessage(payload),
		})
		maxVersion = version
	}
	if err := rows.Err(); err != nil {
		return nil, Version{}, err
	}

	currentVersion, err := self.CurrentVersion(ctx, userId)
	if err != nil {
		return nil, Version{}, err
	}
	if currentVersion.Int64() < maxVersion {
		currentVersion = NewVersion(maxVersion)
	}
	return changes, currentVersion, nil
}

func (self *SqliteChangeStore) CurrentVersion(ctx context.Context, userId string) (Version, error) {
	var current int64
	err := self.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(version), 0) FROM changes WHERE user_id = ?`,
		userId,
	).Scan(&current)
	if err != nil {
		return Version{}, err
	}
	return NewVersion(current), nil
}
