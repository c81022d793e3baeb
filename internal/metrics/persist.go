package metrics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/paths"
)

// DBFileName is the metrics store inside the data directory.
const DBFileName = "metrics.db"

const (
	saveInterval = 5 * time.Minute
	pruneMaxAge  = 30 * 24 * time.Hour
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS metrics (
	key        TEXT NOT NULL,
	kind       TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (key, kind)
)`

const (
	kindCounter = "counter"
	kindTiming  = "timing"
	kindOutcome = "outcome"
)

// Open attaches the sqlite store at path, loads what it holds and saves
// periodically until Close. Gauges are live values and are not persisted.
func (m *Manager) Open(path string) error {
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("metrics: open %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return fmt.Errorf("metrics: create schema: %w", err)
	}

	if pruned, err := prune(db); err != nil {
		L_warn("metrics: prune failed", "error", err)
	} else if pruned > 0 {
		L_debug("metrics: pruned stale entries", "count", pruned)
	}

	m.mu.Lock()
	m.db = db
	m.mu.Unlock()

	loaded, err := m.load()
	if err != nil {
		L_warn("metrics: failed to load persisted data", "error", err)
	} else if loaded > 0 {
		L_debug("metrics: loaded persisted data", "count", loaded)
	}

	m.stopSave = make(chan struct{})
	m.saveDone = make(chan struct{})
	go m.saveLoop()
	return nil
}

func (m *Manager) saveLoop() {
	defer close(m.saveDone)
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Save(); err != nil {
				L_warn("metrics: periodic save failed", "error", err)
			}
		case <-m.stopSave:
			return
		}
	}
}

// Close performs a final save and detaches the store. A no-op if Open was
// never called.
func (m *Manager) Close() error {
	if m.stopSave != nil {
		close(m.stopSave)
		<-m.saveDone
		m.stopSave = nil
	}

	if err := m.Save(); err != nil {
		L_warn("metrics: final save failed", "error", err)
	}

	m.mu.Lock()
	db := m.db
	m.db = nil
	m.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// Save writes counters, timings and outcomes in one transaction.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO metrics (key, kind, data, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	put := func(k, kind string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = stmt.Exec(k, kind, data, now)
		return err
	}

	for k, v := range m.counters {
		if err := put(k, kindCounter, v); err != nil {
			return err
		}
	}
	for k, t := range m.timings {
		if err := put(k, kindTiming, t); err != nil {
			return err
		}
	}
	for k, o := range m.outcomes {
		if err := put(k, kindOutcome, o); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) load() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(`SELECT key, kind, data FROM metrics`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var k, kind string
		var data []byte
		if err := rows.Scan(&k, &kind, &data); err != nil {
			return n, err
		}
		switch kind {
		case kindCounter:
			var v int64
			if json.Unmarshal(data, &v) == nil {
				m.counters[k] += v
				n++
			}
		case kindTiming:
			var t timing
			if json.Unmarshal(data, &t) == nil {
				m.timings[k] = &t
				n++
			}
		case kindOutcome:
			var o outcome
			if json.Unmarshal(data, &o) == nil {
				m.outcomes[k] = &o
				n++
			}
		}
	}
	return n, rows.Err()
}

func prune(db *sql.DB) (int64, error) {
	cutoff := time.Now().Add(-pruneMaxAge).Unix()
	res, err := db.Exec(`DELETE FROM metrics WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DefaultDBPath resolves ~/.wabridge/metrics.db.
func DefaultDBPath() (string, error) {
	return paths.DataPath(DBFileName)
}
