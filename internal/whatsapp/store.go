// Package whatsapp is the whatsmeow-backed implementation of the adapter
// contract: device store, client lifecycle, event translation and sends.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/paths"
)

// DBFileName is the device store inside the data directory.
const DBFileName = "whatsapp.db"

// DefaultDBPath resolves ~/.wabridge/whatsapp.db.
func DefaultDBPath() (string, error) {
	p, err := paths.DataPath(DBFileName)
	if err != nil {
		return "", fmt.Errorf("failed to resolve db path: %w", err)
	}
	return p, nil
}

// Store holds the linked-device credentials. It is opened once per process
// and shared by every connection attempt.
type Store struct {
	path      string
	db        *sql.DB
	container *sqlstore.Container
}

// OpenStore opens (creating if needed) the sqlite device store at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", newLogger("store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade device store: %w", err)
	}

	L_debug("whatsapp: device store opened", "path", path)
	return &Store{path: path, db: db, container: container}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path is the store's file location.
func (s *Store) Path() string {
	return s.path
}

// Device returns the linked device, or a fresh unpaired one.
func (s *Store) Device(ctx context.Context) (*store.Device, error) {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device == nil {
		L_info("whatsapp: no linked device, pairing will be required")
		device = s.container.NewDevice()
	}
	return device, nil
}

// Devices lists every stored device.
func (s *Store) Devices(ctx context.Context) ([]*store.Device, error) {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

var osInfoOnce sync.Once

// Factory returns an adapter.Factory that builds a new client per attempt
// on top of this store.
func (s *Store) Factory(opts ClientOptions) adapter.Factory {
	osInfoOnce.Do(func() {
		if opts.DisplayName != "" {
			store.SetOSInfo(opts.DisplayName, [3]uint32{1, 0, 0})
		}
	})

	return func(emit func(adapter.Event)) (adapter.Client, error) {
		device, err := s.Device(context.Background())
		if err != nil {
			return nil, err
		}
		return NewClient(device, emit, opts), nil
	}
}
