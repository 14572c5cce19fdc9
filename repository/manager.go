package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/uptrace/bun"
)

// Manager hands out the stores backed by a single database.
type Manager struct {
	db          *bun.DB
	credentials *EntryStore
	snapshots   *EntryStore
}

// NewManager returns a manager over db
func NewManager(db *bun.DB) *Manager {
	return &Manager{
		db:          db,
		credentials: NewEntryStore(db, ScopeCredentials),
		snapshots:   NewEntryStore(db, ScopeSnapshots),
	}
}

func (m *Manager) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}

	if m.credentials == nil {
		return errors.New("repository credentials should be initialized")
	}

	if m.snapshots == nil {
		return errors.New("repository snapshots should be initialized")
	}

	return nil
}

func (m *Manager) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

// EnsureSchema creates the storage table when missing.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	_, err := m.db.NewCreateTable().
		Model((*StorageEntryModel)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

func (m *Manager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

// Credentials is the durable credential channel
func (m *Manager) Credentials() *EntryStore {
	return m.credentials
}

// Snapshots is the session snapshot store
func (m *Manager) Snapshots() *EntryStore {
	return m.snapshots
}

// PurgeAll removes every stored entry in a single transaction.
func (m *Manager) PurgeAll(ctx context.Context) error {
	return m.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, scope := range []string{ScopeCredentials, ScopeSnapshots} {
			if _, err := NewEntryStore(tx, scope).Purge(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
