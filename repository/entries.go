package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/uptrace/bun"
)

// Scopes used by the client. Durable credentials and session snapshots live
// in separate scopes of the same table.
const (
	ScopeCredentials = "credentials"
	ScopeSnapshots   = "snapshots"
)

// StorageEntryModel is the Bun model for client side key/value storage.
type StorageEntryModel struct {
	bun.BaseModel `bun:"table:client_storage"`

	Scope     string    `bun:"scope,pk"`
	Key       string    `bun:"entry_key,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

var _ authclient.Channel = (*EntryStore)(nil)

// EntryStore implements authclient.Channel on top of a Bun database.
type EntryStore struct {
	db    bun.IDB
	scope string
	now   func() time.Time
}

// NewEntryStore returns a channel over the entries of scope.
func NewEntryStore(db bun.IDB, scope string) *EntryStore {
	return &EntryStore{db: db, scope: scope, now: time.Now}
}

// Scope returns the scope the store reads and writes
func (r *EntryStore) Scope() string {
	return r.scope
}

// Get implements authclient.Channel.
func (r *EntryStore) Get(ctx context.Context, key string) (string, bool, error) {
	var model StorageEntryModel
	err := r.db.NewSelect().
		Model(&model).
		Where("scope = ? AND entry_key = ?", r.scope, key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return model.Value, true, nil
}

// Set implements authclient.Channel.
func (r *EntryStore) Set(ctx context.Context, key, value string) error {
	model := &StorageEntryModel{
		Scope:     r.scope,
		Key:       key,
		Value:     value,
		UpdatedAt: r.now().UTC(),
	}

	_, err := r.db.NewInsert().
		Model(model).
		On("CONFLICT (scope, entry_key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// Delete implements authclient.Channel. Deleting a missing key is not an error.
func (r *EntryStore) Delete(ctx context.Context, key string) error {
	_, err := r.db.NewDelete().
		Model((*StorageEntryModel)(nil)).
		Where("scope = ? AND entry_key = ?", r.scope, key).
		Exec(ctx)
	return err
}

// List returns the entries of the scope ordered by key.
func (r *EntryStore) List(ctx context.Context) ([]StorageEntryModel, error) {
	var models []StorageEntryModel
	err := r.db.NewSelect().
		Model(&models).
		Where("scope = ?", r.scope).
		OrderExpr("entry_key ASC").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []StorageEntryModel{}, nil
		}
		return nil, err
	}
	return models, nil
}

// Purge removes every entry of the scope.
func (r *EntryStore) Purge(ctx context.Context) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*StorageEntryModel)(nil)).
		Where("scope = ?", r.scope).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
