// Package product resolves the current lifecycle status of a product. The
// engine never reads it directly; callers pass the status into a scan.
package product

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned for an unknown product.
var ErrNotFound = errors.New("product not found")

// Directory looks up a product's lifecycle status.
type Directory interface {
	LifecycleStatus(ctx context.Context, productID string) (string, error)
}

// StaticDirectory is an in-memory Directory for lite mode and tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	statuses map[string]string
}

func NewStaticDirectory(statuses map[string]string) *StaticDirectory {
	d := &StaticDirectory{statuses: make(map[string]string, len(statuses))}
	for id, s := range statuses {
		d.statuses[id] = s
	}
	return d
}

func (d *StaticDirectory) LifecycleStatus(_ context.Context, productID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.statuses[productID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, productID)
	}
	return s, nil
}

// Set records a product's status.
func (d *StaticDirectory) Set(productID, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[productID] = status
}

// SQLDirectory reads statuses from the products table.
type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// Init creates the products table if it does not exist.
func (d *SQLDirectory) Init(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		lifecycle_status TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create products table: %w", err)
	}
	return nil
}

func (d *SQLDirectory) LifecycleStatus(ctx context.Context, productID string) (string, error) {
	var status string
	err := d.db.QueryRowContext(ctx, "SELECT lifecycle_status FROM products WHERE id = $1", productID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, productID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get product status: %w", err)
	}
	return status, nil
}

// SetStatus upserts a product's status.
func (d *SQLDirectory) SetStatus(ctx context.Context, productID, status string) error {
	query := `
		INSERT INTO products (id, lifecycle_status, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			lifecycle_status = EXCLUDED.lifecycle_status,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := d.db.ExecContext(ctx, query, productID, status, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to persist product status: %w", err)
	}
	return nil
}
