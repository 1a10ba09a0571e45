// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package storepg implements channelsync.LocalStore on Postgres via pgx.
// The transaction unit is a single pgx transaction; rollback on any step
// guarantees the all-or-nothing contract of the apply engine.
package storepg

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/retailbridge/channelsync/channelsync"
)

// Store implements channelsync.LocalStore on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New initializes the schema and returns a store. It does not take ownership
// of the pool; the caller manages pool lifecycle.
func New(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize local store schema: %w", err)
	}
	return s, nil
}

// initializeSchema creates the required tables if they don't exist.
func (s *Store) initializeSchema(ctx context.Context) error {
	migrations := []string{
		`CREATE SCHEMA IF NOT EXISTS chansync`,

		`CREATE TABLE IF NOT EXISTS chansync.orders (
			local_id           BIGSERIAL PRIMARY KEY,
			external_ref       TEXT UNIQUE,
			status             TEXT NOT NULL DEFAULT 'open',
			channel_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS chansync.order_lines (
			local_line_id BIGSERIAL PRIMARY KEY,
			order_id      BIGINT NOT NULL REFERENCES chansync.orders(local_id),
			sku           TEXT NOT NULL,
			quantity      INT NOT NULL CHECK (quantity >= 0),
			price         NUMERIC(12,2) NOT NULL,
			synthetic     BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE INDEX IF NOT EXISTS order_lines_order_id_idx
			ON chansync.order_lines(order_id)`,

		`CREATE TABLE IF NOT EXISTS chansync.products (
			sku        TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS chansync.inventory_levels (
			sku        TEXT PRIMARY KEY,
			available  INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, migration := range migrations {
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
		s.logger.Debug("Local store schema initialized")
		return nil
	})
}

// WithTx implements channelsync.LocalStore.
func (s *Store) WithTx(ctx context.Context, fn func(tx channelsync.StoreTx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		// Bound lock waits so a stuck row cannot stall the whole page.
		_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")
		return fn(&pgTx{tx: tx})
	})
}

// BatchExists implements channelsync.LocalStore with one batched query.
// Duplicate external refs predating the unique safeguard are tolerated
// read-only: the lowest local_id wins.
func (s *Store) BatchExists(ctx context.Context, externalRefs []string) (map[string]channelsync.Existing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (external_ref)
			external_ref, local_id, status, channel_updated_at,
			COUNT(*) OVER (PARTITION BY external_ref) AS ref_rows
		FROM chansync.orders
		WHERE external_ref = ANY(@refs)
		ORDER BY external_ref, local_id`,
		pgx.NamedArgs{"refs": externalRefs})
	if err != nil {
		return nil, fmt.Errorf("batch exists query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]channelsync.Existing, len(externalRefs))
	for rows.Next() {
		var ref string
		var refRows int64
		var ex channelsync.Existing
		if err := rows.Scan(&ref, &ex.LocalID, &ex.Status, &ex.ChannelUpdatedAt, &refRows); err != nil {
			return nil, fmt.Errorf("scan batch exists row: %w", err)
		}
		if refRows > 1 {
			s.logger.Warn("Duplicate external_ref rows in local store, using lowest local_id",
				"external_ref", ref, "local_id", ex.LocalID, "rows", refRows)
		}
		out[ref] = ex
	}
	return out, rows.Err()
}

// GetOrder implements channelsync.LocalStore.
func (s *Store) GetOrder(ctx context.Context, localID int64) (*channelsync.LocalOrder, error) {
	return getOrder(ctx, s.pool, localID)
}

// ListInventoryLevels implements channelsync.LocalStore.
func (s *Store) ListInventoryLevels(ctx context.Context, skus []string) ([]channelsync.InventoryLevel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sku, available, updated_at
		FROM chansync.inventory_levels
		WHERE sku = ANY(@skus)`,
		pgx.NamedArgs{"skus": skus})
	if err != nil {
		return nil, fmt.Errorf("list inventory levels: %w", err)
	}
	defer rows.Close()

	var out []channelsync.InventoryLevel
	for rows.Next() {
		var lv channelsync.InventoryLevel
		if err := rows.Scan(&lv.SKU, &lv.Available, &lv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory level: %w", err)
		}
		out = append(out, lv)
	}
	return out, rows.Err()
}

// ResolveSKUs implements channelsync.CatalogResolver against the local
// product catalog. SKUs absent from the map are unknown.
func (s *Store) ResolveSKUs(ctx context.Context, skus []string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sku FROM chansync.products WHERE sku = ANY(@skus)`,
		pgx.NamedArgs{"skus": skus})
	if err != nil {
		return nil, fmt.Errorf("resolve skus: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(skus))
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return nil, fmt.Errorf("scan sku: %w", err)
		}
		out[sku] = true
	}
	return out, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getOrder(ctx context.Context, q querier, localID int64) (*channelsync.LocalOrder, error) {
	var o channelsync.LocalOrder
	err := q.QueryRow(ctx, `
		SELECT local_id, external_ref, status, channel_updated_at
		FROM chansync.orders WHERE local_id = @local_id`,
		pgx.NamedArgs{"local_id": localID}).
		Scan(&o.Header.LocalID, &o.Header.ExternalRef, &o.Header.Status, &o.Header.ChannelUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", localID, err)
	}

	rows, err := q.Query(ctx, `
		SELECT local_line_id, sku, quantity, price, synthetic
		FROM chansync.order_lines
		WHERE order_id = @order_id
		ORDER BY local_line_id`,
		pgx.NamedArgs{"order_id": localID})
	if err != nil {
		return nil, fmt.Errorf("load order %d lines: %w", localID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ln channelsync.OrderLine
		var price decimal.Decimal
		if err := rows.Scan(&ln.LocalLineID, &ln.SKU, &ln.Quantity, &price, &ln.Synthetic); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		ln.Price = price
		o.Lines = append(o.Lines, ln)
	}
	return &o, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOrder(ctx context.Context, localID int64) (*channelsync.LocalOrder, error) {
	return getOrder(ctx, t.tx, localID)
}

func (t *pgTx) UpsertHeader(ctx context.Context, hdr channelsync.OrderHeader, changes map[string]any) (int64, error) {
	if hdr.LocalID == 0 {
		var localID int64
		err := t.tx.QueryRow(ctx, `
			INSERT INTO chansync.orders (external_ref, status, channel_updated_at)
			VALUES (@external_ref, @status, @channel_updated_at)
			RETURNING local_id`,
			pgx.NamedArgs{
				"external_ref":       hdr.ExternalRef,
				"status":             hdr.Status,
				"channel_updated_at": hdr.ChannelUpdatedAt,
			}).Scan(&localID)
		if err != nil {
			return 0, fmt.Errorf("insert header: %w", err)
		}
		return localID, nil
	}

	status, hasStatus := changes["status"].(string)
	_, err := t.tx.Exec(ctx, `
		UPDATE chansync.orders
		SET status = CASE WHEN @has_status THEN @status ELSE status END,
		    channel_updated_at = @channel_updated_at,
		    updated_at = now()
		WHERE local_id = @local_id`,
		pgx.NamedArgs{
			"local_id":           hdr.LocalID,
			"has_status":         hasStatus,
			"status":             status,
			"channel_updated_at": hdr.ChannelUpdatedAt,
		})
	if err != nil {
		return 0, fmt.Errorf("update header %d: %w", hdr.LocalID, err)
	}
	return hdr.LocalID, nil
}

func (t *pgTx) UpdateLines(ctx context.Context, updates []channelsync.LineUpdate) error {
	for _, u := range updates {
		tag, err := t.tx.Exec(ctx, `
			UPDATE chansync.order_lines
			SET quantity = @quantity, price = @price
			WHERE local_line_id = @local_line_id`,
			pgx.NamedArgs{
				"local_line_id": u.Line.LocalLineID,
				"quantity":      u.Quantity,
				"price":         u.Price,
			})
		if err != nil {
			return fmt.Errorf("update line %d: %w", u.Line.LocalLineID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("line %d vanished mid-transaction", u.Line.LocalLineID)
		}
	}
	return nil
}

func (t *pgTx) InsertLines(ctx context.Context, localID int64, lines []channelsync.LineCreate) error {
	for _, lc := range lines {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO chansync.order_lines (order_id, sku, quantity, price, synthetic)
			VALUES (@order_id, @sku, @quantity, @price, @synthetic)`,
			pgx.NamedArgs{
				"order_id":  localID,
				"sku":       lc.SKU,
				"quantity":  lc.Quantity,
				"price":     lc.Price,
				"synthetic": lc.Synthetic,
			})
		if err != nil {
			return fmt.Errorf("insert line %s: %w", lc.SKU, err)
		}
	}
	return nil
}

func (t *pgTx) DeleteLines(ctx context.Context, lineIDs []int64) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM chansync.order_lines WHERE local_line_id = ANY(@ids)`,
		pgx.NamedArgs{"ids": lineIDs})
	if err != nil {
		return fmt.Errorf("delete lines: %w", err)
	}
	return nil
}
