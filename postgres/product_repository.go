package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/product"
)

// productRow mirrors the products table.
type productRow struct {
	ID                string         `db:"id"`
	SKU               string         `db:"sku"`
	Name              string         `db:"name"`
	Description       string         `db:"description"`
	PriceCents        int64          `db:"price_cents"`
	Status            string         `db:"status"`
	Version           int64          `db:"version"`
	Deleted           bool           `db:"deleted"`
	DeletedBy         string         `db:"deleted_by"`
	DiscontinueReason string         `db:"discontinue_reason"`
	CreatedAt         sql.NullTime   `db:"created_at"`
	UpdatedAt         sql.NullTime   `db:"updated_at"`
}

func (r productRow) toProduct() (*product.Product, error) {
	id, err := spikes.ParseUUID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing product id %q: %w", r.ID, err)
	}
	p := &product.Product{
		ID:                id,
		SKU:               r.SKU,
		Name:              r.Name,
		Description:       r.Description,
		PriceCents:        r.PriceCents,
		Status:            product.Status(r.Status),
		Version:           r.Version,
		Deleted:           r.Deleted,
		DeletedBy:         r.DeletedBy,
		DiscontinueReason: r.DiscontinueReason,
	}
	if r.CreatedAt.Valid {
		p.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		p.UpdatedAt = r.UpdatedAt.Time
	}
	return p, nil
}

const productColumns = `id, sku, name, description, price_cents, status, version,
	deleted, deleted_by, discontinue_reason, created_at, updated_at`

// ProductRepository reads product aggregates from Postgres.
type ProductRepository struct {
	db *sqlx.DB
}

// NewProductRepository returns a ProductRepository over the pool.
func NewProductRepository(db *sqlx.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// Get returns found=false when no row exists.
func (r *ProductRepository) Get(ctx context.Context, id spikes.UUID) (bool, *product.Product, error) {
	var row productRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("selecting product %s: %w", id, err)
	}
	p, err := row.toProduct()
	if err != nil {
		return false, nil, err
	}
	return true, p, nil
}

// GetBySKU returns found=false when no row exists.
func (r *ProductRepository) GetBySKU(ctx context.Context, sku string) (bool, *product.Product, error) {
	var row productRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+productColumns+` FROM products WHERE sku = $1`, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("selecting product by sku %s: %w", sku, err)
	}
	p, err := row.toProduct()
	if err != nil {
		return false, nil, err
	}
	return true, p, nil
}

// List returns non-deleted products, newest first.
func (r *ProductRepository) List(ctx context.Context, limit int) ([]*product.Product, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []productRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+productColumns+` FROM products WHERE deleted = FALSE
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	out := make([]*product.Product, 0, len(rows))
	for _, row := range rows {
		p, err := row.toProduct()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
