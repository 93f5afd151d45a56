package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

var ErrProductNotFound = errors.New("product not found")

type Product struct {
	SKU         string
	Name        string
	Description string
	Price       float64
	CreatedAt   time.Time
}

// Repository is the catalog read model backing cart snapshots. Prices
// returned here are the ones captured into a snapshot.
type Repository struct {
	db *sql.DB
}

type RepoInterface interface {
	GetProduct(ctx context.Context, sku string) (*Product, error)
	GetProducts(ctx context.Context, skus []string) (map[string]*Product, error)
	UpsertProduct(ctx context.Context, p *Product) error
	Close() error
	RunMigrations(string) error
}

func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (r *Repository) GetProduct(ctx context.Context, sku string) (*Product, error) {
	query := `
		SELECT sku, name, description, price, created_at
		FROM products
		WHERE sku = $1
	`

	p := &Product{}
	err := r.db.QueryRowContext(ctx, query, sku).Scan(
		&p.SKU,
		&p.Name,
		&p.Description,
		&p.Price,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query product: %w", err)
	}

	return p, nil
}

func (r *Repository) GetProducts(ctx context.Context, skus []string) (map[string]*Product, error) {
	if len(skus) == 0 {
		return map[string]*Product{}, nil
	}

	placeholders := make([]string, len(skus))
	args := make([]any, len(skus))
	for i, sku := range skus {
		placeholders[i] = "?"
		args[i] = sku
	}

	query := fmt.Sprintf(`
		SELECT sku, name, description, price, created_at
		FROM products
		WHERE sku IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := make(map[string]*Product, len(skus))
	for rows.Next() {
		p := &Product{}
		if err := rows.Scan(&p.SKU, &p.Name, &p.Description, &p.Price, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products[p.SKU] = p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return products, nil
}

func (r *Repository) UpsertProduct(ctx context.Context, p *Product) error {
	query := `
		INSERT INTO products (sku, name, description, price, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (sku) DO UPDATE SET name = excluded.name,
			description = excluded.description, price = excluded.price
	`

	if _, err := r.db.ExecContext(ctx, query, p.SKU, p.Name, p.Description, p.Price); err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
