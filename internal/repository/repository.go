package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	d "github.com/gocart/checkout/domain"
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

type Repository struct {
	db *sql.DB
}

type RepoInterface interface {
	Close() error
	RunMigrations(*Credentials) error

	GetSessionByIdempotencyKey(ctx context.Context, key string) (*CheckoutSession, error)
	GetSessionByID(ctx context.Context, id string) (*CheckoutSession, error)
	CreateCheckoutSession(ctx context.Context, session *CheckoutSession) error
	UpdateCheckoutSessionStatus(ctx context.Context, id string, expected, status d.CheckoutStatus) error
	SetReservation(ctx context.Context, id string, expected, status d.CheckoutStatus, reservationID string) error
	SetPayment(ctx context.Context, id string, expected, status d.CheckoutStatus, paymentRef string) error
	SetOrder(ctx context.Context, id string, expected, status d.CheckoutStatus, orderID string) error
	MarkCompensating(ctx context.Context, id string, expected d.CheckoutStatus, lastError string) error
	FailCheckoutSession(ctx context.Context, id string, expected d.CheckoutStatus, lastError string) error
	CompleteCheckoutSession(ctx context.Context, id string, expected d.CheckoutStatus, payload []byte) error
	GetStuckSessions(ctx context.Context, idleFor time.Duration) ([]*CheckoutSession, error)

	CreateOrderIfAbsent(ctx context.Context, order *d.Order) (*d.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status d.OrderStatus) error
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*d.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*d.Order, error)

	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

func NewRepository(cred *Credentials) (*Repository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "checkout_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

// DB exposes the underlying handle so the stock ledger can share the
// database and its migration set.
func (r *Repository) DB() *sql.DB {
	return r.db
}

func (r *Repository) Close() error {
	return r.db.Close()
}
