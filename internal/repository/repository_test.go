package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	d "github.com/gocart/checkout/domain"
)

func setupTestDB(t *testing.T) *Repository {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewRepository(creds)
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(creds))

	t.Cleanup(func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	return repo
}

func newSession(key string) *CheckoutSession {
	return &CheckoutSession{
		ID:             uuid.New().String(),
		UserID:         "user-123",
		IdempotencyKey: key,
		Status:         d.CheckoutStatusInitiated,
		CartSnapshot:   []byte(`{"items":[{"sku":"SKU-A","quantity":2}]}`),
		TotalAmount:    99.99,
		Currency:       "USD",
	}
}

func TestGetSessionByIdempotencyKey_NotFound(t *testing.T) {
	repo := setupTestDB(t)

	_, err := repo.GetSessionByIdempotencyKey(context.Background(), "nonexistent-key")
	assert.ErrorIs(t, err, ErrIdempotencyKeyNotFound)
}

func TestCreateAndGetCheckoutSession(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	session := newSession("idem-key-123")
	require.NoError(t, repo.CreateCheckoutSession(ctx, session))

	got, err := repo.GetSessionByIdempotencyKey(ctx, "idem-key-123")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, d.CheckoutStatusInitiated, got.Status)
	assert.Equal(t, "user-123", got.UserID)
	assert.InDelta(t, 99.99, got.TotalAmount, 0.001)
	assert.JSONEq(t, string(session.CartSnapshot), string(got.CartSnapshot))
	assert.Nil(t, got.ReservationID)
	assert.Nil(t, got.OrderID)
	assert.Nil(t, got.LastError)

	byID, err := repo.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, got.IdempotencyKey, byID.IdempotencyKey)
}

func TestCreateCheckoutSession_DuplicateIdempotencyKey(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateCheckoutSession(ctx, newSession("duplicate-key")))

	err := repo.CreateCheckoutSession(ctx, newSession("duplicate-key"))
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
}

func TestSessionStatusProgression(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	session := newSession("progression-key")
	require.NoError(t, repo.CreateCheckoutSession(ctx, session))

	require.NoError(t, repo.SetReservation(ctx, session.ID, d.CheckoutStatusInitiated, d.CheckoutStatusInventoryReserved, "res-1"))
	require.NoError(t, repo.UpdateCheckoutSessionStatus(ctx, session.ID, d.CheckoutStatusInventoryReserved, d.CheckoutStatusPaymentPending))
	require.NoError(t, repo.SetPayment(ctx, session.ID, d.CheckoutStatusPaymentPending, d.CheckoutStatusPaymentCompleted, "TXN-1"))

	orderID := uuid.New().String()
	require.NoError(t, repo.SetOrder(ctx, session.ID, d.CheckoutStatusPaymentCompleted, d.CheckoutStatusOrderCreated, orderID))

	got, err := repo.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, d.CheckoutStatusOrderCreated, got.Status)
	require.NotNil(t, got.ReservationID)
	assert.Equal(t, "res-1", *got.ReservationID)
	require.NotNil(t, got.PaymentRef)
	assert.Equal(t, "TXN-1", *got.PaymentRef)
	require.NotNil(t, got.OrderID)
	assert.Equal(t, orderID, *got.OrderID)
}

func TestSessionUpdate_NotFound(t *testing.T) {
	repo := setupTestDB(t)

	err := repo.UpdateCheckoutSessionStatus(context.Background(),
		uuid.New().String(), d.CheckoutStatusInitiated, d.CheckoutStatusInventoryReserved)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionUpdate_LostRaceReturnsConflict(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	session := newSession("cas-key")
	require.NoError(t, repo.CreateCheckoutSession(ctx, session))

	// First driver advances the session
	require.NoError(t, repo.UpdateCheckoutSessionStatus(ctx, session.ID,
		d.CheckoutStatusInitiated, d.CheckoutStatusInventoryReserved))

	// A second driver still holding the INITIATED view loses the swap
	err := repo.SetReservation(ctx, session.ID,
		d.CheckoutStatusInitiated, d.CheckoutStatusInventoryReserved, "res-late")
	assert.ErrorIs(t, err, ErrSessionConflict)

	// The winner's state is untouched
	got, getErr := repo.GetSessionByID(ctx, session.ID)
	require.NoError(t, getErr)
	assert.Equal(t, d.CheckoutStatusInventoryReserved, got.Status)
	assert.Nil(t, got.ReservationID)
}

func TestFailCheckoutSession_RecordsLastError(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	session := newSession("fail-key")
	require.NoError(t, repo.CreateCheckoutSession(ctx, session))
	require.NoError(t, repo.FailCheckoutSession(ctx, session.ID, d.CheckoutStatusInitiated, "INSUFFICIENT_STOCK:SKU-A"))

	got, err := repo.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, d.CheckoutStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "INSUFFICIENT_STOCK:SKU-A", *got.LastError)
}

func TestCompleteCheckoutSession_WritesOutboxAtomically(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	session := newSession("complete-key")
	require.NoError(t, repo.CreateCheckoutSession(ctx, session))

	payload := []byte(`{"checkout_id":"` + session.ID + `","total_amount":99.99}`)
	require.NoError(t, repo.CompleteCheckoutSession(ctx, session.ID, d.CheckoutStatusInitiated, payload))

	got, err := repo.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, d.CheckoutStatusCompleted, got.Status)

	events, err := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, session.ID, events[0].AggregateId)
	assert.Equal(t, EventTypeCheckoutCompleted, events[0].EventType)
	assert.JSONEq(t, string(payload), string(events[0].Payload))

	require.NoError(t, repo.MarkEventAsProcessed(ctx, events[0].ID))

	events, err = repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCompleteCheckoutSession_UnknownSession(t *testing.T) {
	repo := setupTestDB(t)

	err := repo.CompleteCheckoutSession(context.Background(), uuid.New().String(), d.CheckoutStatusOrderCreated, []byte(`{}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The transaction rolled back: no orphan outbox event
	events, qErr := repo.GetUnprocessedEvents(context.Background(), 10)
	require.NoError(t, qErr)
	assert.Empty(t, events)
}

func TestCompleteCheckoutSession_SecondCompleteEmitsNoDuplicateEvent(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	session := newSession("double-complete-key")
	require.NoError(t, repo.CreateCheckoutSession(ctx, session))
	require.NoError(t, repo.CompleteCheckoutSession(ctx, session.ID, d.CheckoutStatusInitiated, []byte(`{}`)))

	// A racing run completing the already-completed session loses the swap
	err := repo.CompleteCheckoutSession(ctx, session.ID, d.CheckoutStatusInitiated, []byte(`{}`))
	assert.ErrorIs(t, err, ErrSessionConflict)

	events, qErr := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, qErr)
	assert.Len(t, events, 1)
}

func TestGetStuckSessions(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	stuck := newSession("stuck-key")
	require.NoError(t, repo.CreateCheckoutSession(ctx, stuck))
	require.NoError(t, repo.UpdateCheckoutSessionStatus(ctx, stuck.ID, d.CheckoutStatusInitiated, d.CheckoutStatusPaymentCompleted))

	done := newSession("done-key")
	require.NoError(t, repo.CreateCheckoutSession(ctx, done))
	require.NoError(t, repo.CompleteCheckoutSession(ctx, done.ID, d.CheckoutStatusInitiated, []byte(`{}`)))

	// Fresh sessions are not stuck yet
	sessions, err := repo.GetStuckSessions(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// With a zero idle threshold the non-terminal one qualifies
	sessions, err = repo.GetStuckSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, stuck.ID, sessions[0].ID)
	assert.Equal(t, d.CheckoutStatusPaymentCompleted, sessions[0].Status)
}

func TestCreateOrderIfAbsent_Idempotent(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	checkoutID := uuid.New()
	order := &d.Order{
		ID:          uuid.New(),
		CheckoutID:  checkoutID,
		UserID:      "user-123",
		TotalAmount: 50,
		Currency:    "USD",
		Status:      d.OrderStatusPaid,
		Items: []d.OrderItem{
			{SKU: "SKU-A", ProductName: "Widget", Quantity: 2, Price: 25},
		},
	}

	first, err := repo.CreateOrderIfAbsent(ctx, order)
	require.NoError(t, err)

	// Second create for the same checkout returns the first order
	dup := *order
	dup.ID = uuid.New()
	second, err := repo.CreateOrderIfAbsent(ctx, &dup)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, checkoutID, second.CheckoutID)
	assert.Len(t, second.Items, 1)
	assert.Equal(t, "SKU-A", second.Items[0].SKU)
}

func TestUpdateOrderStatus_ForwardOnly(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	order := &d.Order{
		ID:          uuid.New(),
		CheckoutID:  uuid.New(),
		UserID:      "user-123",
		TotalAmount: 50,
		Currency:    "USD",
		Status:      d.OrderStatusCreated,
		Items:       []d.OrderItem{},
	}
	created, err := repo.CreateOrderIfAbsent(ctx, order)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateOrderStatus(ctx, created.ID, d.OrderStatusPaid))

	// Re-applying the current status is retry-safe
	require.NoError(t, repo.UpdateOrderStatus(ctx, created.ID, d.OrderStatusPaid))

	// Moving away from a non-CREATED status is rejected
	err = repo.UpdateOrderStatus(ctx, created.ID, d.OrderStatusFailed)
	assert.ErrorIs(t, err, ErrIllegalOrderTransition)

	got, err := repo.GetOrderByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPaid, got.Status)
}

func TestListOrdersByUser(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := repo.CreateOrderIfAbsent(ctx, &d.Order{
			ID:         uuid.New(),
			CheckoutID: uuid.New(),
			UserID:     "user-123",
			Currency:   "USD",
			Status:     d.OrderStatusPaid,
			Items:      []d.OrderItem{},
		})
		require.NoError(t, err)
	}

	orders, err := repo.ListOrdersByUser(ctx, "user-123")
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	orders, err = repo.ListOrdersByUser(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestGetOrderByID_NotFound(t *testing.T) {
	repo := setupTestDB(t)

	_, err := repo.GetOrderByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
