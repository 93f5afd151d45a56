package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gocart/checkout/internal/cart"
	"github.com/gocart/checkout/internal/catalog"
	h "github.com/gocart/checkout/internal/http"
	"github.com/gocart/checkout/internal/payment"
	"github.com/gocart/checkout/internal/publisher"
	"github.com/gocart/checkout/internal/repository"
	"github.com/gocart/checkout/internal/service"
	"github.com/gocart/checkout/internal/stock"
)

// Demo catalog matching the seeded stock levels below.
var demoProducts = []catalog.Product{
	{SKU: "SKU-LAPTOP", Name: "Laptop", Description: "15-inch developer laptop", Price: 999.99},
	{SKU: "SKU-MOUSE", Name: "Mouse", Description: "Wireless mouse", Price: 24.99},
	{SKU: "SKU-KEYBOARD", Name: "Keyboard", Description: "Mechanical keyboard", Price: 79.99},
	{SKU: "SKU-MONITOR", Name: "Monitor", Description: "27-inch monitor", Price: 249.99},
	{SKU: "SKU-HEADPHONES", Name: "Headphones", Description: "Noise-cancelling headphones", Price: 149.99},
}

var initialStock = map[string]int32{
	"SKU-LAPTOP":     100,
	"SKU-MOUSE":      500,
	"SKU-KEYBOARD":   300,
	"SKU-MONITOR":    150,
	"SKU-HEADPHONES": 200,
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	log.Println("checkout-service starting...")

	// Configuration
	httpPort := getEnv("HTTP_PORT", "8080")
	requestTimeout := 60 * time.Second
	shutdownTimeout := 10 * time.Second

	mongoURI := getEnv("MONGO_URI", "mongodb://localhost:27017")
	mongoDatabase := getEnv("MONGO_DATABASE", "carts")
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	kafkaBrokers := getEnv("KAFKA_BROKERS", "localhost:9092")
	stockBackend := getEnv("STOCK_BACKEND", "postgres")
	currency := getEnv("CURRENCY", "USD")
	seedDemoData := getEnv("SEED_DEMO_DATA", "true") == "true"

	catalogDBPath := getEnv("CATALOG_DB_PATH", "./catalog.db")
	catalogMigrationsPath := getEnv("CATALOG_MIGRATIONS_PATH", "./internal/catalog/migrations")

	// Database setup
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "postgres")
	dbPass := getEnv("DB_PASSWORD", "postgres")
	dbName := getEnv("DB_NAME", "checkout")
	migrationsPath := getEnv("MIGRATIONS_PATH", "./internal/repository/migrations")

	port, err := strconv.Atoi(dbPort)
	if err != nil {
		log.Fatalf("Invalid DB_PORT: %v", err)
	}

	creds := &repository.Credentials{
		Host:              dbHost,
		Port:              port,
		User:              dbUser,
		Password:          dbPass,
		DBName:            dbName,
		MigrationsDirPath: migrationsPath,
	}

	repo, err := repository.NewRepository(creds)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(creds); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	// Background workers stop when this context is cancelled on shutdown.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Stock ledger
	var ledger stock.Ledger
	switch stockBackend {
	case "memory":
		memStore := stock.NewMemoryStore()
		defer memStore.Close()
		ledger = memStore
	case "postgres":
		pgStore := stock.NewPostgresStore(repo.DB(), stock.DefaultReservationTTL)
		go pgStore.RunReaper(bgCtx, 30*time.Second)
		ledger = pgStore
	default:
		log.Fatalf("Unknown STOCK_BACKEND: %q", stockBackend)
	}
	log.Printf("Stock ledger backend: %s", stockBackend)

	// Catalog (sqlite)
	catalogRepo, err := catalog.NewRepository(catalogDBPath)
	if err != nil {
		log.Fatalf("Failed to open catalog database: %v", err)
	}
	defer catalogRepo.Close()

	if err := catalogRepo.RunMigrations(catalogMigrationsPath); err != nil {
		log.Fatalf("Failed to run catalog migrations: %v", err)
	}

	// Cart store (mongo) + cache (redis)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connectCancel()

	mongoDB, err := cart.ConnectMongoDB(connectCtx, mongoURI, mongoDatabase)
	if err != nil {
		log.Fatalf("Failed to connect to mongodb: %v", err)
	}
	defer func() {
		if err := mongoDB.Client().Disconnect(context.Background()); err != nil {
			log.Printf("mongodb disconnect error: %v", err)
		}
	}()
	log.Printf("Connected to mongodb at %s", mongoURI)

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(connectCtx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	log.Printf("Connected to redis at %s", redisAddr)

	cartService := cart.NewService(cart.NewMongoRepository(mongoDB), cart.NewRedisCache(redisClient))
	snapshots := cart.NewSnapshotProvider(cartService, catalogRepo, currency)

	// Payment client: provider idempotency backed by the redis result cache.
	paymentClient := payment.NewClient(payment.NewMockProvider(), redisClient)

	if seedDemoData {
		seedDemo(connectCtx, catalogRepo, ledger)
	}

	// Instantiate checkout service
	checkoutService := service.NewCheckoutService(
		repo,
		snapshots,
		ledger,
		paymentClient,
		service.DefaultTimeouts(),
	)

	// Outbox publisher + stuck-session recovery
	poller := publisher.NewOutboxPoller(repo, checkoutService, strings.Split(kafkaBrokers, ",")...)
	go poller.Run(bgCtx)

	// HTTP server
	checkoutHandler := h.NewCheckoutHandler(checkoutService, requestTimeout)
	cartHandler := h.NewCartHandler(cartService, 5*time.Second)
	router := h.NewRouter(checkoutHandler, cartHandler, requestTimeout)

	srv := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 70 * time.Second, // must outlast the checkout request timeout
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Checkout service listening on :%s", httpPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down checkout service...")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("Checkout service stopped")
}

func seedDemo(ctx context.Context, catalogRepo *catalog.Repository, ledger stock.Ledger) {
	for i := range demoProducts {
		if err := catalogRepo.UpsertProduct(ctx, &demoProducts[i]); err != nil {
			log.Fatalf("Failed to seed product %s: %v", demoProducts[i].SKU, err)
		}
	}
	for sku, quantity := range initialStock {
		if err := ledger.SetStock(ctx, sku, quantity); err != nil {
			log.Fatalf("Failed to set initial stock for %s: %v", sku, err)
		}
	}
	log.Printf("Seeded %d products with initial stock", len(demoProducts))
}
