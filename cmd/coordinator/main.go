package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentgrid/agentgrid/internal/coordinator/api"
	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/coordinator/relay"
	"github.com/agentgrid/agentgrid/internal/coordinator/state"
	"github.com/agentgrid/agentgrid/internal/secrets"
	"github.com/agentgrid/agentgrid/internal/telemetry"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	logger := telemetry.NewLogger("coordinator", os.Getenv("LOG_LEVEL"))

	store, closer := initStore()
	if closer != nil {
		defer func() {
			if err := closer(); err != nil {
				log.Printf("error closing store: %v", err)
			}
		}()
	}

	masterKey := os.Getenv("SECRETS_MASTER_KEY")
	if masterKey == "" {
		logger.Warn("SECRETS_MASTER_KEY not set, secret storage disabled until configured")
	}
	broker := secrets.NewBroker(store, masterKey)

	bus := relay.New()
	coordinator := claim.NewCoordinator(store, bus, broker, claim.StaticLimits{
		Default: envInt("MAX_CONCURRENT_WORKERS", claim.DefaultMaxConcurrentWorkers),
	})

	server := api.NewServer(store, coordinator, bus, broker, api.Config{
		BearerToken: os.Getenv("BEARER_TOKEN"),
		AdminToken:  os.Getenv("ADMIN_TOKEN"),
	}, logger)

	stopMaintenance := server.StartMaintenance()
	defer stopMaintenance()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET(
		"/health", func(c echo.Context) error {
			return c.JSON(
				http.StatusOK, map[string]string{
					"status":  "ok",
					"service": "agentgrid-coordinator",
				},
			)
		},
	)

	server.RegisterRoutes(e)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal(err)
	}

	logger.Info("server stopped")
}

// initStore initializes the state store based on environment variables.
// Returns the store and an optional closer function.
func initStore() (state.Store, func() error) {
	storeType := os.Getenv("STORE_TYPE")
	if storeType == "" {
		storeType = "memory"
	}

	switch storeType {
	case "postgres":
		dbURL := os.Getenv("DATABASE_URL")
		if dbURL == "" {
			log.Fatal("DATABASE_URL environment variable is required when STORE_TYPE=postgres")
		}

		pgStore, err := state.NewPostgresStore(dbURL)
		if err != nil {
			log.Fatalf("failed to initialize PostgreSQL store: %v", err)
		}

		log.Println("PostgreSQL store initialized successfully")
		return pgStore, pgStore.Close

	case "memory":
		log.Println("using in-memory store (data will not persist)")
		return state.NewInMemoryStore(), nil

	default:
		log.Fatalf("unknown STORE_TYPE: %s (valid options: memory, postgres)", storeType)
		return nil, nil
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}
