package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "github.com/msallal/groupbuy/docs"
	"github.com/msallal/groupbuy/internal/config"
	"github.com/msallal/groupbuy/internal/database"
	"github.com/msallal/groupbuy/internal/group"
	"github.com/msallal/groupbuy/internal/ledger"
	"github.com/msallal/groupbuy/internal/membership"
	"github.com/msallal/groupbuy/internal/voting"
	mw "github.com/msallal/groupbuy/pkg/middleware"
)

// @title           GroupBuy API
// @version         1.0
// @description     Points escrow and group membership service for group purchasing.
// @BasePath        /api/v1
func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database connection
	db, err := database.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	logger.Info("connected to database")

	votingDeadline := time.Duration(cfg.VotingDeadlineHours) * time.Hour

	// Ledger feature
	ledgerRepo := ledger.NewRepository(db)
	ledgerService := ledger.NewService(db, ledgerRepo, logger, cfg.TxMaxRetries)
	ledgerHandler := ledger.NewHandler(ledgerService)

	// Voting feature
	votingRepo := voting.NewRepository(db)
	votingService := voting.NewService(votingRepo)
	votingHandler := voting.NewHandler(votingService)

	// Membership repository doubles as the group lifecycle's member store.
	membershipRepo := membership.NewRepository(db)

	// Group feature
	groupRepo := group.NewRepository(db)
	groupService := group.NewService(db, groupRepo, ledgerRepo, votingRepo, membershipRepo, logger, cfg.TxMaxRetries, votingDeadline)
	groupHandler := group.NewHandler(groupService)

	// Membership feature
	membershipService := membership.NewService(db, membershipRepo, groupRepo, groupService, ledgerService, ledgerRepo, votingRepo, logger, cfg.TxMaxRetries, votingDeadline)
	membershipHandler := membership.NewHandler(membershipService)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(mw.TestUserMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/swagger/*", httpSwagger.WrapHandler)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Mount feature routers
		r.Mount("/points", ledgerHandler.Routes())
		r.Mount("/groups", groupHandler.Routes())
		r.Mount("/memberships", membershipHandler.Routes())
		r.Mount("/sessions", votingHandler.Routes())
	})

	// Start server
	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	logger.Info("server starting", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
