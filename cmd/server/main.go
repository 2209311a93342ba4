package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labforge/be-lab-bookings/internal/client"
	"github.com/labforge/be-lab-bookings/internal/handler"
	"github.com/labforge/be-lab-bookings/internal/platform/config"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/platform/middleware"
	natsclient "github.com/labforge/be-lab-bookings/internal/platform/nats"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Lab Bookings Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		ConnString: cfg.Database.ConnString(),
		MaxConns:   cfg.Database.MaxConns,
		MinConns:   cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is optional: a nil client turns the publisher into a no-op.
	var nats *natsclient.Client
	if cfg.NATS.Enabled {
		nats, err = natsclient.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nats.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}

	// Repositories
	bookingRepo := repository.NewBookingRepository(db)
	resourceRepo := repository.NewResourceRepository(db)
	ruleRepo := repository.NewApprovalRulesRepository(db)
	stepRepo := repository.NewApprovalStepsRepository(db)
	quotaRepo := repository.NewQuotaRepository(db)
	billingRepo := repository.NewBillingRepository(db)
	auditRepo := repository.NewBookingAuditRepository(db)

	// Clients
	profiles := client.NewProfileClient(db)
	notifier := client.NewNotificationPublisher(nats, log.Logger)

	// Services
	conflictSvc := service.NewConflictService(bookingRepo, resourceRepo, log)
	approvalSvc := service.NewApprovalService(ruleRepo, bookingRepo, log)
	quotaSvc := service.NewQuotaService(quotaRepo, log)
	tierSvc := service.NewTierService(stepRepo, ruleRepo, bookingRepo, profiles, db,
		cfg.Approval.DefaultStepDeadline.Duration, log)
	billingSvc := service.NewBillingService(billingRepo, log)

	bookingSvc := service.NewBookingService(db, bookingRepo, resourceRepo, ruleRepo,
		stepRepo, quotaRepo, auditRepo, profiles,
		conflictSvc, approvalSvc, quotaSvc, tierSvc, billingSvc, notifier, log)

	// HTTP routes
	httpHandler := handler.NewHTTPHandler(bookingSvc, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/api/v1/bookings", httpHandler.RequestBooking)
	mux.HandleFunc("/api/v1/bookings/approve", httpHandler.Approve)
	mux.HandleFunc("/api/v1/bookings/reject", httpHandler.Reject)
	mux.HandleFunc("/api/v1/bookings/noshow", httpHandler.MarkNoShow)
	mux.HandleFunc("/api/v1/bookings/cancel", httpHandler.Cancel)
	mux.HandleFunc("/api/v1/bookings/checkin", httpHandler.CheckIn)
	mux.HandleFunc("/api/v1/bookings/checkout", httpHandler.CheckOut)
	mux.HandleFunc("/api/v1/bookings/settle", httpHandler.Settle)
	mux.HandleFunc("/api/v1/quota/status", httpHandler.QuotaStatus)
	mux.HandleFunc("/api/v1/approvals/overdue", httpHandler.ListOverdue)
	mux.HandleFunc("/api/v1/approvals/escalate", httpHandler.EscalateOverdue)
	mux.HandleFunc("/api/v1/sessions/sweep", httpHandler.AutoCheckOut)

	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Background sweeps: auto check-out of expired sessions and
	// escalation of overdue approval steps.
	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-sweepTicker.C:
				if closed, err := bookingSvc.AutoCheckOutExpired(ctx, now); err != nil {
					log.Error().Err(err).Msg("auto check-out sweep failed")
				} else if closed > 0 {
					log.Info().Int("closed", closed).Msg("auto-checked out expired sessions")
				}
				if escalated, err := bookingSvc.EscalateOverdue(ctx, now); err != nil {
					log.Error().Err(err).Msg("escalation sweep failed")
				} else if escalated > 0 {
					log.Info().Int("escalated", escalated).Msg("escalated overdue approval steps")
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
