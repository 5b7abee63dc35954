package cmd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"

	"mpesa-relay/config"
	"mpesa-relay/internal/handlers"
	"mpesa-relay/internal/services"
	"mpesa-relay/internal/services/gateway/daraja"
	_ "mpesa-relay/migrations"
	"mpesa-relay/security"
	"mpesa-relay/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	pn := pubnub.NewPubNub(pnConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := daraja.New(ctx, &cfg.Daraja)
	if err != nil {
		return err
	}

	// Initialize services
	ledger := services.NewLedger(app)
	notifier := services.NewNotifier(pn)
	paymentService := services.NewPaymentService(ledger, gateway, redisClient)
	callbackService := services.NewCallbackService(ledger, gateway, notifier, redisClient, services.CallbackConfig{
		QueryTimeout:  cfg.StatusQueryTimeout,
		SeenTTL:       cfg.CallbackSeenTTL,
		SweepInterval: cfg.SweepInterval,
		StaleAfter:    cfg.StaleInitiationAge,
	})

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(app, paymentService, callbackService, gateway)
	rateLimiter := security.NewRateLimiter(redisClient, cfg.InitiateRateLimit, cfg.InitiateRateWindow)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Start background tasks
	go callbackService.ReconcileSweep(ctx)

	// Setup graceful shutdown
	go handleShutdown(cancel)

	// Standalone metrics endpoint, kept off the public port
	if cfg.EnableMetrics {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Payment endpoints
		e.Router.POST("/api/v1/stkpush", paymentHandler.InitiateSTKPush).
			BindFunc(rateLimiter.InitiateRateLimit())
		e.Router.GET("/api/v1/payments/{orderId}", paymentHandler.GetPayment)
		e.Router.POST("/api/v1/confirmPayment/{checkoutRequestId}", paymentHandler.ConfirmPayment)
		e.Router.POST("/api/v1/warmup", paymentHandler.Warmup)

		// Gateway webhook
		e.Router.POST("/api/v1/stkPushCallback/{orderId}", paymentHandler.STKPushCallback)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
