package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/stripe/stripe-go/v83"

	"github.com/ariefcatur/go-shop-orders/internal/config"
	"github.com/ariefcatur/go-shop-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/lifecycle"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/payments"
	"github.com/ariefcatur/go-shop-orders/internal/postgres"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stripe.Key = cfg.StripeSecretKey
	if stripe.Key == "" {
		log.Println("STRIPE_SECRET_KEY not set; payment intents will fail until configured")
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per topic
	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024)
	pCreated.Start(ctx)
	pStatus := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024)
	pStatus.Start(ctx)
	pPayment := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentResult, 1024)
	pPayment.Start(ctx)

	// repos & services
	orderRepo := &orders.Repo{DB: db}
	ledger := &orders.LedgerRepo{DB: db}
	payRepo := &payments.Repo{DB: db}
	provider := payments.StripeProvider{}

	svc := &lifecycle.Service{
		Orders:            orderRepo,
		Ledger:            ledger,
		Payments:          payRepo,
		Provider:          provider,
		PubCreated:        pCreated,
		PubStatus:         pStatus,
		Redis:             rdb,
		ServiceName:       cfg.ServiceName,
		ReservationTTL:    cfg.ReservationTTL,
		ShippingFlatCents: cfg.ShippingFlatCents,
		Currency:          cfg.Currency,
	}
	rc := &payments.Reconciler{
		Payments: payRepo,
		Orders:   orderRepo,
		Ledger:   ledger,
		Provider: provider,
		Producer: pStatus,
		Redis:    rdb,
		Service:  cfg.ServiceName,
	}

	router := httpx.NewRouter()
	h := &httpx.Handler{
		Svc:        svc,
		Reconciler: rc,
		Redis:      rdb,
		PubPayment: pPayment,
		Service:    cfg.ServiceName,
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	pCreated.Close()
	pStatus.Close()
	pPayment.Close()
	cancel() // stop producer loops
	pCreated.WaitClosed()
	pStatus.WaitClosed()
	pPayment.WaitClosed()
}
