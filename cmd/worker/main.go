package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/stripe/stripe-go/v83"

	"github.com/ariefcatur/go-shop-orders/internal/config"
	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/notify"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/payments"
	"github.com/ariefcatur/go-shop-orders/internal/postgres"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stripe.Key = cfg.StripeSecretKey

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	pStatus := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024)
	pStatus.Start(ctx)

	rc := &payments.Reconciler{
		Payments: &payments.Repo{DB: db},
		Orders:   &orders.Repo{DB: db},
		Ledger:   &orders.LedgerRepo{DB: db},
		Provider: payments.StripeProvider{},
		Producer: pStatus,
		Redis:    rdb,
		Service:  cfg.ServiceName + "-reconciler",
	}
	notifier := &notify.Notifier{
		Mailer: &notify.Mailer{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.MailFrom,
		},
		Redis:   rdb,
		Service: cfg.ServiceName + "-notify",
	}

	// payment.result consumer
	payGroup := getenv("RECONCILER_GROUP", "reconciler-svc")
	payWorkers := mustAtoi(os.Getenv("RECONCILER_WORKERS"), "8")
	payCons := kafkax.NewConsumer(cfg.KafkaBrokers, payGroup, orders.TopicPaymentResult, payWorkers)
	go func() {
		log.Printf("reconciler consumer started: group=%s topic=%s workers=%d", payGroup, orders.TopicPaymentResult, payWorkers)
		if err := payCons.Start(ctx, rc.HandleResult); err != nil {
			log.Printf("reconciler consumer exit: %v", err)
			cancel()
		}
	}()

	// order.status.changed consumer
	ntfGroup := getenv("NOTIFY_GROUP", "notify-svc")
	ntfWorkers := mustAtoi(os.Getenv("NOTIFY_WORKERS"), "4")
	ntfCons := kafkax.NewConsumer(cfg.KafkaBrokers, ntfGroup, orders.TopicOrderStatusChanged, ntfWorkers)
	go func() {
		log.Printf("notify consumer started: group=%s topic=%s workers=%d", ntfGroup, orders.TopicOrderStatusChanged, ntfWorkers)
		if err := ntfCons.Start(ctx, notifier.HandleStatusChanged); err != nil {
			log.Printf("notify consumer exit: %v", err)
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down worker...")
	cancel()
	time.Sleep(500 * time.Millisecond)
	pStatus.Close()
	pStatus.WaitClosed()
}
