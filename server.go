package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/settlement_backend/batch"
	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/models"
	"github.com/mmdatafocus/settlement_backend/notify"
	"github.com/mmdatafocus/settlement_backend/wallet"
	"github.com/mmdatafocus/settlement_backend/webhook"
	"github.com/mmdatafocus/settlement_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	settings := config.LoadSettings()
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; it can run as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	store := models.NewStore(db)

	psClient, err := config.GetClient(sigCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
	}
	defer psClient.Close()
	topic, err := config.CreateTopicIfNotExists(sigCtx, psClient, settings.PubSubTopic)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
	}
	defer topic.Stop()
	sub, err := config.CreateSubscriptionIfNotExists(sigCtx, psClient, settings.PubSubSubscription, topic, settings.AckDeadline)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
	}

	walletClient, err := wallet.NewClient(wallet.ConfigFromSettings(settings, config.RedisCache()))
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "wallet"}).Fatal(err.Error())
	}

	notifiers, closeNotifiers := buildNotifiers(sigCtx, settings, psClient, logger)
	defer closeNotifiers()

	locker := workflow.NewRedisKeyLocker(config.GetRedisLock())
	machine := workflow.NewMachine(workflow.MachineConfig{
		Store:             store,
		Wallet:            walletClient,
		Locker:            locker,
		Notifier:          notifiers,
		Logger:            logger,
		LockTTL:           settings.SettlementLockTTL,
		PendingHashMaxAge: settings.PendingHashMaxAge,
	})
	policies := workflow.NewPolicies(settings)
	publisher := workflow.NewPubSubPublisher(topic)
	dispatcher := workflow.NewDispatcher(machine, policies, store, publisher)
	var attempts workflow.AttemptCounter
	if cache := config.RedisCache(); cache != nil {
		attempts = workflow.NewRedisAttemptCounter(cache, settings.DeliveryCounterTTL)
	}
	consumer := workflow.NewConsumer(dispatcher, attempts, workflow.ConsumerConfigFromSettings(settings), logger)

	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: webhook.NewRouter(settings, publisher, logger),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	workerCtx, cancelWorkers := context.WithCancel(sigCtx)
	defer cancelWorkers()
	var workers sync.WaitGroup

	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := consumer.Run(workerCtx, sub); err != nil {
			logger.WithFields(logrus.Fields{"field": "consumer"}).Error("consumer stopped: " + err.Error())
		}
	}()

	if settings.SchedulerEnabled {
		jobs := batch.NewJobs(store, machine, policies, walletClient, batch.ConfigFromSettings(settings))
		scheduler := batch.NewScheduler(locker, jobs.Standard(settings)...)
		workers.Add(1)
		go func() {
			defer workers.Done()
			scheduler.Run(workerCtx)
		}()
	}

	logger.WithFields(logrus.Fields{
		"field":        "server",
		"port":         settings.Port,
		"subscription": settings.PubSubSubscription,
	}).Info("settlement service started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop intake first, then let in-flight settlements finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	cancelWorkers()
	workers.Wait()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// buildNotifiers wires each notifier whose settings are present.
func buildNotifiers(ctx context.Context, s config.Settings, psClient *pubsub.Client, logger *logrus.Logger) (notify.Notifier, func()) {
	var notifiers notify.Multi
	var closers []func()

	if len(s.ChatResponseHosts) > 0 {
		notifiers = append(notifiers, notify.NewChatResponder(nil, s.ChatResponseHosts))
	} else {
		logger.WithField("field", "Notify").Warn("CHAT_RESPONSE_HOSTS not set; chat responses disabled")
	}

	if s.AnalyticsTopic != "" {
		topic, err := config.CreateTopicIfNotExists(ctx, psClient, s.AnalyticsTopic)
		if err != nil {
			config.LogError(logger, "server.go", "buildNotifiers", "Creating analytics topic", s.AnalyticsTopic, err)
		} else {
			notifiers = append(notifiers, notify.NewAnalytics(topic))
			closers = append(closers, topic.Stop)
		}
	}

	if s.ReceiptBucket != "" {
		client, err := config.GetStorageClient(ctx)
		if err == nil {
			err = config.CheckBucket(ctx, client, s.ReceiptBucket)
			if err != nil {
				_ = client.Close()
			}
		}
		if err != nil {
			config.LogError(logger, "server.go", "buildNotifiers", "Opening receipt bucket", s.ReceiptBucket, err)
		} else {
			notifiers = append(notifiers, notify.NewReceiptArchiver(client, s.ReceiptBucket))
			closers = append(closers, func() { _ = client.Close() })
		}
	}

	return notifiers, func() {
		for _, c := range closers {
			c()
		}
	}
}
