package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"cadencely/ai"
	"cadencely/channels"
	"cadencely/config"
	"cadencely/engine"
	"cadencely/models"
	"cadencely/queue"
	"cadencely/routes"
	"cadencely/worker"

	log "github.com/sirupsen/logrus"
)

// app holds the process-wide components shared by the commands.
type app struct {
	engine   *engine.Engine
	producer *queue.EngagementProducer
	consumer *queue.EngagementConsumer
	logger   *log.Entry
}

func buildApp(ctx context.Context) (*app, error) {
	logger := log.WithField("service", "cadencely")
	cfg := config.AppConfig

	var due queue.DueQueue
	if config.Redis != nil {
		due = queue.NewRedisQueue(config.Redis, "")
		logger.Info("Using Redis due queue")
	} else {
		due = queue.NewDBQueue(config.DB)
		logger.Info("Using database due queue")
	}

	var generator engine.ContentGenerator
	if cfg.AIEnabled {
		gw, err := ai.NewGateway(ai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
			Timeout: cfg.OpenAI.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init AI gateway: %w", err)
		}
		generator = gw
	}

	dispatcher, err := buildDispatcher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	eng := engine.New(engine.Deps{
		DB:         config.DB,
		Generator:  generator,
		Dispatcher: dispatcher,
		Queue:      due,
		Logger:     logger.WithField("component", "sequence_engine"),
		Options: engine.Options{
			BatchSize:       cfg.Scheduler.BatchSize,
			Visibility:      cfg.Scheduler.Visibility,
			ClaimLease:      cfg.Scheduler.ClaimLease,
			MessageIDDomain: cfg.MessageIDDomain,
			WorkerID:        fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		},
	})

	a := &app{engine: eng, logger: logger}
	if cfg.Kafka.Enabled {
		a.producer, err = queue.NewEngagementProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("init engagement producer: %w", err)
		}
		a.consumer = queue.NewEngagementConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	}
	return a, nil
}

func buildDispatcher(ctx context.Context, cfg config.Config) (*channels.Router, error) {
	router := channels.NewRouter()

	switch cfg.EmailProvider {
	case "ses":
		ses, err := channels.NewSESMailer(ctx, cfg.SES.Region, cfg.FromEmail, cfg.FromName,
			cfg.SES.ConfigurationSet, cfg.TrackingBaseURL)
		if err != nil {
			return nil, fmt.Errorf("init SES mailer: %w", err)
		}
		router.Register(models.ChannelEmail, ses)
	default:
		router.Register(models.ChannelEmail, channels.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port,
			cfg.SMTP.Username, cfg.SMTP.Password, cfg.FromEmail, cfg.FromName, cfg.TrackingBaseURL))
	}

	if cfg.SocialWebhookURL != "" {
		router.Register(models.ChannelSocial, channels.NewSocialWebhook(cfg.SocialWebhookURL, cfg.SocialAPIKey, 15*time.Second))
	}

	activities := channels.NewActivityCreator(config.DB)
	router.Register(models.ChannelCall, activities)
	router.Register(models.ChannelTask, activities)
	return router, nil
}

func (a *app) startWorkers(ctx context.Context) {
	cfg := config.AppConfig

	if cfg.Scheduler.Enabled {
		sw := worker.NewSequenceWorker(a.engine.Scheduler, cfg.Scheduler.TickInterval, a.logger.WithField("worker", "sequence"))
		go sw.Start(ctx)
	}
	if a.consumer != nil {
		ew := worker.NewEngagementWorker(a.consumer, a.engine.Tracker, a.logger.WithField("worker", "engagement"))
		go ew.Start(ctx)
	}
	if cfg.IMAP.Enabled {
		rw := worker.NewReplyWorker(cfg.IMAP, a.engine.Tracker, a.logger.WithField("worker", "reply"))
		go rw.Start(ctx)
	}
}

func (a *app) routeDeps() routes.Deps {
	d := routes.Deps{
		Engine:           a.engine,
		Redis:            config.Redis,
		WebhookRateLimit: config.AppConfig.WebhookRateLimit,
		CORSOrigins:      config.AppConfig.CORSOrigins,
		Logger:           a.logger.WithField("component", "http"),
	}
	// A nil *EngagementProducer must not end up inside the interface.
	if a.producer != nil {
		d.Producer = a.producer
	}
	return d
}

func (a *app) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.WithError(err).Warn("closing engagement producer")
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.WithError(err).Warn("closing engagement consumer")
		}
	}
	if config.Redis != nil {
		_ = config.Redis.Close()
	}
	if sqlDB, err := config.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
