// Package main contains the entrypoint for the replyhub service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgard/replyhub/internal/api"
	"github.com/edgard/replyhub/internal/app"
	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/chat/telegram"
	"github.com/edgard/replyhub/internal/chat/whatsapp"
	"github.com/edgard/replyhub/internal/config"
	"github.com/edgard/replyhub/internal/contacts"
	"github.com/edgard/replyhub/internal/database"
	"github.com/edgard/replyhub/internal/dispatch"
	"github.com/edgard/replyhub/internal/events"
	"github.com/edgard/replyhub/internal/generate"
	"github.com/edgard/replyhub/internal/logger"
	"github.com/edgard/replyhub/internal/media"
	"github.com/edgard/replyhub/internal/quota"
	"github.com/edgard/replyhub/internal/rules"
	"github.com/edgard/replyhub/internal/session"
	"github.com/edgard/replyhub/internal/tasks"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run wires every component, runs them until ctx is cancelled and returns
// the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "", "Path to configuration file (default ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	generator, err := generate.New(ctx, cfg.Generator, log)
	if err != nil {
		log.Error("Failed to initialize text generator", "backend", cfg.Generator.Backend, "error", err)
		return 1
	}

	hub := events.NewHub(64)
	publisher := events.Multi{hub}
	runners := map[string]app.Runner{}
	if cfg.Events.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, cfg.Events.Producer, log)
		if err != nil {
			log.Error("Failed to connect to event broker", "error", err)
			return 1
		}
		defer amqpPub.Close()
		publisher = append(publisher, amqpPub)
		runners["amqp_publisher"] = amqpPub
	}

	registry := chat.NewRegistry()
	if cfg.WhatsApp.Enabled {
		wa, err := whatsapp.NewOpener(ctx, cfg.WhatsApp.StorePath, log)
		if err != nil {
			log.Error("Failed to open WhatsApp device store", "path", cfg.WhatsApp.StorePath, "error", err)
			return 1
		}
		defer wa.Close()
		registry.Register(whatsapp.Platform, wa)
	}
	if cfg.Telegram.Enabled {
		registry.Register(telegram.Platform, telegram.NewOpener(log))
	}

	ledger := quota.NewLedger(store, cfg.Plans, cfg.Quota.DefaultPlan, log)
	sessions := session.NewManager(store, registry, ledger, publisher, session.Config{
		OpenTimeout:     cfg.Session.OpenTimeout,
		SendTimeout:     cfg.Session.SendTimeout,
		MailboxSize:     cfg.Session.MailboxSize,
		DefaultPlatform: cfg.Session.DefaultPlatform,
	}, log)
	contactSvc := contacts.NewService(store, cfg.Contacts.DefaultCountryCode, log)
	loader := media.NewLoader(cfg.Media.Dir, cfg.Media.FetchTimeout, cfg.Media.MaxBytes, log)
	dispatcher := dispatch.NewDispatcher(store, sessions, ledger, contactSvc, loader, publisher, log)
	engine := rules.NewEngine(store, contactSvc, dispatcher, generator, publisher, log)
	sessions.SetInboundHandler(engine.HandleInbound)

	runners["http"] = api.NewServer(cfg.HTTP, api.Deps{
		Sessions:   sessions,
		Rules:      rules.NewService(store, log),
		Dispatcher: dispatcher,
		Contacts:   contactSvc,
		Ledger:     ledger,
		Hub:        hub,
	}, log)

	sched, err := app.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:     log,
		Store:      store,
		Dispatcher: dispatcher,
	}))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	log.Info("Starting replyhub", "platforms", registry.Platforms())
	if err := app.New(log, sessions, sched, runners, cfg.HTTP.ShutdownTimeout).Run(ctx); err != nil {
		log.Error("Service stopped due to error", "error", err)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Service stopped gracefully")
	return 0
}
