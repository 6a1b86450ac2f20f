package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/api"
	"execution-core/internal/balance"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/protection"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	"execution-core/internal/signalsource"
	"execution-core/internal/state"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/i18n"
	"execution-core/pkg/identity"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword(os.Args[2:])
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))

	if err := cfg.Validate(); err != nil {
		log.Fatalf(i18n.Get("ConfigInvalid"), err)
	}
	if cfg.Mode == config.ModeBacktest {
		log.Fatalf("TRADING_MODE=backtest has no execution path; use paper")
	}
	if cfg.Mode == config.ModePaper {
		log.Println(i18n.Get("PaperMode"))
	}
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Mode, cfg.HTTPAddr)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	instance := identity.InstanceID()
	prefix := identity.ClientOrderPrefix(instance)
	log.Printf(i18n.Get("InstanceIdentified"), instance, prefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	(&monitor.Monitor{Bus: bus, Metrics: metrics}).Start(ctx)

	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()

	// Audit trail
	audit := persistence.NewBatchWriter(database, instance, 100, time.Second)
	auditCh, unsubAudit := bus.Subscribe(1024, events.AuditTopics...)
	go audit.Consume(ctx, auditCh)

	// In-memory state seeded from DB
	stateMgr := state.NewManager(database, bus)
	if err := stateMgr.Load(ctx); err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}

	// Exchanges
	execCfg := order.DefaultConfig()
	execCfg.ConfirmTimeout = cfg.ConfirmTimeout
	execCfg.ClientIDPrefix = prefix
	gwCfg := gateway.DefaultConfig()
	gwCfg.Executor = execCfg
	gw, err := gateway.NewManager(cfg, gateway.DefaultFactory, bus, gwCfg)
	if err != nil {
		log.Fatalf(i18n.Get("GatewayInitFailed"), err)
	}
	gw.Start(ctx)
	defer gw.Stop()
	executors := gw.Executors()

	// Guard
	guard := risk.NewGuard(risk.Config{
		Cooldown:         cfg.Risk.SignalCooldown,
		MaxDailyTrades:   cfg.Risk.MaxDailyTrades,
		MaxDailyLossUSD:  cfg.Risk.MaxDailyLossUSD,
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
	}, stateMgr, database)
	if err := guard.Load(ctx); err != nil {
		log.Printf(i18n.Get("GuardLoadFailed"), err)
	} else {
		m := guard.GetMetrics()
		log.Printf(i18n.Get("GuardLoaded"), m.DailyTrades, m.DailyPnL)
	}

	// Protection
	prot := protection.NewEngine(cfg.Protection, executors, stateMgr, bus)
	prot.SetRecorder(guard)

	// Reconciliation
	recon := reconciliation.NewService(gw.Clients(), stateMgr, bus)
	recon.SetExecute(cfg.ReconcileExecute)
	recon.SetSettler(prot)
	recon.SetInFlight(func() []string { return guard.Status().InFlightSymbols })
	go recon.Listen(ctx, 5*time.Second)
	log.Printf(i18n.Get("ReconStarted"), cfg.ReconcileExecute)

	// Binance user data stream
	if cfg.EnableUserStream {
		for name, client := range gw.Clients() {
			lk, ok := client.(order.ListenKeyClient)
			if !ok {
				continue
			}
			go order.NewUserStream(lk, bus).Run(ctx)
			log.Printf(i18n.Get("UserStreamStarted"), name)
		}
	} else {
		log.Println(i18n.Get("UserStreamDisabled"))
	}

	// Margin balances
	var balances *balance.Manager
	if cfg.BalanceSyncInterval > 0 {
		clients := make(map[string]balance.ExchangeClient)
		for name, client := range gw.Clients() {
			clients[name] = client
		}
		balances = balance.NewManager(clients, "USDT", 3*cfg.BalanceSyncInterval)
		balances.Start(ctx, cfg.BalanceSyncInterval)
		log.Printf(i18n.Get("BalanceSyncStarted"), cfg.BalanceSyncInterval)
	}

	// Signal processing
	pcfg := engine.ConfigFrom(cfg)
	if balances != nil {
		pcfg.Margin = balances
	}
	pcfg.Guard = guard
	pcfg.Executors = executors
	pcfg.Store = stateMgr
	pcfg.Protection = prot
	pcfg.Signals = database
	pcfg.Bus = bus
	processor := engine.NewProcessor(pcfg)

	if cfg.SignalFeedAddr != "" {
		feed, err := signalsource.Dial(cfg.SignalFeedAddr)
		if err != nil {
			log.Fatalf(i18n.Get("SignalFeedFailed"), err)
		}
		defer feed.Close()
		go processor.Run(ctx, feed, cfg.SignalBatchInterval, cfg.SignalBatchSize)
		log.Printf(i18n.Get("SignalFeedEnabled"), cfg.SignalFeedAddr, cfg.SignalBatchInterval, cfg.SignalBatchSize)
	} else {
		log.Println(i18n.Get("SignalFeedDisabled"))
	}

	// Scheduled maintenance
	sched, err := scheduler.New(scheduler.Config{
		ReconcileSchedule: cfg.ReconcileSchedule,
		ReconcileExecute:  cfg.ReconcileExecute,
		MonitorSchedule:   cfg.ProtectionMonitorSchedule,
		JanitorSchedule:   "0 * * * * *",
	}, recon, prot, guard)
	if err != nil {
		log.Fatalf(i18n.Get("SchedulerFailed"), err)
	}
	sched.Start()

	// Engine Service
	engService := engine.NewImpl(engine.ServiceConfig{
		Processor:      processor,
		Guard:          guard,
		Store:          stateMgr,
		Positions:      database,
		Protection:     prot,
		Reconciliation: recon,
		Breakers:       gw.Breakers(),
		Limiters:       gw.Limiters(),
		Balances:       balances,
		Health:         func() []string { return gw.Stats().Unhealthy },
		Meta: engine.SystemStatus{
			Mode:      cfg.Mode,
			Instance:  instance,
			Version:   buildVersion,
			StartedAt: time.Now().UTC(),
		},
	})
	log.Printf(i18n.Get("EngineServiceInit"), gw.Names())

	// API
	server := api.NewServer(bus, engService, metrics, api.AuthConfig{
		JWTSecret:         cfg.JWTSecret,
		AdminUser:         cfg.AdminUser,
		AdminPasswordHash: cfg.AdminPasswordHash,
		Instance:          instance,
	})
	go func() {
		log.Printf(i18n.Get("ServerListening"), cfg.HTTPAddr)
		if err := server.Start(cfg.HTTPAddr); err != nil {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf(i18n.Get("APIServerError"), err)
	}
	cancel()
	sched.Stop()
	processor.Close()

	unsubAudit()
	if err := audit.Close(); err != nil {
		log.Printf("⚠️ audit writer: %v", err)
	} else {
		log.Println(i18n.Get("BatchWriterStopped"))
	}
	log.Println(i18n.Get("ShutdownComplete"))
}

// hashPassword prints the bcrypt hash for ADMIN_PASSWORD_HASH.
func hashPassword(args []string) {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: execution-core hash-password <password>")
		os.Exit(2)
	}
	hash, err := api.HashPassword(args[0])
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	fmt.Println(hash)
}
