package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/sshdesk/internal/config"
	"github.com/gluk-w/sshdesk/internal/database"
	"github.com/gluk-w/sshdesk/internal/handlers"
	"github.com/gluk-w/sshdesk/internal/lifecycle"
	"github.com/gluk-w/sshdesk/internal/logging"
	"github.com/gluk-w/sshdesk/internal/sshaudit"
	"github.com/gluk-w/sshdesk/internal/sshmanager"
	"github.com/gluk-w/sshdesk/internal/sshterminal"
	"github.com/gluk-w/sshdesk/internal/sshtunnel"
)

// idleSweepSchedule is how often detached shell sessions are checked for idleness.
const idleSweepSchedule = "@every 1m"

func main() {
	config.Load()
	logging.Init(config.Cfg.LogFilePath())
	defer logging.Close()

	db, err := database.Open(config.Cfg.DBPath())
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close(db)

	auditor, err := sshaudit.NewAuditor(db, config.Cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("Audit init: %v", err)
	}

	algorithms, err := sshmanager.LoadAlgorithms(config.Cfg.AlgorithmsFile)
	if err != nil {
		log.Fatalf("Algorithms: %v", err)
	}
	hostKeys, err := sshmanager.HostKeyCallback(config.Cfg.KnownHostsPath)
	if err != nil {
		log.Fatalf("Known hosts: %v", err)
	}

	registry := sshmanager.NewRegistry(sshmanager.Options{
		HandshakeTimeout:  config.Duration("HANDSHAKE_TIMEOUT", config.Cfg.HandshakeTimeout, sshmanager.DefaultHandshakeTimeout),
		KeepaliveInterval: config.Duration("KEEPALIVE_INTERVAL", config.Cfg.KeepaliveInterval, sshmanager.DefaultKeepaliveInterval),
		KeepaliveCountMax: config.Cfg.KeepaliveCountMax,
		BannerTimeout:     config.Duration("BANNER_TIMEOUT", config.Cfg.BannerTimeout, sshmanager.DefaultBannerTimeout),
		MaxConnections:    config.Cfg.MaxConnections,
		RateLimit: &sshmanager.RateLimitConfig{
			MaxAttemptsPerMinute: config.Cfg.ConnectAttemptsPerMinute,
			MaxConsecFailures:    config.Cfg.ConnectMaxFailures,
			BlockDuration:        config.Duration("CONNECT_BLOCK_DURATION", config.Cfg.ConnectBlockDuration, sshmanager.DefaultBlockDuration),
		},
		Algorithms:      algorithms,
		HostKeyCallback: hostKeys,
		Auditor:         auditor,
	})

	policy, err := sshtunnel.ParsePolicy(config.Cfg.TunnelOnConnectionLost)
	if err != nil {
		log.Printf("WARNING: %v, using %q", err, sshtunnel.PolicyKeep)
		policy = sshtunnel.PolicyKeep
	}
	tunnels := sshtunnel.NewManager(registry, sshtunnel.Options{
		OnConnectionLost: policy,
		Auditor:          auditor,
	})

	sessions := sshterminal.NewSessionManager(registry, sshterminal.Options{
		TermType:       config.Cfg.TerminalType,
		ScrollbackSize: config.Cfg.ScrollbackSize,
		OutputBuffer:   config.Cfg.SessionOutputBuffer,
		Auditor:        auditor,
	})

	coord := lifecycle.New(registry, tunnels, sessions)
	log.Printf("SSH core initialized (handshake=%s, keepalive=%s x%d, tunnel policy=%s)",
		config.Cfg.HandshakeTimeout, config.Cfg.KeepaliveInterval, config.Cfg.KeepaliveCountMax, policy)

	// A panic on the main goroutine still tears down tunnels and connections.
	defer func() {
		if p := recover(); p != nil {
			log.Printf("FATAL: %v", p)
			coord.Shutdown()
			os.Exit(2)
		}
	}()

	scheduler := startScheduler(auditor, sessions,
		config.Duration("SESSION_IDLE_TIMEOUT", config.Cfg.SessionIdleTimeout, 0))

	api := &handlers.API{
		Coordinator: coord,
		Registry:    registry,
		Tunnels:     tunnels,
		Sessions:    sessions,
		Auditor:     auditor,
		DB:          db,
	}
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: api.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
			stop()
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	coord.Shutdown()
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// startScheduler runs the audit purge on AUDIT_PURGE_SCHEDULE and, when
// idleTimeout is positive, closes detached shells idle for longer.
func startScheduler(auditor *sshaudit.Auditor, sessions *sshterminal.SessionManager, idleTimeout time.Duration) *cron.Cron {
	c := cron.New()

	if _, err := c.AddFunc(config.Cfg.AuditPurgeSchedule, func() {
		n, err := auditor.PurgeOlderThan(0)
		if err != nil {
			log.Printf("[ssh-audit] purge failed: %v", err)
			return
		}
		log.Printf("[ssh-audit] purged %d entries older than %d days", n, auditor.RetentionDays())
	}); err != nil {
		log.Printf("WARNING: invalid AUDIT_PURGE_SCHEDULE %q: %v", config.Cfg.AuditPurgeSchedule, err)
	}

	if idleTimeout > 0 {
		if _, err := c.AddFunc(idleSweepSchedule, func() {
			if n := sessions.CloseIdle(idleTimeout); n > 0 {
				log.Printf("[session-mgr] closed %d idle session(s)", n)
			}
		}); err != nil {
			log.Printf("WARNING: idle sweep not scheduled: %v", err)
		}
	}

	c.Start()
	return c
}
