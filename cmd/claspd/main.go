// Command claspd runs a CLASP router with WebSocket and WebTransport
// listeners. Flags configure the router; CLASP_* environment variables (and
// an optional .env file) override flag defaults.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/lumencanvas/clasp/internal/auth"
	"github.com/lumencanvas/clasp/internal/clock"
	"github.com/lumencanvas/clasp/internal/metrics"
	"github.com/lumencanvas/clasp/internal/router"
	"github.com/lumencanvas/clasp/internal/store"
	"github.com/lumencanvas/clasp/internal/transport/ws"
	"github.com/lumencanvas/clasp/internal/transport/wt"
)

// envConfig carries environment overrides for flag defaults.
type envConfig struct {
	Addr         string        `env:"CLASP_ADDR" envDefault:":7330"`
	WTAddr       string        `env:"CLASP_WT_ADDR" envDefault:""`
	MetricsAddr  string        `env:"CLASP_METRICS_ADDR" envDefault:""`
	DBPath       string        `env:"CLASP_DB" envDefault:""`
	Name         string        `env:"CLASP_NAME" envDefault:"clasp"`
	Open         bool          `env:"CLASP_OPEN" envDefault:"true"`
	StaticToken  string        `env:"CLASP_STATIC_TOKEN" envDefault:""`
	StaticSub    string        `env:"CLASP_STATIC_SUBJECT" envDefault:"operator"`
	JWTSecret    string        `env:"CLASP_JWT_SECRET" envDefault:""`
	JWTIssuer    string        `env:"CLASP_JWT_ISSUER" envDefault:""`
	SessionIdle  time.Duration `env:"CLASP_SESSION_TIMEOUT" envDefault:"60s"`
	MaxSessions  int           `env:"CLASP_MAX_SESSIONS" envDefault:"0"`
	MaxSubs      int           `env:"CLASP_MAX_SUBSCRIPTIONS" envDefault:"0"`
	RateLimit    int           `env:"CLASP_RATE_LIMIT" envDefault:"0"`
	ParamTTL     time.Duration `env:"CLASP_PARAM_TTL" envDefault:"0"`
	GestureMS    int           `env:"CLASP_GESTURE_INTERVAL_MS" envDefault:"0"`
	CertValidity time.Duration `env:"CLASP_CERT_VALIDITY" envDefault:"24h"`
}

func main() {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	var defaults envConfig
	if err := env.Parse(&defaults); err != nil {
		slog.Error("parse environment", "err", err)
		os.Exit(1)
	}

	addr := flag.String("addr", defaults.Addr, "HTTP/WebSocket listen address")
	wtAddr := flag.String("wt-addr", defaults.WTAddr, "WebTransport (QUIC) listen address (empty to disable)")
	metricsAddr := flag.String("metrics-addr", defaults.MetricsAddr, "prometheus metrics listen address (empty to disable)")
	dbPath := flag.String("db", defaults.DBPath, "SQLite database path for param persistence (empty for in-memory only)")
	name := flag.String("name", defaults.Name, "router name reported in WELCOME")
	open := flag.Bool("open", defaults.Open, "open security mode (skip token validation)")
	sessionTimeout := flag.Duration("session-timeout", defaults.SessionIdle, "session idle timeout")
	maxSessions := flag.Int("max-sessions", defaults.MaxSessions, "maximum concurrent sessions (0=unlimited)")
	maxSubs := flag.Int("max-subs", defaults.MaxSubs, "maximum subscriptions per session (0=unlimited)")
	rateLimit := flag.Int("rate-limit", defaults.RateLimit, "maximum inbound messages per second per session (0=disabled)")
	paramTTL := flag.Duration("param-ttl", defaults.ParamTTL, "param TTL (0=disabled)")
	gestureMS := flag.Int("gesture-interval", defaults.GestureMS, "gesture coalescing interval in ms (0=disabled)")
	certValidity := flag.Duration("cert-validity", defaults.CertValidity, "self-signed TLS certificate validity for WebTransport")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	// Open persistent store when a db path is configured.
	var persister store.Persister
	if *dbPath != "" {
		p, err := store.OpenSQLite(*dbPath, log)
		if err != nil {
			log.Error("open store", "path", *dbPath, "err", err)
			os.Exit(1)
		}
		defer p.Close()
		persister = p
	}
	st, err := store.New(store.Config{Persister: persister, Logger: log})
	if err != nil {
		log.Error("load store", "err", err)
		os.Exit(1)
	}

	// Validator chain: static pre-shared token and/or JWT, by token prefix.
	var chain *auth.Chain
	mode := router.Open
	if !*open {
		mode = router.Authenticated
		chain = auth.NewChain()
		if defaults.StaticToken != "" {
			chain.Register(auth.NewStaticValidator(map[string]auth.Result{
				auth.StaticPrefix + defaults.StaticToken: {
					Subject: defaults.StaticSub,
					Scopes:  auth.ScopeSet{auth.MustParseScope("admin:/**")},
				},
			}))
		}
		if defaults.JWTSecret != "" {
			chain.Register(auth.NewJWTValidator([]byte(defaults.JWTSecret), defaults.JWTIssuer))
		}
	}

	met := metrics.New()
	cfg := router.Config{
		Name:                       *name,
		MaxSessions:                *maxSessions,
		SessionTimeout:             *sessionTimeout,
		SecurityMode:               mode,
		MaxSubscriptionsPerSession: *maxSubs,
		RateLimitingEnabled:        *rateLimit > 0,
		MaxMessagesPerSecond:       *rateLimit,
		GestureCoalescing:          *gestureMS > 0,
		GestureCoalesceInterval:    time.Duration(*gestureMS) * time.Millisecond,
		ParamTTL:                   *paramTTL,
		Logger:                     log,
		Metrics:                    met,
	}
	r := router.New(st, chain, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	// Periodic TTL sweep.
	if *paramTTL > 0 {
		interval := *paramTTL / 2
		if interval < time.Second {
			interval = time.Second
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := r.SweepTTL(); n > 0 {
						log.Info("ttl sweep", "expired", n)
					}
				}
			}
		}()
	}

	// Periodic clock sync probes.
	go func() {
		ticker := time.NewTicker(clock.DefaultSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.DriveSync()
			}
		}
	}()

	// Stats log line.
	go met.RunStats(ctx, log, 30*time.Second)

	// Prometheus endpoint.
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		msrv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shCancel()
			msrv.Shutdown(shCtx)
		}()
		go func() {
			log.Info("metrics listening", "addr", *metricsAddr)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
	}

	// WebTransport listener.
	if *wtAddr != "" {
		tlsConf, fingerprint, err := wt.GenerateTLSConfig(*certValidity, "")
		if err != nil {
			log.Error("tls", "err", err)
			os.Exit(1)
		}
		log.Info("certificate fingerprint", "sha256", fingerprint)
		wtSrv := wt.NewServer(r, *wtAddr, tlsConf)
		go func() {
			if err := wtSrv.Run(ctx); err != nil {
				log.Error("webtransport server", "err", err)
			}
		}()
	}

	// WebSocket listener (echo).
	e := echo.New()
	e.HideBanner = true
	ws.NewHandler(r).Register(e)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, *name+" router")
	})
	go func() {
		<-ctx.Done()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		e.Shutdown(shCtx)
		r.Close()
	}()

	log.Info("listening", "addr", *addr, "name", *name)
	if err := e.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server", "err", err)
		os.Exit(1)
	}
}
