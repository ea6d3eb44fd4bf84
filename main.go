package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"rotating-proxy/logbuf"
	"rotating-proxy/logic"
	"rotating-proxy/service"
	"rotating-proxy/storage"
	"rotating-proxy/web"
)

func main() {
	var (
		configPath string
		envPath    string
		genConfig  string
	)
	flag.StringVar(&configPath, "config", "", "path to YAML/JSON config (default ./config.yaml when present)")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with ROTATOR_* overrides")
	flag.StringVar(&genConfig, "gen-config", "", "write a config template to this path and exit")
	flag.Parse()

	if genConfig != "" {
		if err := SaveConfigTemplate(genConfig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("config template written to %s\n", genConfig)
		return
	}

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", envPath, err)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ring := logbuf.Init(cfg.Log.Level, cfg.Log.BufferLines)
	if err := run(cfg, ring); err != nil {
		log.Fatal().Err(err).Msg("exiting")
	}
}

func run(cfg *Config, ring *logbuf.Ring) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := logic.NewProxyStore()
	ranker := &logic.Ranker{Store: store, MaxFailures: cfg.Validation.MaxFailures}

	var sink logic.HistorySink
	if cfg.History.Path != "" {
		db, err := storage.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history database: %w", err)
		}
		defer db.Close()
		sink = storage.NewHistoryStore(db)
	}
	history := logic.NewHistory(sink, logbuf.WithComponent("history"))
	if err := history.Load(ctx, cfg.History.Load); err != nil {
		log.Warn().Err(err).Msg("load rotation history")
	}

	svc := service.New(service.Config{
		HTTPListen:      cfg.Service.HTTPListen,
		SOCKS5Listen:    cfg.Service.SOCKS5Listen,
		DialTimeout:     cfg.Service.DialTimeout,
		RetargetCheck:   cfg.Service.RetargetCheck,
		RetargetTimeout: cfg.Service.RetargetTimeout,
		CheckTarget:     cfg.Service.CheckTarget,
	}, ranker.StillEligible, logbuf.WithComponent("service"))
	defer svc.Close()

	rotator := logic.NewRotationController(ranker, svc, history, logbuf.WithComponent("rotator"))
	defer rotator.Close()

	tasks := logic.NewTaskRegistry(logbuf.WithComponent("tasks"))
	pool := &logic.Pool{
		Store:  store,
		Ranker: ranker,
		Validator: logic.NewValidator(store, logic.NewNetProber(cfg.probeConfig()), cfg.validatorConfig(),
			logbuf.WithComponent("validator")),
		Fetcher: &logic.SourceFetcher{
			Sources: cfg.Fetch.Sources,
			Static:  cfg.Fetch.Proxies,
			Timeout: cfg.Fetch.Timeout,
		},
		Tasks:        tasks,
		Rotator:      rotator,
		AutoValidate: cfg.Fetch.AutoValidate,
		Log:          logbuf.WithComponent("pool"),
	}

	if cfg.Rotation.AutoEnabled {
		for _, p := range logic.Protocols {
			if err := rotator.SetAutoRotation(p, true, cfg.Rotation.AutoInterval); err != nil {
				return err
			}
		}
	}
	if cfg.Fetch.OnStart {
		pool.TriggerFetch()
	}
	go pool.Schedule(ctx, logic.TaskFetch, cfg.Fetch.RefreshEvery)
	go pool.Schedule(ctx, logic.TaskValidate, cfg.Validation.RetestInterval)
	if cfg.Service.AutoStart {
		go autoStart(ctx, pool, rotator, svc)
	}

	gin.SetMode(gin.ReleaseMode)
	api := &web.Server{
		Pool:     pool,
		Rotator:  rotator,
		Service:  svc,
		Logs:     ring,
		Log:      logbuf.WithComponent("web"),
		BasePath: cfg.Web.BasePath,
	}
	webServer := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logbuf.StdLogger(logbuf.WithComponent("web")),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", "http://"+cfg.Web.Listen+cfg.Web.BasePath).Msg("web api listening")
		if err := webServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = webServer.Shutdown(shutdownCtx)
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("task shutdown")
	}
	return nil
}

// autoStart waits for the first fetch/validate round and brings up every
// protocol that has an eligible proxy.
func autoStart(ctx context.Context, pool *logic.Pool, rotator *logic.RotationController, svc *service.Service) {
	for _, kind := range []logic.TaskKind{logic.TaskFetch, logic.TaskValidate} {
		select {
		case <-ctx.Done():
			return
		case <-pool.Tasks.Done(kind):
		}
	}
	for _, p := range logic.Protocols {
		if _, ok := svc.Current(p); !ok {
			if _, err := rotator.Rotate(ctx, p); err != nil {
				log.Warn().Err(err).Str("protocol", string(p)).Msg("auto start skipped")
				continue
			}
		}
		if err := svc.Start(p); err != nil {
			log.Warn().Err(err).Str("protocol", string(p)).Msg("auto start")
		}
	}
}
