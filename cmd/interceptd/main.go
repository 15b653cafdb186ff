// Command interceptd runs the interception engine with the control API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/config"
	"github.com/elazarl/intercept/control"
	"github.com/elazarl/intercept/ext/auth"
	"github.com/elazarl/intercept/ext/har"
	"github.com/elazarl/intercept/ext/limitation"
	"github.com/elazarl/intercept/history"
)

func main() {
	configPath := flag.String("config", "interceptd.yaml", "configuration file, created with the defaults if missing")
	addr := flag.String("addr", "", "proxy listen address, overrides the configuration")
	controlAddr := flag.String("control", "", "control API listen address, overrides the configuration")
	verbose := flag.Bool("v", false, "log every exchange")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		newLogger(config.Default().Log).Fatal("Bad configuration", zap.String("path", *configPath), zap.Error(err))
	}
	if *addr != "" {
		cfg.Listen = []config.Listener{{Addr: *addr}}
	}
	if *controlAddr != "" {
		cfg.Control = *controlAddr
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}

	log := newLogger(cfg.Log)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("interceptd failed", zap.Error(err))
	}
}

func newLogger(c config.Log) *zap.Logger {
	level, _ := intercept.ParseLevel(c.Level)
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level.ZapLevel())
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := zc.Build()
	if err != nil {
		return zap.NewExample()
	}
	return l
}

func run(cfg config.Config, log *zap.Logger) error {
	ca, created, err := intercept.LoadOrCreateCA(cfg.CA.Cert, cfg.CA.Key)
	if err != nil {
		return err
	}
	if created {
		log.Info("Generated a new root CA, install it in the clients", zap.String("cert", cfg.CA.Cert))
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts.Logger = intercept.NewZapLogger(log)

	store := history.NewMemory(cfg.History.Capacity)
	sinks := history.Tee{store}
	var harLog *har.Logger
	if cfg.History.HAR != "" {
		harLog = newHARLogger(cfg.History, log)
		sinks = append(sinks, harLog)
	}
	opts.History = sinks

	engine, err := intercept.New(ca, opts)
	if err != nil {
		return err
	}
	if len(cfg.Auth.Users) > 0 {
		auth.ProxyBasic(engine, cfg.Auth.Realm, func(user, passwd string) bool {
			want, ok := cfg.Auth.Users[user]
			return ok && want == passwd
		})
	}

	api := control.New(engine, control.WithHistory(store))
	for _, r := range cfg.Breakpoints.Rules {
		if _, err := api.AddRule(r); err != nil {
			return err
		}
	}

	var lns []net.Listener
	for _, b := range cfg.Bindings() {
		ln, err := listen(b, cfg.Limits)
		if err != nil {
			log.Error("Cannot listen", zap.String("addr", b.Addr), zap.Error(err))
			continue
		}
		lns = append(lns, ln)
		log.Info("Listening", zap.String("addr", ln.Addr().String()), zap.Bool("transparent", b.Transparent || b.TProxy))
		go func() {
			if err := engine.ServeBinding(ln, b); err != nil && !errors.Is(err, intercept.ErrEngineClosed) {
				log.Error("Listener stopped", zap.String("addr", b.Addr), zap.Error(err))
			}
		}()
	}
	if len(lns) == 0 {
		return errors.New("no listener could be bound")
	}

	var srv *http.Server
	if cfg.Control != "" {
		srv = &http.Server{Addr: cfg.Control, Handler: api, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("Control API listening", zap.String("addr", cfg.Control))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Control API stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownGrace+5*time.Second)
	defer cancel()
	if srv != nil {
		srv.Shutdown(shutdownCtx)
	}
	err = engine.Shutdown(shutdownCtx)
	if harLog != nil {
		harLog.Stop()
	}
	return err
}

// listen binds b and wraps the listener with the admission limits.
func listen(b intercept.Binding, limits config.Limits) (net.Listener, error) {
	ln, err := intercept.ListenBinding(b)
	if err != nil {
		return nil, err
	}
	ln = limitation.AcceptRate(ln, rate.Limit(limits.AcceptRate), limits.AcceptBurst)
	return limitation.ConcurrentConnections(ln, limits.MaxConnections), nil
}

// newHARLogger writes the whole archive to c.HAR after each export.
func newHARLogger(c config.History, log *zap.Logger) *har.Logger {
	var (
		mu      sync.Mutex
		archive = har.New()
	)
	export := func(entries []har.Entry) {
		mu.Lock()
		defer mu.Unlock()
		archive.AppendEntry(entries...)
		data, err := json.Marshal(archive)
		if err == nil {
			err = os.WriteFile(c.HAR, data, 0o644)
		}
		if err != nil {
			log.Error("Cannot write HAR file", zap.String("path", c.HAR), zap.Error(err))
		}
	}
	opts := []har.LoggerOption{har.WithExportThreshold(20)}
	if c.HARInterval > 0 {
		opts = append(opts, har.WithExportInterval(c.HARInterval))
	}
	if c.HARContent {
		opts = append(opts, har.WithContent())
	}
	return har.NewLogger(export, opts...)
}
