// Command buildmaster is the master coordinator's entry point: it
// loads configuration, wires every task together, serves the HTTP
// endpoints DRIVER/JUGGLER/CHASE/DIAG/SUPERVISOR expose, and runs
// until an operator QUITs or a startup precondition fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/accesslog"
	"github.com/piwheels/master/internal/arch"
	"github.com/piwheels/master/internal/auth"
	"github.com/piwheels/master/internal/bigbro"
	"github.com/piwheels/master/internal/chase"
	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/diag"
	"github.com/piwheels/master/internal/driver"
	"github.com/piwheels/master/internal/gazer"
	"github.com/piwheels/master/internal/juggler"
	"github.com/piwheels/master/internal/logging"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/oracle"
	"github.com/piwheels/master/internal/scribe"
	"github.com/piwheels/master/internal/secretary"
	"github.com/piwheels/master/internal/store"
	"github.com/piwheels/master/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults/env apply regardless)")
	dsn := flag.String("dsn", "", "database DSN (overrides config/env)")
	driverAddr := flag.String("driver-addr", "", "builder protocol listen address (overrides config)")
	jugglerAddr := flag.String("juggler-addr", "", "file-transfer listen address (overrides config)")
	controlAddr := flag.String("control-addr", "", "SUPERVISOR control listen address (overrides config)")
	diagAddr := flag.String("diag-addr", "", "metrics/health listen address (overrides config)")
	outputRoot := flag.String("output-root", "", "static site output root (overrides config)")
	dev := flag.Bool("dev", false, "enable development mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "buildmaster: load config:", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *dsn, *driverAddr, *jugglerAddr, *controlAddr, *diagAddr, *outputRoot, *dev)

	log := logging.New(cfg.Logging)
	entry := log.WithField("component", "buildmaster")

	if err := run(cfg, entry); err != nil {
		entry.WithError(err).Error("buildmaster: fatal")
		os.Exit(1)
	}
}

func applyFlagOverrides(cfg *config.Config, dsn, driverAddr, jugglerAddr, controlAddr, diagAddr, outputRoot string, dev bool) {
	if dsn != "" {
		cfg.Database.DSN = dsn
	}
	if driverAddr != "" {
		cfg.Driver.ListenAddr = driverAddr
	}
	if jugglerAddr != "" {
		cfg.Juggler.ListenAddr = jugglerAddr
	}
	if controlAddr != "" {
		cfg.Supervisor.ControlAddr = controlAddr
	}
	if diagAddr != "" {
		cfg.Diag.ListenAddr = diagAddr
	}
	if outputRoot != "" {
		cfg.Scribe.OutputRoot = outputRoot
	}
	if dev {
		cfg.Development = true
	}
}

// run wires every task together and blocks until SUPERVISOR's QUIT
// sequence (operator-triggered, or via SIGINT/SIGTERM, or a fatal task
// error) completes. The four contexts below are cancelled in the order
// spec §4.10 requires: GAZER/ARCH first, DRIVER's pipeline (including
// JUGGLER/CHASE/BIG_BRO/ACCESSLOG) once in-flight work has had a
// chance to finish, SECRETARY next so it persists its pending set, and
// ORACLE's pool last.
func run(cfg *config.Config, log *logrus.Entry) error {
	gazerArchCtx, cancelGazerArch := context.WithCancel(context.Background())
	driverCtx, cancelDriver := context.WithCancel(context.Background())
	secretaryCtx, cancelSecretary := context.WithCancel(context.Background())
	oracleCtx, cancelOracle := context.WithCancel(context.Background())
	defer cancelGazerArch()
	defer cancelDriver()
	defer cancelSecretary()
	defer cancelOracle()

	registry := prometheus.NewRegistry()

	stores := make([]store.Store, cfg.Oracle.Workers)
	for i := range stores {
		pg, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, time.Duration(cfg.Database.ConnMaxLifetime)*time.Second)
		if err != nil {
			return fmt.Errorf("oracle worker %d: %w", i, err)
		}
		if err := pg.Ping(oracleCtx); err != nil {
			return fmt.Errorf("oracle worker %d: ping: %w", i, err)
		}
		stores[i] = pg
	}
	lb := oracle.New(oracleCtx, stores, metrics.NewRecorder(registry, "oracle"), log, time.Duration(cfg.Oracle.CallTimeoutSec)*time.Second)

	scr, err := scribe.New(cfg.Scribe, lb, metrics.NewRecorder(registry, "scribe"), log)
	if err != nil {
		return fmt.Errorf("scribe: %w", err)
	}

	sec := secretary.New(scr, lb, cfg.Secretary, metrics.NewRecorder(registry, "secretary"), log)

	jug := juggler.New(cfg.Juggler, metrics.NewRecorder(registry, "juggler"), log)
	drv := driver.New(cfg.Driver, lb, sec, jug, metrics.NewRecorder(registry, "driver"), log)
	jug.SetDriver(drv)

	archControl := make(chan bool, 1)
	a := arch.New(lb, cfg.Arch, metrics.NewRecorder(registry, "arch"), log, archControl)

	gazerControl := make(chan bool, 1)
	indexClient := gazer.NewHTTPIndexClient(cfg.Gazer.IndexURL, cfg.Gazer.CatalogueURL, cfg.Gazer.MetadataPath)
	gz := gazer.New(indexClient, lb, cfg.Gazer, metrics.NewRecorder(registry, "gazer"), log, gazerControl)

	authenticator := auth.New(cfg.Auth)
	sup := supervisor.New(cfg.Supervisor, drv, authenticator, log)

	ch := chase.New(cfg.Chase, lb, sec, scr, metrics.NewRecorder(registry, "chase"), log)
	bb := bigbro.New(lb, a, drv, scr, sup, cfg.BigBro, metrics.NewRecorder(registry, "bigbro"), log)
	al := accesslog.New(cfg.Accesslog, lb, metrics.NewRecorder(registry, "accesslog"), log)
	dg := diag.New(cfg.Diag, registry, log)
	dg.RegisterCheck("oracle", func(ctx context.Context) error {
		_, err := lb.GetConfiguration(ctx)
		return err
	})

	sup.RegisterPausable("gazer", gazerControl)
	sup.RegisterPausable("arch", archControl)

	go forwardSnapshots(gazerArchCtx, a, drv)

	errCh := make(chan error, 16)
	spawn := func(name string, ctx context.Context, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("arch", gazerArchCtx, a.Run)
	spawn("gazer", gazerArchCtx, gz.Run)
	spawn("driver", driverCtx, drv.Run)
	spawn("juggler", driverCtx, jug.Run)
	spawn("chase", driverCtx, ch.Run)
	spawn("bigbro", driverCtx, bb.Run)
	spawn("accesslog", driverCtx, al.Run)
	spawn("diag", driverCtx, dg.Run)
	spawn("secretary", secretaryCtx, sec.Run)

	driverSrv := &http.Server{Addr: cfg.Driver.ListenAddr, Handler: drv.Handler()}
	jugglerSrv := &http.Server{Addr: cfg.Juggler.ListenAddr, Handler: jug.Handler()}
	controlSrv := &http.Server{Addr: cfg.Supervisor.ControlAddr, Handler: sup.Router()}
	spawn("driver-http", driverCtx, serveHTTP(driverSrv))
	spawn("juggler-http", driverCtx, serveHTTP(jugglerSrv))
	spawn("control-http", driverCtx, serveHTTP(controlSrv))

	sup.RegisterShutdownStep("gazer-arch", func(ctx context.Context) error {
		cancelGazerArch()
		return nil
	})
	sup.RegisterShutdownStep("driver-pipeline", func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := driverSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("buildmaster: driver http shutdown")
		}
		if err := jugglerSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("buildmaster: juggler http shutdown")
		}
		if err := controlSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("buildmaster: control http shutdown")
		}
		cancelDriver()
		return nil
	})
	sup.RegisterShutdownStep("secretary-persist", func(ctx context.Context) error {
		cancelSecretary()
		return nil
	})
	sup.RegisterShutdownStep("oracle-pool", func(ctx context.Context) error {
		cancelOracle()
		lb.Shutdown()
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("buildmaster: signal received, quitting")
		go sup.Quit()
	case err := <-errCh:
		log.WithError(err).Error("buildmaster: task failed, quitting")
		go sup.Quit()
	case <-sup.Done():
	}

	<-sup.Done()
	return nil
}

// forwardSnapshots relays ARCH's published queue snapshots to DRIVER;
// kept outside both tasks since neither owns the other's lifecycle.
func forwardSnapshots(ctx context.Context, a *arch.Arch, drv *driver.Driver) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-a.Snapshots():
			drv.ApplySnapshot(snap)
		}
	}
}

func serveHTTP(srv *http.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
