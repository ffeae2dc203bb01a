package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/tasks"
	"github.com/deemkeen/tusker/util"
	"github.com/deemkeen/tusker/web"
	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
)

var _ activitypub.Store = (*db.DB)(nil)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: working dir, then user config dir)")
	logLevel := flag.String("log-level", "", "override the configured log level")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(util.GetNameAndVersion())
		return
	}

	conf, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal("failed to read config", "err", err)
	}
	if *logLevel != "" {
		conf.Conf.LogLevel = *logLevel
	}
	util.SetupLogger(conf.Conf.LogLevel)
	log.Debug("Configuration: " + util.PrettyPrint(conf))

	if err := run(conf); err != nil {
		log.Fatal("server stopped", "err", err)
	}
}

func loadConfig(path string) (*util.AppConfig, error) {
	if path != "" {
		return util.ReadConfFrom(path)
	}
	return util.ReadConf()
}

func run(conf *util.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := util.ResolveDatabasePath(conf.Conf.DatabasePath)
	log.Printf("Opening database %s", dbPath)
	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	if _, err := activitypub.EnsureSystemActor(ctx, database, conf.Conf.SystemActor); err != nil {
		return err
	}

	runner := tasks.NewRunner(tasks.Resources{Pool: database}, util.Seconds(conf.Conf.DeliveryTimeout)*4)
	engine := activitypub.NewEngine(database, runner, activitypub.ConfigFromApp(conf))
	if err := engine.LoadBlocklist(ctx); err != nil {
		return err
	}

	if conf.Conf.EmbeddedScheduler {
		go tasks.NewScheduler(engine.Jobs(conf)...).Start(ctx)
	} else {
		log.Info("embedded scheduler disabled, run tusker-scheduler alongside")
	}

	if log.GetLevel() != log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           web.NewServer(conf, engine, database).Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s for %s", srv.Addr, conf.Conf.SslDomain)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Print("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown", "err", err)
	}
	if err := runner.Wait(shutdownCtx); err != nil {
		log.Warn("background tasks still running at exit", "err", err)
	}
	return nil
}
