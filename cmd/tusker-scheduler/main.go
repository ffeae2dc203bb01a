// Command tusker-scheduler runs the periodic maintenance jobs (delivery
// retries, actor refresh, health checks) against a tusker database, for
// deployments that disable the scheduler embedded in the server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/tasks"
	"github.com/deemkeen/tusker/util"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	once := flag.Bool("once", false, "run every job a single time and exit")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	var conf *util.AppConfig
	var err error
	if *configPath != "" {
		conf, err = util.ReadConfFrom(*configPath)
	} else {
		conf, err = util.ReadConf()
	}
	if err != nil {
		log.Fatal("failed to read config", "err", err)
	}
	if *logLevel != "" {
		conf.Conf.LogLevel = *logLevel
	}
	util.SetupLogger(conf.Conf.LogLevel)

	if err := run(conf, *once); err != nil {
		log.Fatal("scheduler failed", "err", err)
	}
}

func run(conf *util.AppConfig, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(util.ResolveDatabasePath(conf.Conf.DatabasePath))
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

	scheduler := tasks.NewScheduler(engine.Jobs(conf)...)
	if once {
		err = scheduler.RunOnce(ctx)
	} else {
		scheduler.Start(ctx)
	}

	// let fetches spawned by the jobs finish
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if waitErr := runner.Wait(waitCtx); waitErr != nil {
		log.Warn("background tasks still running at exit", "err", waitErr)
	}
	return err
}
