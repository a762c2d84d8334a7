package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/senzing-garage/data-mart-replicator/common"
	"github.com/senzing-garage/data-mart-replicator/config"
	"github.com/senzing-garage/data-mart-replicator/engine"
	"github.com/senzing-garage/data-mart-replicator/followup"
	"github.com/senzing-garage/data-mart-replicator/ids"
	"github.com/senzing-garage/data-mart-replicator/ledger"
	"github.com/senzing-garage/data-mart-replicator/lifecycle"
	"github.com/senzing-garage/data-mart-replicator/martdb"
	"github.com/senzing-garage/data-mart-replicator/queue"
	"github.com/senzing-garage/data-mart-replicator/refresh"
	"github.com/senzing-garage/data-mart-replicator/report"
	"github.com/senzing-garage/data-mart-replicator/scheduler"
	"github.com/senzing-garage/data-mart-replicator/statemanager"
	"github.com/senzing-garage/data-mart-replicator/uri"
	"github.com/senzing-garage/data-mart-replicator/version"
)

// serveCmd runs the long-lived replication service: it wires together
// every component (C1-C9) per the configuration resolved from flags,
// environment, and config file, then blocks until SIGINT/SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the data-mart replication service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := common.NewContextLogger(common.Logger, map[string]interface{}{"component": "cli"})
	info := version.GetInfo()
	logger.Infof("starting datamartreplicator %s", info.String())

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"core_instance_name": cfg.coreInstanceName,
		"database_uri":       common.MaskSecret(cfg.databaseURI),
	}).Info("resolved configuration")

	db, err := openMartDB(context.Background(), cfg)
	if err != nil {
		return err
	}
	if err := db.Bootstrap(context.Background()); err != nil {
		return fmt.Errorf("bootstrapping mart schema: %w", err)
	}

	metrics := &lifecycle.Metrics{}

	repo := engine.NewHTTPRepository(cfg.coreSettings, cfg.coreInstanceName, 30*time.Second)
	repo.Verbose = engine.ParseVerbose(cfg.coreLogLevel)

	refreshPolicy, refreshPeriod := engine.ParseRefreshPolicy(cfg.refreshConfigSecs)
	configWatcher := engine.NewConfigWatcher(repo, cfg.coreConfigID, refreshPolicy, refreshPeriod)
	configWatcher.Start()

	l := ledger.New(db)
	l.Metrics = metrics
	activity := statemanager.New(statemanager.Config{ServiceName: cfg.coreInstanceName})

	sched := scheduler.New(scheduler.Config{
		Concurrency: cfg.coreConcurrency * 2,
		Activity:    activity,
		Metrics:     metrics,
	})

	followUpLoop := followup.New(sched, l, followup.Rate(cfg.processingRate).Period())

	refreshHandler := refresh.New(repo, db, l)
	refreshHandler.FollowUp = followUpLoop
	sched.RegisterHandler(refresh.Action, refreshHandler.Handle)

	reportHandler := report.New(db, l)
	reportHandler.Metrics = metrics
	for _, family := range report.Families {
		sched.RegisterHandler(ids.ActionForFamily(family), reportHandler.Handle)
	}

	consumer, err := buildConsumer(cfg, db, cfg.coreConcurrency*2, metrics)
	if err != nil {
		return err
	}

	var idleAfter time.Duration
	if viper.IsSet("idle.after") {
		idleAfter = viper.GetDuration("idle.after")
	}
	lc := lifecycle.New(lifecycle.Config{
		Consumer:   consumer,
		Scheduler:  sched,
		FollowUp:   followUpLoop,
		Ledger:     l.PendingCount,
		Activity:   activity,
		Operations: activity,
		IdleAfter:  idleAfter,
		Port:       cfg.healthPort,
		Metrics:    metrics,
	})

	if err := followUpLoop.Seed(context.Background()); err != nil {
		return fmt.Errorf("seeding follow-up loop: %w", err)
	}

	sched.Start()
	followUpLoop.Start()
	if err := consumer.Start(sched); err != nil {
		return fmt.Errorf("starting info-queue consumer: %w", err)
	}
	lc.StartHTTP()
	lc.MarkReady()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received, draining")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return lc.Shutdown(ctx,
		func(ctx context.Context) error { consumer.Stop(); return nil },
		func(ctx context.Context) error { sched.Stop(20 * time.Second); return nil },
		func(ctx context.Context) error { followUpLoop.Stop(); return nil },
		func(ctx context.Context) error { configWatcher.Stop(); db.Close(); return nil },
	)
}

// serveConfig is the resolved, validated configuration for one run of
// serve — a plain struct built once in runServe and threaded through
// every constructor, never read back out of Viper by a lower layer
// (SPEC_FULL.md REDESIGN FLAGS).
type serveConfig struct {
	coreInstanceName  string
	coreSettings      string
	coreConfigID      string
	coreLogLevel      string
	coreConcurrency   int
	refreshConfigSecs int
	processingRate    string
	databaseURI       string
	healthPort        string

	useDatabaseQueue bool
	sqsURI           string
	rabbitURI        string
	rabbitQueue      string
}

// resolveConfig reads every bound Viper key and validates spec.md §6's
// "exactly one info-queue option" and "exactly one mart database uri"
// rules.
func resolveConfig() (*serveConfig, error) {
	cfg := &serveConfig{
		coreInstanceName:  viper.GetString("core.instance_name"),
		coreSettings:      viper.GetString("core.settings"),
		coreConfigID:      viper.GetString("core.config_id"),
		coreLogLevel:      viper.GetString("core.log_level"),
		coreConcurrency:   viper.GetInt("core.concurrency"),
		refreshConfigSecs: viper.GetInt("refresh.config_seconds"),
		processingRate:    viper.GetString("processing.rate"),
		databaseURI:       viper.GetString("database.uri"),
		healthPort:        viper.GetString("health.port"),
		useDatabaseQueue:  viper.GetBool("queue.database"),
		sqsURI:            viper.GetString("queue.sqs_uri"),
		rabbitURI:         viper.GetString("queue.rabbit_uri"),
		rabbitQueue:       viper.GetString("queue.rabbit_queue"),
	}
	if cfg.processingRate == "" {
		cfg.processingRate = string(followup.RateStandard)
	}

	v := config.NewValidator()
	v.RequireString("database-uri", cfg.databaseURI)
	v.RequirePositiveInt("core-concurrency", cfg.coreConcurrency)
	v.RequireOneOf("processing-rate", cfg.processingRate, []string{
		string(followup.RateLeisurely), string(followup.RateStandard), string(followup.RateAggressive),
	})
	v.ExactlyOneOf("info-queue backend", map[string]bool{
		"database-info-queue": cfg.useDatabaseQueue,
		"sqs-info-uri":        cfg.sqsURI != "",
		"rabbit-info-uri":     cfg.rabbitURI != "",
	})
	if cfg.rabbitURI != "" {
		v.RequireString("rabbit-info-queue", cfg.rabbitQueue)
	}
	if !v.IsValid() {
		return nil, v.Err()
	}
	return cfg, nil
}

// openMartDB resolves cfg.databaseURI through the uri package (following
// one level of sz://core-settings/ indirection against coreSettings'
// JSON text) and opens the matching martdb.DB dialect.
func openMartDB(ctx context.Context, cfg *serveConfig) (martdb.DB, error) {
	raw := cfg.databaseURI

	parsed, err := uri.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing database-uri: %w", err)
	}
	if indirect, ok := parsed.(*uri.IndirectURI); ok {
		var root interface{}
		if err := json.Unmarshal([]byte(cfg.coreSettings), &root); err != nil {
			return nil, fmt.Errorf("decoding core-settings for indirect database-uri: %w", err)
		}
		resolved, err := indirect.Resolve(root)
		if err != nil {
			return nil, err
		}
		parsed, err = uri.Parse(resolved)
		if err != nil {
			return nil, fmt.Errorf("parsing indirected database-uri: %w", err)
		}
	}

	switch p := parsed.(type) {
	case *uri.PostgresURI:
		return martdb.NewPostgresDB(ctx, postgresConnString(p))
	case *uri.SQLiteURI:
		return martdb.NewSQLiteDB(sqliteDSN(p))
	default:
		return nil, fmt.Errorf("database-uri %q is not a mart database grammar", raw)
	}
}

// postgresConnString translates the replicator's own postgresql://
// grammar (HOST:PORT:DATABASE authority) into a standard libpq
// postgres:// DSN pgxpool understands.
func postgresConnString(p *uri.PostgresURI) string {
	port := p.Port
	if port == "" {
		port = "5432"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", p.User, p.Password, p.Host, port, p.Database)
	if len(p.Query) > 0 {
		dsn += "?" + p.Query.Encode()
	}
	return dsn
}

// sqliteDSN translates a parsed SQLiteURI into the path/token the
// ncruces/go-sqlite3 driver expects.
func sqliteDSN(s *uri.SQLiteURI) string {
	if s.Memory {
		return ":memory:"
	}
	return s.Path
}

// buildConsumer constructs whichever C5 backend cfg selected. Exactly
// one is guaranteed to be set by resolveConfig's validation.
func buildConsumer(cfg *serveConfig, db martdb.DB, concurrency int, metrics *lifecycle.Metrics) (queue.Consumer, error) {
	switch {
	case cfg.useDatabaseQueue:
		c := queue.NewDBQueueConsumer(db, concurrency)
		c.Metrics = metrics
		return c, nil

	case cfg.rabbitURI != "":
		c, err := queue.NewBrokerConsumer(cfg.rabbitURI, cfg.rabbitQueue, concurrency, &queue.RealAMQPDialer{})
		if err != nil {
			return nil, err
		}
		c.Metrics = metrics
		return c, nil

	case cfg.sqsURI != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for cloud queue: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg)
		c := queue.NewCloudQueueConsumer(client, cfg.sqsURI, concurrency)
		c.Metrics = metrics
		return c, nil

	default:
		return nil, fmt.Errorf("no info-queue backend selected")
	}
}
