package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"speedtest-monitor/pkg/catalog"
	"speedtest-monitor/pkg/config"
	"speedtest-monitor/pkg/connectivity"
	"speedtest-monitor/pkg/database"
	"speedtest-monitor/pkg/ipinfo"
	"speedtest-monitor/pkg/metrics"
	"speedtest-monitor/pkg/models"
	"speedtest-monitor/pkg/scheduler"
	"speedtest-monitor/pkg/sink"
	"speedtest-monitor/pkg/speedtest"
)

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
	logFile    *lumberjack.Logger
	cfg        *config.Config
)

// flagKeys maps command flags onto config keys. A flag set on the command
// line overrides the config file.
var flagKeys = map[string]string{
	"server":   "speedtest.server_id",
	"interval": "schedule.interval_minutes",
	"now":      "schedule.run_on_start",
	"csv":      "output.csv_enabled",
	"json":     "output.json_enabled",
	"postgres": "output.postgres_enabled",
}

var rootCmd = &cobra.Command{
	Use:   "speedtest-monitor",
	Short: "Periodically measure internet speed against speedtest.net servers",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				viper.BindPFlag(key, f)
			}
		}

		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}

		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		var w io.Writer = os.Stderr
		if cfg.Log.File != "" {
			logFile = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   cfg.Log.Compress,
			}
			w = io.MultiWriter(os.Stderr, logFile)
		}

		logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List speedtest servers, optionally filtered by name, sponsor or country",
	Example: `servers --search frankfurt
servers --country auto --store`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		search, _ := cmd.Flags().GetString("search")
		country, _ := cmd.Flags().GetString("country")
		store, _ := cmd.Flags().GetBool("store")

		db, closeDB := openDB(ctx, store || cfg.Output.PostgresEnabled)
		defer closeDB()

		transport := resolveTransport(ctx)
		cat := newCatalog(transport, db)
		if _, err := cat.Load(ctx); err != nil {
			logger.Error("Error loading server list", "error", err)
			os.Exit(1)
		}

		if country == "auto" {
			client := ipinfo.Client{
				Token:      cfg.IPInfo.Token,
				Transport:  transport,
				TimeoutSec: cfg.Speedtest.TimeoutSec,
			}
			info, err := client.ClientInfo(ctx)
			if err != nil {
				logger.Error("Error detecting client country", "error", err)
				os.Exit(1)
			}
			asn, org := ipinfo.ParseOrg(info.Org)
			logger.Info("Detected client country",
				"country", info.Country,
				"ip", info.IP,
				"asn", asn,
				"org", org)
			country = info.Country
		}

		servers := cat.Filter(search, country)
		logger.Debug("Filtered server list",
			"search", search,
			"country", country,
			"matched", len(servers),
			"total", len(cat.Servers()))
		printServers(os.Stdout, servers)

		if !store {
			return
		}
		if err := db.UpsertServers(ctx, servers); err != nil {
			logger.Error("Error storing servers", "error", err)
			os.Exit(1)
		}
		logger.Info("Servers stored successfully", "count", len(servers))
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single speed test and write it to the enabled outputs",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		sessionID := uuid.NewString()

		db, closeDB := openDB(ctx, cfg.Output.PostgresEnabled)
		defer closeDB()

		runner := newRunner(resolveTransport(ctx), db)
		result, err := runner.Run(ctx, targetFromConfig())
		if err != nil {
			logger.Error("Error running speed test", "error", err)
			os.Exit(1)
		}
		printResult(os.Stdout, result)

		sinks := openSinks(db, sessionID)
		if err := sinks.Write(context.WithoutCancel(ctx), result); err != nil {
			logger.Error("Error saving results", "error", err)
			os.Exit(1)
		}
		logger.Info("Results saved", "outputs", sinks.Names(), "session", sessionID)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run speed tests on a fixed interval until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		sessionID := uuid.NewString()
		logger = logger.With("session", sessionID)

		transport := resolveTransport(ctx)
		if transport != "" {
			preflight(ctx, transport)
		}

		db, closeDB := openDB(ctx, cfg.Output.PostgresEnabled)
		defer closeDB()

		runner := newRunner(transport, db)
		sinks := openSinks(db, sessionID)
		if sinks.Len() == 0 {
			logger.Warn("No outputs enabled, results will only be logged")
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg)
		if cfg.Metrics.Addr != "" {
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, logger); err != nil {
					logger.Error("Metrics server failed", "error", err)
				}
			}()
		}

		sch := scheduler.New(runner, sinks, logger,
			scheduler.ConfigFrom(cfg.Schedule, targetFromConfig()),
			scheduler.WithMetrics(m))
		if err := sch.Start(ctx); err != nil {
			logger.Error("Error starting scheduler", "error", err)
			os.Exit(1)
		}

		for ev := range sch.Events() {
			printEvent(os.Stdout, ev)
		}
		sch.Wait()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the configured transport can resolve and reach the internet",
	Run: func(cmd *cobra.Command, args []string) {
		proto, _ := cmd.Flags().GetString("proto")
		resolver, _ := cmd.Flags().GetString("resolver")
		domain, _ := cmd.Flags().GetString("domain")

		report, err := connectivity.CheckTransport(cmd.Context(), resolveTransport(cmd.Context()), proto, resolver, domain)
		if err != nil {
			logger.Error("Error checking transport", "error", err)
			os.Exit(1)
		}
		if err := report.Err(); err != nil {
			logger.Error("Transport check failed",
				"proto", report.Proto,
				"resolver", report.Resolver,
				"durationMs", report.DurationMs,
				"error", err)
			os.Exit(1)
		}
		logger.Info("Transport check passed",
			"proto", report.Proto,
			"resolver", report.Resolver,
			"durationMs", report.DurationMs)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored results from the CSV or JSON output file or from Postgres",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		last, _ := cmd.Flags().GetInt("last")
		format, _ := cmd.Flags().GetString("format")
		session, _ := cmd.Flags().GetString("session")

		var results []models.MeasurementResult
		var err error
		switch format = historyFormat(cfg.Output, format); format {
		case "postgres":
			db, closeDB := openDB(ctx, true)
			defer closeDB()

			var rows []models.Measurement
			rows, err = db.GetMeasurements(ctx, session, last)
			results = measurementResults(rows)
		default:
			results, err = readHistory(cfg.Output, format)
		}
		if err != nil {
			logger.Error("Error reading results", "format", format, "error", err)
			os.Exit(1)
		}
		if last > 0 && len(results) > last {
			results = results[len(results)-last:]
		}
		printHistory(os.Stdout, results)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default ./config.yaml)")

	serversCmd.Flags().StringP("search", "s", "", "Case-insensitive substring of the server name or sponsor")
	serversCmd.Flags().String("country", "", "Country name or two-letter code; 'auto' detects it through ipinfo")
	serversCmd.Flags().Bool("store", false, "Upsert the listed servers into Postgres")

	runCmd.Flags().String("server", "", "Numeric server id (default: lowest latency server)")

	monitorCmd.Flags().String("server", "", "Numeric server id (default: lowest latency server)")
	monitorCmd.Flags().IntP("interval", "i", 10, "Minutes between speed tests")
	monitorCmd.Flags().Bool("csv", true, "Append results to the CSV file")
	monitorCmd.Flags().Bool("json", true, "Append results to the JSON file")
	monitorCmd.Flags().Bool("postgres", false, "Store results in Postgres")
	monitorCmd.Flags().Bool("now", false, "Run the first test immediately instead of after one interval")

	checkCmd.Flags().String("proto", "tcp", "Protocol for the DNS test: tcp or udp")
	checkCmd.Flags().String("resolver", connectivity.DefaultResolver, "DNS resolver address")
	checkCmd.Flags().String("domain", connectivity.DefaultDomain, "Domain to resolve through the transport")

	historyCmd.Flags().IntP("last", "n", 10, "Number of most recent results to show (0 for all)")
	historyCmd.Flags().String("format", "", "Read from 'csv', 'json' or 'postgres' (default: whichever output is enabled)")
	historyCmd.Flags().String("session", "", "Only show results of this monitor session (postgres only)")

	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
}

func initConfig() {
	if err := config.Init(viper.GetViper(), configFile); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

func initDB(ctx context.Context) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	err = db.InitSchema(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

func resolveTransport(ctx context.Context) string {
	transport, err := cfg.Speedtest.ResolveTransport(ctx)
	if err != nil {
		logger.Error("Error resolving transport", "error", err)
		os.Exit(1)
	}
	if transport != "" {
		logger.Debug("Using transport", "transport", transport)
	}
	return transport
}

// newCatalog reads the speedtest.net server list. With a database it falls
// back to the servers saved by "servers --store".
func newCatalog(transport string, db *database.DB) *catalog.Catalog {
	cat := catalog.New(catalog.HTTPSource{
		URL:        cfg.Speedtest.CatalogURL,
		Transport:  transport,
		TimeoutSec: cfg.Speedtest.TimeoutSec,
	}, logger)
	if db != nil {
		cat.WithFallback(catalog.StoredSource{Store: db})
	}
	return cat
}

func newRunner(transport string, db *database.DB) *speedtest.Runner {
	measurer := &speedtest.HTTPMeasurer{
		Transport:     transport,
		TimeoutSec:    cfg.Speedtest.TimeoutSec,
		DownloadSizes: cfg.Speedtest.DownloadSizes,
		UploadSizes:   cfg.Speedtest.UploadSizes,
		Concurrency:   cfg.Speedtest.Concurrency,
	}
	return speedtest.NewRunner(newCatalog(transport, db), measurer, logger, cfg.Speedtest.BestOf)
}

// preflight warns when the transport cannot reach the internet. The monitor
// still starts, since the transport may recover before the first cycle.
func preflight(ctx context.Context, transport string) {
	report, err := connectivity.CheckTransport(ctx, transport, "tcp", "", "")
	if err == nil {
		err = report.Err()
	}
	if err != nil {
		logger.Warn("Transport check failed", "error", err)
		return
	}
	logger.Debug("Transport check passed", "durationMs", report.DurationMs)
}

func targetFromConfig() models.Target {
	return models.Target{ManualID: cfg.Speedtest.ServerID}
}

// openDB connects to Postgres when want is set. The returned func releases
// the connection; db is nil when no connection was requested.
func openDB(ctx context.Context, want bool) (*database.DB, func()) {
	if !want {
		return nil, func() {}
	}
	db, err := initDB(ctx)
	if err != nil {
		logger.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	return db, func() { db.Close() }
}

// openSinks builds the enabled outputs. db is only used by the postgres
// output.
func openSinks(db *database.DB, sessionID string) *sink.Multi {
	var store sink.MeasurementStore
	if db != nil {
		store = db
	}

	sinks, err := sink.FromConfig(cfg.Output, store, sessionID)
	if err != nil {
		logger.Error("Error configuring outputs", "error", err)
		os.Exit(1)
	}
	logger.Debug("Outputs configured", "outputs", sinks.Names(), "directory", cfg.Output.OutputDirectory)
	return sinks
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
