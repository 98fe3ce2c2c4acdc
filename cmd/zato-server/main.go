package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danlg/zato/odb"
	"github.com/danlg/zato/server"
	"github.com/danlg/zato/service"
)

var (
	flagHost           string
	flagPort           int
	flagWorkers        int
	flagQueueCapacity  int
	flagRequestTimeout time.Duration
	flagODBPath        string
	flagSingleton      bool
	flagLogLevel       string
	flagPretty         bool
)

var rootCmd = &cobra.Command{
	Use:   "zato-server",
	Short: "Runs one server of a service bus cluster",
	Long: "Starts the parallel HTTP server with its worker pool, connects every worker\n" +
		"to the cluster broker and, if this process is the designated singleton,\n" +
		"takes over the leader-only duties.",
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "0.0.0.0", "address to listen on")
	rootCmd.Flags().IntVar(&flagPort, "port", 17010, "HTTP port to listen on")
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 0, "worker threads (0 = default)")
	rootCmd.Flags().IntVar(&flagQueueCapacity, "queue-capacity", 0, "task queue capacity (0 = derived from workers)")
	rootCmd.Flags().DurationVar(&flagRequestTimeout, "request-timeout", 0, "per-request timeout, 0 disables it")
	rootCmd.Flags().StringVar(&flagODBPath, "odb", "", "path to the JSON ODB snapshot (required)")
	rootCmd.Flags().BoolVar(&flagSingleton, "singleton", false, "run the cluster-leader duties in this process")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.Flags().BoolVar(&flagPretty, "pretty", false, "human-readable console logs instead of JSON")
	rootCmd.MarkFlagRequired("odb")
}

func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("unknown log level %q", flagLogLevel)
	}
	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if flagPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	database, err := odb.LoadFile(flagODBPath)
	if err != nil {
		return err
	}

	registry := service.NewRegistry(logger)
	service.RegisterInternal(registry)

	srv, err := server.New(server.Config{
		Host:           flagHost,
		Port:           flagPort,
		Workers:        flagWorkers,
		QueueCapacity:  flagQueueCapacity,
		RequestTimeout: flagRequestTimeout,
		Singleton:      flagSingleton,
		ODB:            database,
		Registry:       registry,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info().Str("signal", sig.String()).Msg("caught signal, stopping")
	srv.Stop()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
