package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/decisionwatch/relay/internal/backoff"
	"github.com/decisionwatch/relay/internal/config"
	"github.com/decisionwatch/relay/internal/delivery"
	"github.com/decisionwatch/relay/internal/health"
	"github.com/decisionwatch/relay/internal/logging"
	"github.com/decisionwatch/relay/internal/metrics"
	"github.com/decisionwatch/relay/internal/pipeline"
	"github.com/decisionwatch/relay/internal/sink"
	"github.com/decisionwatch/relay/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification relay pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	cfg := config.FromEnv()
	applyFlagOverrides(cmd, &cfg)

	logging.SetDefaultService(cfg.AppName)
	logger := logging.New(cfg.AppName)

	// Unrecoverable configuration errors refuse to start the process.
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx := context.Background()
	shutdownTracing, err := tracing.Init(ctx, cfg.AppName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	adapters := buildAdapters(cfg, logger)

	var publisher delivery.Publisher
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer producer.Stop()
		publisher = producer
	}

	controller := delivery.NewController(
		cfg.Retry.MaxAttempts,
		backoff.Policy{
			Base:      cfg.Retry.BaseDelay,
			Max:       cfg.Retry.MaxDelay,
			JitterPct: cfg.Retry.JitterPct,
		},
		publisher,
		cfg.NSQ.DLQTopic,
	)

	coord := pipeline.New(cfg, adapters, controller)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(cfg.Agent, coord))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(coord.Stats())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("diagnostics server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("diagnostics server failed")
		}
	}()

	coord.Start(ctx)
	logger.Plain().WithField("agent", cfg.Agent.BaseURL).Info("relay started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down")
	coord.Stop()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("relay stopped")
	return nil
}

// buildAdapters constructs one adapter per sink with usable credentials.
func buildAdapters(cfg config.Config, logger *logging.Logger) []sink.Adapter {
	var adapters []sink.Adapter
	if cfg.GA.Enabled() {
		adapters = append(adapters, sink.NewGoogleAnalytics(cfg.GA, cfg.Retry.AttemptTimeout))
		logger.Plain().WithSink(sink.NameGoogleAnalytics).Info("sink enabled")
	} else {
		logger.Plain().WithSink(sink.NameGoogleAnalytics).
			Warn("sink disabled - GA_MEASUREMENT_ID or GA_API_SECRET not set or contains a placeholder value")
	}
	if cfg.Amplitude.Enabled() {
		adapters = append(adapters, sink.NewAmplitude(cfg.Amplitude, cfg.Retry.AttemptTimeout))
		logger.Plain().WithSink(sink.NameAmplitude).Info("sink enabled")
	} else {
		logger.Plain().WithSink(sink.NameAmplitude).
			Warn("sink disabled - AMPLITUDE_API_KEY not set or contains a placeholder value")
	}
	if len(adapters) == 0 {
		logger.Plain().Warn("no analytics sinks configured; events will be received but not forwarded")
	}
	return adapters
}

// applyFlagOverrides lets explicit CLI flags win over environment values.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Root().PersistentFlags()
	if flags.Changed("http-port") {
		cfg.HTTPPort = httpPort
	}
	if flags.Changed("workers") {
		cfg.Buffer.Workers = workerCount
	}
	if flags.Changed("buffer-capacity") {
		cfg.Buffer.Capacity = bufferCapacity
	}
	if flags.Changed("overflow-policy") {
		cfg.Buffer.Policy = config.OverflowPolicy(overflowPolicy)
	}
	if flags.Changed("filter") {
		cfg.Agent.Filter = filterTypes
	}
}
