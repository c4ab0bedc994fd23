package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/errors"
	httpserver "phoneme-recognizer/pkg/http"
	"phoneme-recognizer/pkg/messaging"
	"phoneme-recognizer/pkg/metrics"
	"phoneme-recognizer/pkg/phoneme"
	"phoneme-recognizer/pkg/realtime"
)

// amqpRetryInterval is the pause between initial broker connection attempts
const amqpRetryInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recognition service",
	Long: `Run the analysis engine with the HTTP API, the audio ingest websocket and the
result stream. Results are also published over AMQP when AMQP_URL is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runService(ctx, appConfig)
	},
}

// runService blocks until ctx is cancelled or a component fails
func runService(ctx context.Context, cfg *config.Config) error {
	metrics.Init(logger)
	metrics.SetMetricsEnabled(cfg.HTTP.EnableMetrics)

	profile, err := loadProfile(cfg, cfg.Profile.Path)
	if err != nil {
		return err
	}

	var watcher *config.Watcher
	if cfg.HotReload.Enabled && (cfg.ConfigFile != "" || cfg.Profile.Path != "") {
		watcher, err = config.NewWatcher(cfg.ConfigFile, cfg.Profile.Path, cfg.Analysis, cfg.HotReload.DebounceTime, logger)
		if err != nil {
			return err
		}
	}

	saveProfile := func(p *phoneme.Profile) {
		if cfg.Profile.Path == "" {
			return
		}
		if err := phoneme.SaveFile(cfg.Profile.Path, p); err != nil {
			logger.WithError(err).WithField("path", cfg.Profile.Path).Error("Failed to save profile")
			return
		}
		if watcher != nil {
			watcher.Remember(cfg.Profile.Path)
		}
	}

	opts := []realtime.Option{realtime.WithProfile(profile)}
	if cfg.Profile.AutoSave {
		opts = append(opts, realtime.WithCalibrationHook(func(p *phoneme.Profile, applied []string) {
			logger.WithField("phonemes", applied).Debug("Saving calibrated profile")
			saveProfile(p)
		}))
	}

	engine, err := realtime.NewEngine(cfg.Analysis, logger, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	hub := httpserver.NewResultHub(logger)
	engine.Subscribe(hub)

	server := httpserver.NewServer(logger, httpserver.ConfigFromService(cfg.HTTP), engine, hub)
	server.SetProfileListener(saveProfile)

	if watcher != nil {
		watcher.OnAnalysisChange(func(old, next config.AnalysisConfig) error {
			return engine.SetConfig(next)
		})
		watcher.OnProfileChange(func(p *phoneme.Profile) error {
			if err := engine.Config().CompatibleProfile(p); err != nil {
				return err
			}
			engine.SetProfile(p)
			return nil
		})
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	collector := metrics.StartRuntimeCollector(logger, cfg.Engine.RuntimeMetricsInterval, engine)
	defer collector.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Messaging.Enabled() {
		client := messaging.NewAMQPClient(logger, messaging.ConfigFromService(cfg.Messaging))
		defer client.Disconnect()

		pubCfg := messaging.DefaultPublisherConfig()
		pubCfg.BufferSize = cfg.Messaging.BufferSize
		pubCfg.PublishSilent = cfg.Messaging.PublishSilent
		publisher := messaging.NewResultPublisher(logger, client, pubCfg)

		engine.Subscribe(publisher)
		server.SetAMQPClient(client)

		g.Go(func() error {
			connectWithRetry(ctx, client)
			return nil
		})
		g.Go(func() error {
			return publisher.Run(ctx)
		})
	}

	g.Go(func() error {
		return hub.Run(ctx)
	})
	if cfg.HTTP.Enabled {
		g.Go(func() error {
			return server.ListenAndServe(ctx)
		})
	}
	g.Go(func() error {
		return engine.Run(ctx, cfg.Engine.TickInterval)
	})

	logger.WithFields(logrus.Fields{
		"session_id": engine.SessionID(),
		"strategy":   cfg.Analysis.Strategy,
		"http":       cfg.HTTP.Enabled,
		"amqp":       cfg.Messaging.Enabled(),
		"hot_reload": watcher != nil,
	}).Info("Phoneme recognizer running")

	err = g.Wait()
	logger.Info("Shutting down")
	return err
}

// connectWithRetry keeps dialing the broker until it succeeds or ctx ends.
// Later connection losses are handled by the client itself.
func connectWithRetry(ctx context.Context, client *messaging.AMQPClient) {
	for attempt := 1; ; attempt++ {
		err := client.Connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.IsErrorType(err, errors.ErrInvalidConfig) {
			logger.WithError(err).Error("AMQP publishing disabled")
			return
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("AMQP connection failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(amqpRetryInterval):
		}
	}
}
