package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/presencewatch/presence-go/internal/api"
	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/datastore"
	"github.com/presencewatch/presence-go/internal/detector"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/logger"
	"github.com/presencewatch/presence-go/internal/mqtt"
	"github.com/presencewatch/presence-go/internal/observability"
	"github.com/presencewatch/presence-go/internal/session"
	"github.com/presencewatch/presence-go/internal/source"
)

const shutdownTimeout = 10 * time.Second

// Command creates the serve command
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming server",
		Long:  "Start the HTTP server. Each websocket connection to /ws/stream runs its own streaming session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.WebServer.Listen, "listen", viper.GetString("webserver.listen"), "Listen address of the HTTP server")
	cmd.Flags().StringVar(&settings.Source.Path, "source", viper.GetString("source.path"), "Directory of frames to replay")
	cmd.Flags().Float64Var(&settings.Source.FPS, "fps", viper.GetFloat64("source.fps"), "Frame rate of the replay source")
	cmd.Flags().StringVar(&settings.Detector.URL, "detector", viper.GetString("detector.url"), "Base URL of the inference service")
	cmd.Flags().Float64Var(&settings.Detector.Confidence, "confidence", viper.GetFloat64("detector.confidence"), "Minimum detection confidence, (0,1]")
	cmd.Flags().DurationVar(&settings.Presence.Window, "window", viper.GetDuration("presence.window"), "Trailing window for presence voting")
	cmd.Flags().BoolVar(&settings.Telemetry.Enabled, "telemetry", viper.GetBool("telemetry.enabled"), "Enable Prometheus telemetry endpoint")
	cmd.Flags().StringVar(&settings.Telemetry.Listen, "telemetrylisten", viper.GetString("telemetry.listen"), "Listen address of the telemetry endpoint")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

// Run wires every component from settings, serves until ctx is cancelled
// and then shuts down in reverse order.
func Run(ctx context.Context, settings *conf.Settings) error {
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = central.Close() }()
	log := central.Module("main")

	if settings.Sentry.Enabled {
		if err := initSentry(settings); err != nil {
			log.Warn("sentry disabled", logger.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	backend, err := datastore.OpenBackend(settings.Database, central.Module("datastore"))
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("failed to close identity store", logger.Error(err))
		}
	}()

	identityLog := central.Module("identity")
	matcher, err := identity.NewMatcher(settings.Identity.Matching...)
	if err != nil {
		return err
	}
	cache, err := identity.NewCache(backend.Store,
		identity.WithTTL(settings.Identity.CacheTTL),
		identity.WithLookupTimeout(settings.Identity.LookupTimeout),
		identity.WithBatchConcurrency(settings.Identity.BatchConcurrency),
		identity.WithMatcher(matcher),
		identity.WithObserver(metrics.Identity),
		identity.WithLogger(identityLog))
	if err != nil {
		return err
	}
	registry := identity.NewRegistry(backend.Store, cache, identityLog)

	det, err := detector.New(settings.Detector,
		detector.WithObserver(metrics.Detector),
		detector.WithLogger(central.Module("detector")))
	if err != nil {
		return err
	}

	sources, err := source.NewFactory(settings.Source, central.Module("source"))
	if err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		listener session.PresenceListener
	)
	if settings.MQTT.Enabled {
		publisher, client, err := startPublisher(ctx, settings.MQTT, metrics.MQTT, central.Module("mqtt"))
		if err != nil {
			return err
		}
		defer func() {
			publisher.Close()
			client.Disconnect()
		}()
		listener = publisher
	}

	manager, err := session.NewManager(session.Config{
		Window: settings.Presence.Window,
		Pacing: settings.Presence.Pacing,
	}, session.ManagerDeps{
		Sources:  sources,
		Detector: det,
		Resolver: cache,
		Observer: metrics.Session,
		Listener: listener,
		Logger:   central.Module("session"),
	})
	if err != nil {
		return err
	}

	serverOpts := []api.ServerOption{
		api.WithLogger(central.Module("api")),
		api.WithIdentities(registry),
		api.WithDetector(det),
		api.WithSessions(manager),
		api.WithHealthProbe(backend.Ping),
	}
	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	defer stopTelemetry()
	if settings.Telemetry.Enabled {
		endpoint, err := observability.NewEndpoint(settings.Telemetry.Listen, metrics, central.Module("telemetry"))
		if err != nil {
			return err
		}
		endpoint.Start(telemetryCtx, &wg)
	} else {
		serverOpts = append(serverOpts, api.WithMetrics(metrics))
	}

	server, err := api.New(settings, serverOpts...)
	if err != nil {
		return err
	}
	server.Start()

	log.Info("presence server started",
		logger.String("listen", settings.WebServer.Listen),
		logger.String("database", backend.Type),
		logger.String("detector", settings.Detector.URL),
		logger.String("source", settings.Source.Path))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions did not stop in time", logger.Error(err))
	}
	if err := server.Shutdown(); err != nil {
		log.Warn("HTTP server shutdown failed", logger.Error(err))
	}
	stopTelemetry()
	wg.Wait()

	log.Info("shutdown complete")
	return central.Flush()
}

func startPublisher(ctx context.Context, cfg conf.MQTTSettings, observer mqtt.Observer, log logger.Logger) (*mqtt.Publisher, mqtt.Client, error) {
	mc := mqtt.DefaultConfig()
	mc.Broker = cfg.Broker
	mc.ClientID = cfg.ClientID
	mc.Username = cfg.Username
	mc.Password = cfg.Password
	mc.Retain = cfg.Retain
	if cfg.Topic != "" {
		mc.Topic = cfg.Topic
	}

	client, err := mqtt.NewClient(mc, observer, log)
	if err != nil {
		return nil, nil, err
	}
	// presence publishing is best effort; the client keeps retrying in the
	// background and the server runs without a broker meanwhile
	if err := client.Connect(ctx); err != nil {
		log.Warn("MQTT connect failed, retrying in background", logger.Error(err))
	}

	publisher := mqtt.NewPublisher(client, mc.Topic, log)
	publisher.Start(ctx)
	return publisher, client, nil
}

func initSentry(settings *conf.Settings) error {
	if settings.Sentry.DSN == "" {
		return errors.NewStd("sentry enabled without a DSN")
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		Environment:      settings.Sentry.Environment,
		AttachStacktrace: true,
	}); err != nil {
		return err
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	return nil
}
