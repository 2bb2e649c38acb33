package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yegors/hilo-recorder/internal/api"
	"github.com/yegors/hilo-recorder/internal/backend"
	"github.com/yegors/hilo-recorder/internal/capture"
	"github.com/yegors/hilo-recorder/internal/capture/portaudio"
	"github.com/yegors/hilo-recorder/internal/config"
	"github.com/yegors/hilo-recorder/internal/session"
	"github.com/yegors/hilo-recorder/internal/storage/sqlite"
	"github.com/yegors/hilo-recorder/internal/streamer"
	"github.com/yegors/hilo-recorder/internal/transport"
	"github.com/yegors/hilo-recorder/internal/version"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var addr string
	var skipRemoteConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder and its local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(deps.ConfigPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, !skipRemoteConfig, log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Override the listen address")
	cmd.Flags().BoolVar(&skipRemoteConfig, "skip-remote-config", false, "Do not fetch the chunk duration from the backend")

	return cmd
}

// loadRuntime reads the configuration and builds the logger from it
func loadRuntime(path string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return cfg, log, nil
}

func serve(ctx context.Context, cfg *config.Config, fetchRemote bool, log *logger.Logger) error {
	log.Info("Starting hilo-recorder",
		logger.String("version", version.Version),
		logger.String("addr", cfg.Server.Addr),
		logger.String("backend", cfg.Backend.BaseURL),
		logger.String("capture_driver", cfg.Capture.Driver))

	db, err := sqlite.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	prefs, err := sqlite.NewPreferenceStorage(db, log)
	if err != nil {
		return err
	}
	history, err := sqlite.NewSessionStorage(db, log)
	if err != nil {
		return err
	}

	backendConfig := backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		AuthToken:     cfg.Backend.AuthToken,
		SessionCookie: cfg.Backend.SessionCookie,
		Timeout:       cfg.Backend.RequestTimeout.Duration,
	}
	client := backend.NewClient(backendConfig, log)

	streamerConfig := streamer.Config{
		ChunkDuration: cfg.Recording.ChunkDuration(),
		MinChunkBytes: cfg.Recording.MinChunkBytes,
		QueueSize:     cfg.Recording.SendQueueSize,
		DrainTimeout:  cfg.Recording.DrainTimeout.Duration,
	}
	if fetchRemote {
		remoteCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		remote, err := client.RemoteConfig(remoteCtx)
		cancel()
		switch {
		case err != nil:
			log.Warn("Using local chunk duration, remote config unavailable", logger.Error(err))
		case remote.ChunkDuration > 0:
			streamerConfig.ChunkDuration = time.Duration(remote.ChunkDuration) * time.Second
			log.Info("Using remote chunk duration", logger.Int("seconds", remote.ChunkDuration))
		}
	}

	wsURL, err := transport.WebSocketURL(cfg.Backend.BaseURL, cfg.Backend.WebSocketPath)
	if err != nil {
		return fmt.Errorf("failed to build websocket URL: %w", err)
	}
	channel := transport.NewWSChannel(wsURL, backend.AuthHeader(backendConfig), log)

	devices := capture.NewManager(newCaptureSource(cfg.Capture, log), log)
	hub := api.NewHub(cfg.Server.CORSAllowedOrigins, log)

	controller, err := session.New(ctx, session.Config{
		Streamer:          streamerConfig,
		TickInterval:      cfg.Recording.TickInterval.Duration,
		ExhaustionMarkers: cfg.Recording.ExhaustionMarkers,
		JPEGQuality:       cfg.Photo.JPEGQuality,
		PhotoDelaySeconds: cfg.Photo.DelaySeconds,
		Capture: capture.Constraints{
			Audio:      true,
			Video:      true,
			Facing:     capture.Facing(cfg.Capture.Facing),
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
		},
	}, session.Deps{
		Backend:     client,
		Devices:     devices,
		Channel:     channel,
		Preferences: prefs,
		History:     history,
		Notifier:    hub,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create session controller: %w", err)
	}

	handler := api.NewHandler(controller, history, hub, log)
	router := api.NewRouter(handler, cfg.Server, log)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("API server listening", logger.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		// Finalize the active recording before the API goes away
		var errs []error
		if err := controller.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session: %w", err))
		}
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down API server: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newCaptureSource(cfg config.CaptureConfig, log *logger.Logger) capture.Source {
	synthetic := capture.NewSynthetic(log)
	if cfg.Driver != "portaudio" {
		return synthetic
	}

	// No camera driver yet; stills come from the synthetic test card
	return portaudio.NewSource(portaudio.Config{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}, synthetic, log)
}
