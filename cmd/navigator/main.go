// Command navigator reads the robot's two camera streams, detects and tracks
// objects, and drives the wheels over the command channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/robot.navigator/internal/api"
	"github.com/banshee-data/robot.navigator/internal/capture"
	"github.com/banshee-data/robot.navigator/internal/capture/gocvsource"
	"github.com/banshee-data/robot.navigator/internal/command"
	"github.com/banshee-data/robot.navigator/internal/config"
	"github.com/banshee-data/robot.navigator/internal/detection/yolo"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/navigation"
	"github.com/banshee-data/robot.navigator/internal/pipeline"
	"github.com/banshee-data/robot.navigator/internal/render"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/serialmux"
	"github.com/banshee-data/robot.navigator/internal/telemetry"
	"github.com/banshee-data/robot.navigator/internal/version"
)

var (
	configPath       = flag.String("config", config.DefaultConfigPath, "Path to the JSON configuration file")
	listen           = flag.String("listen", "", "Admin HTTP listen address (overrides admin_listen)")
	robotHost        = flag.String("robot", "", "Robot host (overrides robot_host)")
	logLevel         = flag.String("log-level", "", "Log level (overrides log_level)")
	autonomy         = flag.Bool("autonomy", false, "Start with autonomous driving enabled")
	disableTelemetry = flag.Bool("disable-telemetry", false, "Do not start the telemetry gRPC server")
	disableRender    = flag.Bool("disable-render", false, "Do not serve the camera streams")
	showVersion      = flag.Bool("version", false, "Print the version and exit")
)

// renderInterval is how often the MJPEG streams pick up a new snapshot.
const renderInterval = 100 * time.Millisecond

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	log := monitoring.WithComponent("main")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	applyFlags(cfg)

	if err := monitoring.SetLevel(cfg.GetLogLevel()); err != nil {
		log.WithError(err).Fatalf("invalid log level %q", cfg.GetLogLevel())
	}
	log.Infof("starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("navigator stopped")
		os.Exit(1)
	}
	log.Info("navigator stopped")
}

func applyFlags(cfg *config.Config) {
	if *listen != "" {
		cfg.AdminListen = listen
	}
	if *robotHost != "" {
		cfg.RobotHost = robotHost
	}
	if *logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if *autonomy {
		cfg.AutonomyEnabled = autonomy
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := monitoring.WithComponent("main")

	detector, err := yolo.New(yolo.Config{
		ModelPath:     cfg.GetModelPath(),
		InputSize:     cfg.GetDetectorInputSize(),
		MinConfidence: cfg.GetDetectorConfidence(),
		NMSThreshold:  cfg.GetDetectorNMSThreshold(),
	})
	if err != nil {
		return fmt.Errorf("load detector: %w", err)
	}
	defer detector.Close()

	stages, resetters, err := buildStages(cfg, detector)
	if err != nil {
		return err
	}
	cropper, err := buildCropper(cfg)
	if err != nil {
		return err
	}
	strategy, err := navigation.NewStrategy(cfg.GetStrategy(), cfg.GetSafeDistance(), cfg.GetSafetyMargin())
	if err != nil {
		return err
	}

	urls := make([]string, cfg.GetNumCameras())
	for i := range urls {
		urls[i] = cfg.StreamURL(i)
	}
	capCfg := capture.DefaultConfig(urls...)
	capCfg.ConnectAttempts = cfg.GetConnectAttempts()
	capCfg.ConnectBackoff = cfg.GetConnectBackoff()
	capCfg.ReadBackoff = cfg.GetReadBackoff()
	cameras := capture.New(gocvsource.Opener{BufferSize: 1, ReadTimeout: cfg.GetReadTimeout()}, capCfg)
	if err := cameras.Start(); err != nil {
		return err
	}
	defer func() {
		if err := cameras.Stop(); err != nil {
			log.WithError(err).Warn("camera streams were not released")
		}
	}()

	hub := sensor.NewHub()
	manager := pipeline.NewManager(hub, stages...)
	log.Infof("pipeline stages: %v", manager.StageNames())
	runner := pipeline.NewRunner(cameras, cropper, manager, cfg.GetPipelineInterval(), nil)

	transport, serial, err := buildTransport(cfg)
	if err != nil {
		return err
	}
	chCfg := command.DefaultConfig()
	chCfg.QueueSize = cfg.GetCommandQueueSize()
	chCfg.ReconnectBackoff = cfg.GetReconnectBackoff()
	channel := command.NewChannel(transport, chCfg)
	log.Infof("sending commands to %s", transport)

	navigator := navigation.NewNavigator(hub, strategy, channel, cfg.GetDecisionInterval(), nil)
	navigator.SetEnabled(cfg.GetAutonomyEnabled())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case err := <-cameras.Fatal():
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return navigator.Run(gctx) })

	if serial != nil {
		g.Go(func() error {
			if err := serial.Monitor(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serial monitor: %w", err)
			}
			return nil
		})
	}

	opts := api.Options{
		Hub:       hub,
		Autonomy:  navigator,
		Cameras:   cameras,
		Pipeline:  runner,
		Commands:  channel,
		Serial:    serial,
		Dashboard: telemetry.NewDashboard(navigator, hub),
		TrackPlot: telemetry.NewTrackPlot(hub),
		Resetters: resetters,
	}
	if opts.Serial == nil {
		opts.Serial = serialmux.NewDisabledSerialMux()
	}

	if !*disableRender {
		renderer := render.New(hub, renderInterval, cfg.GetAnnotate(), nil)
		opts.Display = renderer
		g.Go(func() error { return renderer.Run(gctx) })
	}

	if !*disableTelemetry {
		tcfg := telemetry.DefaultConfig()
		tcfg.ListenAddr = cfg.GetTelemetryListen()
		publisher := telemetry.NewPublisher(tcfg)
		if err := publisher.Start(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer publisher.Stop()
		opts.Telemetry = publisher
		g.Go(func() error { return publisher.Run(gctx, hub, navigator) })
	}

	server := &http.Server{
		Addr:    cfg.GetAdminListen(),
		Handler: api.LoggingMiddleware(api.NewServer(opts).ServeMux()),
	}
	g.Go(func() error {
		log.Infof("admin server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("admin server shutdown")
		}
		return nil
	})

	err = g.Wait()

	// The stop command is queued before the channel flushes and closes.
	if serr := navigator.Stop(); serr != nil {
		log.WithError(serr).Warn("failed to send stop command")
	}
	if cerr := channel.Close(); cerr != nil {
		log.WithError(cerr).Warn("failed to close command channel")
	}
	if serial != nil {
		serial.Close()
	}
	return err
}
