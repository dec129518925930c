// Try-on mirror - composites the camera feed with a background, a
// pose-anchored garment and a filter chain, and serves the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/teslashibe/go-tryon/internal/config"
	"github.com/teslashibe/go-tryon/internal/log"
	"github.com/teslashibe/go-tryon/pkg/background"
	"github.com/teslashibe/go-tryon/pkg/camera"
	"github.com/teslashibe/go-tryon/pkg/compositor"
	"github.com/teslashibe/go-tryon/pkg/pose"
	"github.com/teslashibe/go-tryon/pkg/pose/movenet"
	"github.com/teslashibe/go-tryon/pkg/scheduler"
	"github.com/teslashibe/go-tryon/pkg/studio"
	"github.com/teslashibe/go-tryon/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults and TRYON_* env when empty)")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	port := flag.String("port", "", "HTTP port (overrides server.port)")
	assets := flag.String("assets", ".", "Directory for file:// and relative asset uris")
	static := flag.String("static", "", "Directory with the web UI")
	mock := flag.Bool("mock", false, "Use a synthetic camera instead of a device")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	log.Init(cfg.Log.Level)
	logger := log.Component("main")

	if err := run(cfg, *assets, *static, *mock); err != nil {
		logger.Error("tryon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, assets, static string, mock bool) error {
	logger := log.Component("main")

	constraints := camera.Constraints{
		Width:     cfg.Camera.Width,
		Height:    cfg.Camera.Height,
		Framerate: cfg.Camera.Framerate,
		DeviceID:  cfg.Camera.Device,
	}
	if cfg.Camera.Preset != "" {
		p := camera.GetPreset(cfg.Camera.Preset)
		if p == nil {
			return fmt.Errorf("unknown camera preset %q (have %v)", cfg.Camera.Preset, camera.PresetNames())
		}
		constraints = *p
		constraints.DeviceID = cfg.Camera.Device
	}

	var device camera.Device
	switch {
	case mock:
		device = camera.NewMockDevice()
	case cfg.Camera.Backend == "webrtc":
		device = camera.NewWebRTCDevice(cfg.Camera.SignallingURL, cfg.Camera.Producer, log.Component("camera"))
	default:
		device = camera.NewGocvDevice(log.Component("camera"))
	}

	studioCfg := studio.DefaultConfig()
	studioCfg.Width, studioCfg.Height = constraints.Width, constraints.Height

	opts := []studio.Option{
		studio.WithLogger(log.L()),
		studio.WithConstraints(constraints),
		studio.WithClock(scheduler.NewIntervalClock(constraints.Framerate)),
		studio.WithExportPrefix(cfg.Export.Prefix),
		studio.WithConfig(studioCfg),
	}

	if cfg.Pose.Backend != "none" {
		mcfg := movenet.DefaultConfig()
		mcfg.Backend = cfg.Pose.Backend
		mcfg.ModelPath = cfg.Pose.ModelPath
		mcfg.InputSize = cfg.Pose.InputSize
		mcfg.ORTLibrary = cfg.Pose.ORTLibrary
		det, err := movenet.New(mcfg)
		if err != nil {
			// Overlays stay hidden without poses; the mirror still runs.
			logger.Warn("pose detector disabled", "error", err)
		} else {
			opts = append(opts, studio.WithDetector(det, pose.Config{
				StaleAfter: cfg.Pose.StaleAfter,
				MinScore:   cfg.Pose.MinScore,
			}))
		}
	}

	fetcher := background.NewMuxFetcher(cfg.Export.Origin, assets)
	st, err := studio.New(device, fetcher, opts...)
	if err != nil {
		return fmt.Errorf("studio: %w", err)
	}
	defer st.Close()

	var webOpts []web.Option
	webOpts = append(webOpts, web.WithLogger(log.L()), web.WithPreviewQuality(cfg.Server.PreviewQuality))
	if static != "" {
		webOpts = append(webOpts, web.WithStaticDir(static))
	}
	server := web.NewServer(cfg.Server.Port, st, webOpts...)

	st.OnFrame = previewThrottle(cfg.Server.PreviewFPS, server.SendFrame)
	st.Store().OnChange = server.PublishState
	go func() {
		for n := range st.Notifications() {
			logger.Warn("notification", "kind", n.Kind, "message", n.Message)
			server.PublishNotification(n)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	server.StartAsync()
	logger.Info("try-on mirror running",
		"port", cfg.Server.Port,
		"camera", cfg.Camera.Backend,
		"constraints", constraints.String(),
		"pose", cfg.Pose.Backend)

	<-ctx.Done()
	logger.Info("shutting down")

	st.Stop()
	if err := server.Shutdown(); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	printStats(logger, st.Status())
	return nil
}

// previewThrottle forwards at most fps frames per second to send.
func previewThrottle(fps int, send func(*compositor.OutputFrame)) func(*compositor.OutputFrame) {
	if fps <= 0 {
		return send
	}
	interval := time.Second / time.Duration(fps)
	var last atomic.Int64
	return func(f *compositor.OutputFrame) {
		now := time.Now().UnixNano()
		if prev := last.Load(); now-prev < int64(interval) || !last.CompareAndSwap(prev, now) {
			return
		}
		send(f)
	}
}

func printStats(logger *slog.Logger, s studio.Status) {
	logger.Info("session stats",
		"frames", s.State.Frames,
		"skipped_ticks", s.State.SkippedTicks,
		"skipped_steps", s.StepsSkipped,
		"acquisitions", s.Acquisitions,
		"asset_decodes", s.AssetDecodes)
}
