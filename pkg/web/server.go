// Package web serves the try-on mirror: a JSON API over the studio, a
// live JPEG preview socket and an event socket for state changes and
// notifications.
package web

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-tryon/pkg/camera"
	"github.com/teslashibe/go-tryon/pkg/compositor"
	"github.com/teslashibe/go-tryon/pkg/export"
	"github.com/teslashibe/go-tryon/pkg/hub"
	"github.com/teslashibe/go-tryon/pkg/studio"
)

// DefaultPreviewQuality is the JPEG quality of preview frames.
const DefaultPreviewQuality = 70

// Backend is the studio surface the server drives.
type Backend interface {
	Status() studio.Status
	Snapshot() studio.State
	Apply(cfg studio.Config) error
	Capture() (*export.Artifact, error)
	RestartCamera(ctx context.Context) (*camera.Session, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStaticDir serves the UI from dir.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// WithPreviewQuality sets the preview JPEG quality.
func WithPreviewQuality(q int) Option {
	return func(s *Server) {
		if q > 0 && q <= 100 {
			s.quality = q
		}
	}
}

// Server is the web API server
type Server struct {
	app       *fiber.App
	port      string
	backend   Backend
	logger    *slog.Logger
	staticDir string
	quality   int

	// Hubs for websocket broadcast
	previewHub *hub.Hub
	eventsHub  *hub.Hub

	// Latest frame waiting to be encoded; older ones are replaced.
	frames   chan *compositor.OutputFrame
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a new web server for backend
func NewServer(port string, backend Backend, opts ...Option) *Server {
	s := &Server{
		port:    port,
		backend: backend,
		logger:  slog.Default(),
		quality: DefaultPreviewQuality,
		frames:  make(chan *compositor.OutputFrame, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.previewHub = hub.New("preview", hub.WithLogger(s.logger))
	s.eventsHub = hub.New("events", hub.WithLogger(s.logger))
	s.eventsHub.OnRegister = func(c *hub.Client) {
		if m, err := hub.NewEnvelope(EventState, backend.Snapshot()); err == nil {
			c.Send(m)
		}
	}

	app := fiber.New(fiber.Config{
		AppName:               "Try-On Mirror",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// CORS for local development
	app.Use(cors.New())

	if s.staticDir != "" {
		app.Static("/", s.staticDir)
	}

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/filters", s.handleFilters)
	api.Get("/presets", s.handlePresets)
	api.Get("/config", s.handleGetConfig)
	api.Put("/config", s.handlePutConfig)
	api.Post("/capture", s.handleCapture)
	api.Post("/camera/restart", s.handleRestartCamera)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/preview", websocket.New(s.handleSocket(s.previewHub)))
	app.Get("/ws/events", websocket.New(s.handleSocket(s.eventsHub)))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start runs the hubs and the preview encoder, then listens. It blocks
// until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("web server listening", "url", "http://localhost:"+s.port)

	go s.previewHub.Run()
	go s.eventsHub.Run()
	s.wg.Add(1)
	go s.encodeLoop()

	return s.app.Listen(":" + s.port)
}

// StartAsync starts the web server in a goroutine
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server error", "error", err)
		}
	}()
}

// SendFrame offers a rendered frame to preview clients. It never blocks;
// a frame still waiting to be encoded is replaced.
func (s *Server) SendFrame(f *compositor.OutputFrame) {
	if f == nil || s.previewHub.ClientCount() == 0 {
		return
	}
	for {
		select {
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// PublishState broadcasts a state change to event clients.
func (s *Server) PublishState(st studio.State) {
	s.publish(EventState, st)
}

// PublishNotification broadcasts a terminal error to event clients.
func (s *Server) PublishNotification(n studio.Notification) {
	s.publish(EventNotification, n)
}

// Shutdown stops the hubs, the encoder and the HTTP server.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.previewHub.Stop()
	s.eventsHub.Stop()
	err := s.app.Shutdown()
	s.wg.Wait()
	return err
}

func (s *Server) publish(typ string, v any) {
	m, err := hub.NewEnvelope(typ, v)
	if err != nil {
		s.logger.Warn("event encode failed", "type", typ, "error", err)
		return
	}
	s.eventsHub.Broadcast(m)
}

func (s *Server) encodeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case f := <-s.frames:
			data, err := export.EncodeJPEG(f.Image, s.quality)
			if err != nil {
				s.logger.Warn("preview encode failed", "error", err)
				continue
			}
			s.previewHub.BroadcastBinary(data)
		}
	}
}

func (s *Server) handleSocket(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		client := hub.NewClient(h, c)
		if client == nil {
			return
		}
		client.Run()
	}
}
