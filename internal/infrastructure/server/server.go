package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/addon"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/format"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/inspect"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/loader"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/rpc"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/sandbox"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/scope"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/worker"
)

// Option configures a Server.
type Option func(*Server)

// WithStdio replaces the process stdin and stdout used in stdio mode.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(s *Server) {
		s.stdin = r
		s.stdout = w
	}
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server wires the worker and its transports.
type Server struct {
	config    *config.Config
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	runtime   *sandbox.Runtime
	registry  *addon.Registry
	formatter *format.Formatter
	loader    *loader.Loader
	worker    *worker.Worker
	router    *gin.Engine
	upgrader  websocket.Upgrader

	stdin  io.Reader
	stdout io.Writer

	// base is the Run context; websocket connections are served under it.
	baseMu sync.Mutex
	base   context.Context
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		config: cfg,
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Initialize logger
	if s.logger == nil {
		logger, err := logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
			Timestamp:   cfg.Logging.Timestamp,
			OutputPaths: []string{"stderr"},
		})
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		s.logger = logger
	}

	s.logger.Info("Initializing eval worker",
		zap.String("transport", cfg.Transport.Mode),
		zap.String("addon_root", cfg.Addons.Root),
		zap.Strings("addons", cfg.Addons.Names),
	)

	// Initialize metrics first (needed by other components)
	s.metrics = monitoring.NewMetrics()
	s.tracer = tracing.New("evalworker", s.logger.Named("trace").Logger)

	inspectOpts := inspect.Options{
		Depth:           cfg.Inspect.Depth,
		MaxArrayLength:  cfg.Inspect.MaxArrayLength,
		MaxStringLength: cfg.Inspect.MaxStringLength,
		BreakLength:     cfg.Inspect.BreakLength,
	}
	s.formatter = format.New(inspectOpts)

	runtime, err := sandbox.New(sandbox.Config{
		Timeout:          cfg.Sandbox.Timeout.Std(),
		MaxCallStackSize: cfg.Sandbox.MaxCallStackSize,
		EnableConsole:    cfg.Sandbox.EnableConsole,
		Inspect:          inspectOpts,
	}, s.logger.Named("sandbox").Logger, sandbox.WithWaitObserver(s.metrics.ObserveSlotWait))
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	s.runtime = runtime

	s.registry = addon.New(addon.WithStrict(cfg.Logging.Development))
	s.loader = loader.New(loader.Config{
		Root:       cfg.Addons.Root,
		Names:      cfg.Addons.Names,
		SetupFiles: cfg.SetupFiles,
		CacheFile:  cfg.Addons.CacheFile,
	}, runtime, s.registry, s.formatter, s.logger.Named("loader").Logger)

	s.worker = worker.New(runtime, s.registry, s.formatter, s.logger.Named("worker").Logger,
		worker.WithMetrics(s.metrics),
		worker.WithTracer(s.tracer),
		worker.WithScopeOptions(
			scope.WithSendLimit(cfg.Send.RatePerSecond, cfg.Send.Burst),
			scope.WithHostTimeout(cfg.HostCallTimeout.Std()),
		),
	)

	s.router = s.newRouter()

	s.logger.Info("Worker initialized successfully")
	return s, nil
}

// Worker returns the worker served by s.
func (s *Server) Worker() *worker.Worker {
	return s.worker
}

// Router returns the diagnostics router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) newRouter() *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	if origins := s.config.Diagnostics.AllowOrigins; len(origins) > 0 {
		router.Use(corsMiddleware(origins))
		s.upgrader.CheckOrigin = originChecker(origins)
	}
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	if s.config.Transport.Mode == config.TransportWebSocket {
		router.GET("/channel", s.channel)
	}
	return router
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Accept", "Origin", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	})
}

// originChecker accepts same-host requests and the listed origins.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (s *Server) health(c *gin.Context) {
	ready, err := s.worker.Status()
	body := gin.H{
		"status":  "starting",
		"uptime":  s.metrics.Uptime().String(),
		"sandbox": s.runtime.Stats(),
	}
	code := http.StatusServiceUnavailable
	switch {
	case ready && err != nil:
		body["status"] = "failed"
		body["error"] = err.Error()
	case ready:
		body["status"] = "ok"
		body["commands"] = s.registry.Len()
		code = http.StatusOK
	}
	c.JSON(code, body)
}

func (s *Server) channel(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.baseMu.Lock()
	ctx := s.base
	s.baseMu.Unlock()
	if ctx == nil {
		ctx = c.Request.Context()
	}

	if err := s.serveConn(ctx, rpc.NewWebSocketTransport(ws), rpc.JSON); err != nil {
		s.logger.Warn("WebSocket channel ended with error", zap.Error(err))
	}
}

// serveConn serves the worker to one host until it hangs up.
func (s *Server) serveConn(ctx context.Context, t rpc.Transport, codec rpc.Codec) error {
	connID := id.NewConnID()
	logger := s.logger.With(zap.String("conn_id", connID.String()))

	conn := rpc.NewConn(t, codec,
		rpc.WithKeyFunc(worker.SessionKey),
		rpc.WithLogger(logger.Logger),
		rpc.WithCallObserver(s.metrics.RecordHostCall),
	)
	s.worker.Register(conn)

	s.metrics.IncConnections()
	defer s.metrics.DecConnections()

	logger.Info("Host connected", zap.String("codec", codec.Name()))
	err := conn.Serve(ctx)
	logger.Info("Host disconnected")
	return err
}

// Run prepares the addons and serves until ctx is cancelled or, in stdio
// mode, until the host closes stdin.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.baseMu.Lock()
	s.base = ctx
	s.baseMu.Unlock()

	// Requests are accepted immediately; start waits for this.
	go func() {
		err := s.loader.Prepare(ctx)
		if rerr := s.worker.Ready(err); rerr != nil {
			s.logger.Warn("Ready called twice", zap.Error(rerr))
		}
	}()

	var wg sync.WaitGroup
	errc := make(chan error, 4)
	for _, addr := range s.httpAddresses() {
		srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http %s: %w", srv.Addr, err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var err error
	switch s.config.Transport.Mode {
	case config.TransportStdio:
		err = s.runStdio(ctx)
	case config.TransportGRPC:
		err = s.runGRPC(ctx, errc)
	default:
		select {
		case <-ctx.Done():
		case err = <-errc:
		}
	}

	cancel()
	wg.Wait()
	return err
}

func (s *Server) runStdio(ctx context.Context) error {
	s.logger.Info("Serving on stdio")
	return s.serveConn(ctx, rpc.NewStreamTransport(s.stdin, s.stdout), rpc.CBOR)
}

func (s *Server) runGRPC(ctx context.Context, errc <-chan error) error {
	lis, err := net.Listen("tcp", s.config.Transport.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Transport.Address, err)
	}

	gs := rpc.NewGRPCServer(grpc.StreamInterceptor(tracing.GRPCStreamInterceptor(s.tracer)))
	rpc.RegisterChannelServer(gs, func(ctx context.Context, t rpc.Transport) error {
		return s.serveConn(ctx, t, rpc.CBOR)
	})

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
		serveErr <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-serveErr:
		return err
	case err := <-errc:
		gs.Stop()
		return err
	}
}

// httpAddresses lists where the diagnostics router listens.
func (s *Server) httpAddresses() []string {
	var addrs []string
	if s.config.Transport.Mode == config.TransportWebSocket {
		addrs = append(addrs, s.config.Transport.Address)
	}
	if a := s.config.Diagnostics.Address; a != "" && (len(addrs) == 0 || addrs[0] != a) {
		addrs = append(addrs, a)
	}
	return addrs
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down worker...")

	if err := s.runtime.Close(); err != nil {
		s.logger.Error("Failed to close sandbox", zap.Error(err))
	}
	s.tracer.Close()

	// Sync logger before exit
	_ = s.logger.Sync()
	return nil
}
