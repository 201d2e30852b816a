package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"interviewd/internal/ai"
	"interviewd/internal/ai/gemini"
	"interviewd/internal/ai/remote"
	"interviewd/internal/api"
	"interviewd/internal/config"
	"interviewd/internal/database"
	"interviewd/internal/evaluation"
	"interviewd/internal/expiry"
	"interviewd/internal/hub"
	"interviewd/internal/integrations/paramstore"
	"interviewd/internal/logger"
	"interviewd/internal/notify"
	"interviewd/internal/router"
	"interviewd/internal/session"
	"interviewd/internal/transcript"
	"interviewd/internal/websocket"
	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

// Application owns every component of the engine and their lifecycle.
type Application struct {
	config *config.Config
	logger *zap.Logger

	repo        interfaces.Repository
	sessions    *session.Registry
	transcripts *transcript.Store
	hub         *hub.Hub
	gateway     *ai.Gateway
	notifier    notify.Notifier
	pipeline    *evaluation.Pipeline
	expiry      *expiry.Controller
	router      *router.Router
	connections *websocket.Registry
	apiServer   *api.Server
	httpServer  *http.Server

	stopRouter context.CancelFunc
	routerDone chan struct{}
}

// Option overrides a component, mostly for tests.
type Option func(*options)

type options struct {
	provider    ai.Provider
	hasProvider bool
	notifier    notify.Notifier
	expiry      []expiry.Option
}

// WithProvider replaces the configured AI provider. nil runs on fallbacks.
func WithProvider(p ai.Provider) Option {
	return func(o *options) {
		o.provider = p
		o.hasProvider = true
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithExpiryOptions(opts ...expiry.Option) Option {
	return func(o *options) { o.expiry = append(o.expiry, opts...) }
}

// NewApplication opens the SQLite database, applies migrations and wires
// the engine on top of it.
func NewApplication(ctx context.Context, cfg *config.Config, l *zap.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	l = logger.OrNop(l)

	manager, err := database.NewManager(cfg.Database, l)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := manager.Migrate(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	l.Info("database ready", zap.String("path", cfg.Database.DatabasePath))

	a, err := Assemble(ctx, cfg, manager, l, opts...)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	return a, nil
}

// Assemble wires the engine on an already opened repository.
func Assemble(ctx context.Context, cfg *config.Config, repo interfaces.Repository, l *zap.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	l = logger.OrNop(l)

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	provider := o.provider
	if !o.hasProvider {
		p, err := newProvider(ctx, cfg.AI, l)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	notifier := o.notifier
	if notifier == nil {
		n, err := newNotifier(ctx, cfg.Notify, repo, l)
		if err != nil {
			return nil, err
		}
		notifier = n
	}

	a := &Application{
		config:   cfg,
		logger:   l,
		repo:     repo,
		notifier: notifier,
	}

	a.sessions = session.NewRegistry(repo,
		session.WithLogger(l),
		session.WithMaxBudget(cfg.Session.MaxBudget))
	a.transcripts = transcript.NewStore(repo, repo, a.sessions.Locks(), transcript.WithLogger(l))
	a.hub = hub.NewHub(l)
	a.gateway = ai.NewGateway(provider,
		ai.WithTurnTimeout(cfg.AI.TurnTimeout),
		ai.WithScoreTimeout(cfg.AI.ScoreTimeout),
		ai.WithLogger(l))
	a.pipeline = evaluation.NewPipeline(repo, a.transcripts, a.gateway, notifier,
		evaluation.Config{Workers: cfg.Evaluation.Workers, QueueSize: cfg.Evaluation.QueueSize},
		evaluation.WithLogger(l))

	expiryOpts := append([]expiry.Option{
		expiry.WithLogger(l),
		expiry.OnFired(func(_ context.Context, s *types.Session) {
			a.router.AnnounceEnded(s.ID, types.EndReasonTimeExpired)
		}),
	}, o.expiry...)
	a.expiry = expiry.NewController(a.sessions, expiryOpts...)
	a.router = router.NewRouter(a.sessions, a.transcripts, repo, a.gateway, a.hub, a.expiry,
		router.Config{MessagesPerMinute: cfg.WebSocket.MessagesPerMinute}, l)

	a.sessions.OnTerminal(a.onTerminal)

	a.connections = websocket.NewRegistry(l)
	wsHandler := websocket.NewHandler(a.connections, a.router, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, l)

	a.apiServer = api.NewServer(api.Deps{
		Sessions:      a.sessions,
		Transcripts:   a.transcripts,
		Profiles:      repo,
		Planner:       a.gateway,
		Timers:        a.expiry,
		Announcer:     a.router,
		Evaluations:   repo,
		Trigger:       a.pipeline,
		Notifications: notifier,
		Database:      repo,
		Hub:           a.hub,
		WebSocket:     http.HandlerFunc(wsHandler.HandleWebSocket),
	}, l)

	a.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      a.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	l.Info("engine assembled",
		zap.String(logger.FieldProvider, a.gateway.ProviderName()),
		zap.String("notify_backend", cfg.Notify.Backend))
	return a, nil
}

// onTerminal disarms the session's timer and queues completed sessions for
// scoring. Enqueue failures are already reported by the pipeline.
func (a *Application) onTerminal(ctx context.Context, s *types.Session) {
	a.expiry.Disarm(s.ID)
	if s.Status != types.StatusCompleted {
		return
	}
	if err := a.pipeline.Enqueue(ctx, s); err != nil {
		a.logger.Warn("evaluation not queued",
			append(logger.Session(s.ID, s.SubjectID), zap.Error(err))...)
	}
}

// Handler serves the REST API, /health and /ws.
func (a *Application) Handler() http.Handler {
	return a.apiServer
}

// Start brings up the background components and recovers sessions that were
// live when the process last stopped: overdue ones are completed, the rest
// get their timers back.
func (a *Application) Start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if err := a.pipeline.Start(ctx); err != nil {
		_ = a.hub.Stop()
		return fmt.Errorf("failed to start evaluation pipeline: %w", err)
	}

	routerCtx, cancel := context.WithCancel(ctx)
	a.stopRouter = cancel
	a.routerDone = make(chan struct{})
	go func() {
		defer close(a.routerDone)
		_ = a.router.Run(routerCtx)
	}()

	if err := a.recoverSessions(ctx); err != nil {
		a.shutdown()
		return err
	}
	return nil
}

func (a *Application) recoverSessions(ctx context.Context) error {
	if _, err := a.sessions.Sweep(ctx); err != nil {
		return fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	live, err := a.sessions.LoadActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range live {
		a.expiry.Arm(s)
	}
	a.logger.Info("sessions recovered", zap.Int("armed", len(live)))
	return nil
}

// Sweep completes every overdue session once and waits for their
// evaluations. It is the one-shot form of the startup catch-up.
func (a *Application) Sweep(ctx context.Context) ([]*types.Session, error) {
	if err := a.pipeline.Start(ctx); err != nil {
		return nil, err
	}
	done, err := a.sessions.Sweep(ctx)
	a.pipeline.Stop()
	return done, err
}

// Serve starts the engine and the HTTP server and blocks until ctx is done
// or the server fails. It shuts everything down before returning.
func (a *Application) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	return a.ServeListener(ctx, listener)
}

// ServeListener is Serve on a caller-provided listener.
func (a *Application) ServeListener(ctx context.Context, listener net.Listener) error {
	if err := a.Start(ctx); err != nil {
		_ = listener.Close()
		return err
	}
	a.logger.Info("serving", zap.String("addr", listener.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.HTTP.ShutdownTimeout)
		defer cancel()
		return a.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop shuts down in reverse dependency order: HTTP, realtime clients,
// timers, the router, the pipeline (draining queued evaluations), the hub
// and finally the database.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	a.connections.CloseAll()
	a.shutdown()

	if err := a.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) shutdown() {
	a.expiry.Stop()
	if a.stopRouter != nil {
		a.stopRouter()
		<-a.routerDone
	}
	a.pipeline.Stop()
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.logger.Warn("hub shutdown", zap.Error(err))
	}
}

// Addr is the configured listen address.
func (a *Application) Addr() string {
	return a.httpServer.Addr
}

func newProvider(ctx context.Context, cfg *config.AIConfig, l *zap.Logger) (ai.Provider, error) {
	switch cfg.Provider {
	case config.ProviderRemote:
		opts := []remote.Option{remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout})}
		switch {
		case cfg.Remote.Token != "":
			opts = append(opts, remote.WithToken(cfg.Remote.Token))
		case cfg.Remote.TokenParameter != "":
			store, err := paramstore.NewFromEnvironment(ctx, cfg.Remote.Region)
			if err != nil {
				return nil, fmt.Errorf("failed to build parameter store client: %w", err)
			}
			opts = append(opts, remote.WithTokenParameter(store, cfg.Remote.TokenParameter))
		}
		client, err := remote.NewClient(cfg.Remote.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ProviderGemini:
		generator, err := gemini.NewGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		return gemini.NewProvider(generator, l, cfg.Gemini.MaxLogLength), nil
	default:
		return nil, nil
	}
}

func newNotifier(ctx context.Context, cfg *config.NotifyConfig, repo interfaces.NotificationStore, l *zap.Logger) (notify.Notifier, error) {
	if cfg.Backend == config.NotifyDynamoDB {
		n, err := notify.NewDynamoFromEnvironment(ctx, cfg.Region, cfg.Table, l)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return notify.NewRepository(repo, l), nil
}
