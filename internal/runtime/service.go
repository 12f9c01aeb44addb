package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/runtime/topology"
	transportpkg "github.com/drblury/creditflow/transport"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type httpServer struct {
	mux      *chi.Mux
	patterns []string
}

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     DeliveryHooks

	// Registry builds the transport named by the config. Nil uses transport.DefaultRegistry.
	Registry *transportpkg.Registry
	// Transport is used as-is instead of building one from Registry.
	Transport *transportpkg.Transport
	// Topology maps routing keys to queues. Nil uses topology.Default().
	Topology topology.Table

	MetricsRegisterer prometheus.Registerer
	MetricsGatherer   prometheus.Gatherer
}

// Service owns one broker transport, the consumers registered on it and the
// HTTP servers of the process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transportpkg.Transport
	publisher  message.Publisher
	subscriber message.Subscriber
	topology   topology.Table

	consumers   []*consumer
	consumersMu sync.RWMutex

	middlewares   []handlerpkg.DeliveryMiddleware
	middlewaresMu sync.RWMutex
	hooks         DeliveryHooks

	dlqMetrics        *DLQMetrics
	metricsRegisterer prometheus.Registerer
	metricsGatherer   prometheus.Gatherer

	httpServers   map[string]*httpServer
	httpServersMu sync.Mutex

	started   atomic.Bool
	ready     chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewService builds the transport selected by conf and prepares the
// middleware chain. Register consumers on the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errors.New("creditflow: config is required")
	}
	if log == nil {
		log = loggingpkg.Discard()
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)

	log.Info("Creating service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:     conf,
		Logger:   log,
		topology: deps.Topology,
		hooks:    deps.Hooks,
		ready:    make(chan struct{}),
	}
	if s.topology == nil {
		s.topology = topology.Default()
	}

	s.metricsRegisterer, s.metricsGatherer = resolveMetrics(deps.MetricsRegisterer, deps.MetricsGatherer)

	if deps.Transport != nil {
		s.transport = *deps.Transport
	} else {
		registry := deps.Registry
		if registry == nil {
			registry = transportpkg.DefaultRegistry
		}
		tr, err := registry.Build(ctx, conf, wmLogger)
		if err != nil {
			return nil, err
		}
		s.transport = tr
	}
	if s.transport.Publisher == nil {
		_ = s.transport.Close()
		return nil, errspkg.ErrPublisherRequired
	}
	if s.transport.Subscriber == nil {
		_ = s.transport.Close()
		return nil, errspkg.ErrSubscriberRequired
	}

	if err := s.setup(deps); err != nil {
		_ = s.transport.Close()
		return nil, err
	}
	return s, nil
}

func resolveMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) (prometheus.Registerer, prometheus.Gatherer) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		if g, ok := registerer.(prometheus.Gatherer); ok {
			gatherer = g
		} else {
			gatherer = prometheus.DefaultGatherer
		}
	}
	return registerer, gatherer
}

func (s *Service) setup(deps ServiceDependencies) error {
	s.publisher = s.transport.Publisher
	s.subscriber = s.transport.Subscriber

	s.dlqMetrics = NewDLQMetrics(s.metricsRegisterer)
	if s.Conf.MetricsEnabled {
		builder := metrics.NewPrometheusMetricsBuilder(s.metricsRegisterer, metricsNamespace, s.Conf.PubSubSystem)
		pub, err := builder.DecoratePublisher(s.publisher)
		if err != nil {
			return fmt.Errorf("decorate publisher: %w", err)
		}
		sub, err := builder.DecorateSubscriber(s.subscriber)
		if err != nil {
			return fmt.Errorf("decorate subscriber: %w", err)
		}
		s.publisher, s.subscriber = pub, sub

		if err := s.dlqMetrics.Register(); err != nil {
			return fmt.Errorf("register dlq metrics: %w", err)
		}
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}

	if s.Conf.AdminAddr != "" {
		if err := s.RegisterHTTPHandler(s.Conf.AdminAddr, "/", s.AdminHandler()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start subscribes every registered consumer and serves the HTTP handlers
// until ctx is cancelled or the broker connection is lost. A cancelled ctx
// returns nil after in-flight deliveries have settled.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrServiceStarted
	}

	s.consumersMu.RLock()
	consumers := slices.Clone(s.consumers)
	s.consumersMu.RUnlock()

	// Subscriptions outlive ctx so the last delivery can still be settled.
	subCtx, cancelSubs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSubs()

	subscriptions := make([]<-chan *message.Message, len(consumers))
	for i, c := range consumers {
		deliveries, err := s.subscriber.Subscribe(subCtx, c.info.RoutingKey)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", c.info.Queue, err)
		}
		subscriptions[i] = deliveries
	}

	g, gctx := errgroup.WithContext(ctx)

	for i, c := range consumers {
		deliver := s.chain(c.deliver)
		deliveries := subscriptions[i]
		g.Go(func() error {
			return s.runConsumer(gctx, c, deliver, deliveries)
		})
		s.Logger.Info("Consumer started", c.logFields())
	}

	if monitor := s.transport.Monitor; monitor != nil {
		g.Go(func() error {
			return monitor.Watch(gctx)
		})
	}

	s.startHTTPServers(gctx, g)

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	close(s.ready)

	err := g.Wait()
	if err != nil {
		s.Logger.Error("Service stopped", err, nil)
		return err
	}
	s.Logger.Info("Service stopped", nil)
	return nil
}

// Ready is closed once Start has subscribed every consumer.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Healthy reports whether the broker connection is usable. Transports
// without a connection are always healthy.
func (s *Service) Healthy() bool {
	if s.transport.Monitor == nil {
		return true
	}
	return s.transport.Monitor.Healthy()
}

// Close releases the transport. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}

// Capabilities returns the delivery features of the underlying transport.
func (s *Service) Capabilities() transportpkg.Capabilities {
	return s.transport.Capabilities
}

// Topology returns the bindings the Service resolves routing keys with.
func (s *Service) Topology() topology.Table {
	return slices.Clone(s.topology)
}

// Consumers describes the registered consumers with their live stats.
func (s *Service) Consumers() []ConsumerInfo {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()

	infos := make([]ConsumerInfo, 0, len(s.consumers))
	for _, c := range s.consumers {
		infos = append(infos, ConsumerInfo{
			Name:            c.info.Consumer,
			RoutingKey:      c.info.RoutingKey,
			Queue:           c.info.Queue,
			DeadLetterQueue: c.deadLetterQueue,
			Stats:           c.stats,
		})
	}
	return infos
}

// DLQMetrics returns the dead-letter metrics of the Service.
func (s *Service) DLQMetrics() *DLQMetrics {
	return s.dlqMetrics
}

// DLQCount returns the depth of the dead-letter queue paired with queue.
func (s *Service) DLQCount(ctx context.Context, queue string) (int, error) {
	if s.transport.DLQ == nil {
		return 0, errspkg.ErrDLQUnsupported
	}
	n, err := s.transport.DLQ.Count(ctx, queue)
	if err != nil {
		return 0, err
	}
	s.dlqMetrics.SetCurrentCount(queue, uint64(n))
	return n, nil
}

// ReplayDLQ moves up to limit dead letters of queue back to the main
// exchange. A limit of zero replays everything.
func (s *Service) ReplayDLQ(ctx context.Context, queue string, limit int) (int, error) {
	if s.transport.DLQ == nil {
		return 0, errspkg.ErrDLQUnsupported
	}
	n, err := s.transport.DLQ.Replay(ctx, queue, limit)
	if n > 0 {
		s.dlqMetrics.RecordMessagesReplayed(queue, n)
	}
	fields := loggingpkg.LogFields{"queue": queue, "replayed": n, "limit": limit}
	if err != nil {
		s.Logger.Error("DLQ replay stopped", err, fields)
		return n, err
	}
	s.Logger.Info("DLQ replayed", fields)
	return n, nil
}

// PurgeDLQ drops every dead letter of queue.
func (s *Service) PurgeDLQ(ctx context.Context, queue string) (int, error) {
	if s.transport.DLQ == nil {
		return 0, errspkg.ErrDLQUnsupported
	}
	n, err := s.transport.DLQ.Purge(ctx, queue)
	if err != nil {
		return 0, err
	}
	s.dlqMetrics.RecordMessagesPurged(queue, n)
	s.Logger.Info("DLQ purged", loggingpkg.LogFields{"queue": queue, "purged": n})
	return n, nil
}

// RegisterHTTPHandler mounts handler under pattern on the server listening
// on addr. Servers start with the Service.
func (s *Service) RegisterHTTPHandler(addr, pattern string, handler http.Handler) error {
	if addr == "" {
		return errors.New("creditflow: http address is required")
	}
	if handler == nil {
		return errors.New("creditflow: http handler is required")
	}
	if s.started.Load() {
		return errspkg.ErrServiceStarted
	}

	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[string]*httpServer)
	}
	srv, ok := s.httpServers[addr]
	if !ok {
		srv = &httpServer{mux: chi.NewRouter()}
		s.httpServers[addr] = srv
	}
	if slices.Contains(srv.patterns, pattern) {
		return fmt.Errorf("creditflow: %s already serves %s", addr, pattern)
	}
	srv.mux.Mount(pattern, handler)
	srv.patterns = append(srv.patterns, pattern)
	return nil
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for addr, hs := range s.httpServers {
		srv := &http.Server{
			Addr:              addr,
			Handler:           hs.mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}
