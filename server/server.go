package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"msgd/config"
	"msgd/metrics"
	"msgd/protocol"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg        *config.Config
	store      UserStore
	registry   *Registry
	queue      *Queue
	delivery   *Delivery
	handshaker *Handshaker
	router     *Router
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func New(store UserStore, cfg *config.Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{cfg: cfg, store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	s.registry = NewRegistry(s.metrics)
	s.queue = NewQueue(cfg.MaxPending, s.metrics)
	s.delivery = NewDelivery(s.registry, s.queue, s.logger.Named("delivery"), s.metrics)
	s.handshaker = NewHandshaker(store, cfg.AuthDigest, cfg.AuthTimeout)
	s.router = NewRouter(s.registry, s.queue, store, s.handshaker, s.delivery, s.logger.Named("router"), s.metrics)
	return s
}

func (s *Server) Registry() *Registry { return s.registry }
func (s *Server) Queue() *Queue       { return s.queue }
func (s *Server) Delivery() *Delivery { return s.delivery }

// ListenAndServe runs the TCP listener and, when configured, the HTTP
// listener until ctx is cancelled or one of them fails. Every connection is
// dropped before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	defer s.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Serve(ctx, ln)
	})

	if s.cfg.HTTPAddr != "" {
		httpSrv := &http.Server{
			Addr:              s.cfg.HTTPAddr,
			Handler:           s.HTTPHandler(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			s.logger.Info("http listener started", zap.String("addr", s.cfg.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Serve accepts framed TCP connections on ln until ctx is done or ln is
// closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	s.logger.Info("server started", zap.String("addr", ln.Addr().String()))

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		go s.ServeConn(ctx, protocol.NewStreamConn(c, s.cfg.MaxFrame))
	}
}

// ServeConn runs the protocol on one connection and returns once it is gone.
func (s *Server) ServeConn(ctx context.Context, fc protocol.FrameConn) {
	conn := newConn(fc, s.cfg.WriteTimeout)
	s.registry.Track(conn)
	sess := NewSession(conn)

	log := s.logger.With(zap.String("conn", conn.ID()))
	if addr := conn.RemoteAddr(); addr != nil {
		log = log.With(zap.String("remote", addr.String()))
	}
	log.Info("client connected")

	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		account := sess.Account()
		s.router.Disconnect(sess)
		log.Info("client disconnected", zap.String("account", account))
	}()

	for sess.State() != StateClosed {
		frame, err := conn.Receive(s.readTimeout(sess))
		if err != nil {
			if !conn.isClosed() {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		s.router.Handle(ctx, sess, frame)
	}
}

// readTimeout bounds reads until login. An authenticated client may stay
// silent while it waits for pushes; a dead peer is found by the next failed
// delivery or by TCP keepalive.
func (s *Server) readTimeout(sess *Session) time.Duration {
	if sess.State() == StateAuthenticated {
		return 0
	}
	return s.cfg.ReadTimeout
}

// Shutdown drops every open connection.
func (s *Server) Shutdown() {
	n := s.registry.OpenCount()
	s.registry.DropAll()
	s.logger.Info("server stopped", zap.Int("dropped", n))
}

// BroadcastListsChanged tells every online client to refetch its lists. It
// returns the accounts that could not be reached.
func (s *Server) BroadcastListsChanged() []string {
	failed := s.delivery.DeliverToAll(protocol.ListsChanged(), s.registry.Online())
	if len(failed) > 0 {
		s.logger.Info("lists-changed notice not delivered", zap.Strings("accounts", failed))
	}
	return failed
}

// Kick closes the session registered for account, if any.
func (s *Server) Kick(account string) bool {
	conn, ok := s.registry.Lookup(account)
	if !ok {
		return false
	}
	return s.registry.Evict(account, conn)
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	return "connections=" + strconv.Itoa(s.registry.OpenCount()) +
		",sessions=" + strconv.Itoa(s.registry.Len()) +
		",pending=" + strconv.Itoa(s.queue.Total()) +
		",users=" + strings.Join(s.registry.Online(), ";")
}
