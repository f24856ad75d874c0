package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/authlab/snoop/snoop-srv/audit"
	"github.com/authlab/snoop/snoop-srv/logger"
	"github.com/authlab/snoop/snoop-srv/mint"
	"github.com/google/uuid"
)

// Service defaults.
const (
	DefaultBacklog       = 50
	DefaultThreadPool    = 100
	DefaultShutdownGrace = 60 * time.Second
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Address is the "host:port" to listen on.
	Address string
	Backlog int
	// ThreadPool bounds the number of connections served at once. Further
	// connections wait in the accept backlog.
	ThreadPool int
	// Encrypted makes the listener speak TLS with a minted certificate.
	Encrypted     bool
	ShutdownGrace time.Duration
	// Engine is shared by every connection. Its callbacks run in addition to
	// the service's own logging and auditing.
	Engine   EngineConfig
	Recorder audit.Recorder
}

// Service accepts connections and serves each with its own Engine.
type Service struct {
	cfg      ServiceConfig
	recorder audit.Recorder

	slots   chan struct{}
	active  atomic.Int64
	served  atomic.Int64
	wg      sync.WaitGroup
	closing chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listener  net.Listener
	closeOnce sync.Once
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.ThreadPool <= 0 {
		cfg.ThreadPool = DefaultThreadPool
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Encrypted && cfg.Engine.Mint == nil {
		return nil, newError(ErrCodeMintNotConfigured, errors.New("encrypted listener"))
	}
	if cfg.Engine.InspectTunnels && cfg.Engine.Mint == nil {
		return nil, newError(ErrCodeMintNotConfigured, errors.New("tunnel inspection"))
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NewDummyRecorder()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		recorder: recorder,
		slots:    make(chan struct{}, cfg.ThreadPool),
		closing:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Listen opens the listening socket. It is called by ListenAndServe and
// may be called earlier to learn the bound address.
func (s *Service) Listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener, nil
	}
	listener, err := listenTCP(s.cfg.Address, s.cfg.Backlog)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	return listener, nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Service) ListenAndServe() error {
	listener, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve runs the accept loop until Close. A free pool slot is taken before
// each accept, so a full pool leaves connections in the backlog.
func (s *Service) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Proxy listening on %s (pool %d)", listener.Addr(), s.cfg.ThreadPool)
	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.closing:
			return nil
		}

		conn, err := listener.Accept()
		if err != nil {
			<-s.slots
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-s.closing:
				return nil
			default:
			}
			logger.Error("Failed to accept connection: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.handle(conn)
	}
}

func (s *Service) handle(conn net.Conn) {
	id := uuid.NewString()
	counted := newCountedConn(conn, id, s.recordConnection)

	s.wg.Add(1)
	s.active.Add(1)
	s.logOccupancy()

	go func() {
		defer func() {
			if err := counted.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Error closing client connection: %v", err)
			}
			s.active.Add(-1)
			s.served.Add(1)
			<-s.slots
			s.wg.Done()
			s.logOccupancy()
		}()

		var client net.Conn = counted
		if s.cfg.Encrypted {
			client = tls.Server(counted, s.cfg.Engine.Mint.ServerConfig(mint.NewBinding("")))
		}

		engineCfg := s.cfg.Engine
		engineCfg.Callbacks = s.callbacks(id)
		_ = NewEngine(client, id, &engineCfg).Run(s.ctx)
	}()
}

func (s *Service) callbacks(id string) Callbacks {
	user := s.cfg.Engine.Callbacks
	return Callbacks{
		OnTransaction: func(tx *Transaction) {
			logger.Info("[%s] %s %s -> %d (%s)", tx.Token, tx.Request.Method(),
				tx.Request.Location().WithHost(tx.Host), tx.Response.StatusCode(), tx.Duration())
			if err := s.recorder.RecordTransaction(s.ctx, id, tx.HAR()); err != nil {
				logger.Error("Failed to record transaction: %v", err)
			}
			if user.OnTransaction != nil {
				user.OnTransaction(tx)
			}
		},
		OnException: func(err error) {
			logger.Warn("[%s] %v", id, err)
			if recErr := s.recorder.RecordException(s.ctx, id, err); recErr != nil {
				logger.Error("Failed to record exception: %v", recErr)
			}
			if user.OnException != nil {
				user.OnException(err)
			}
		},
		OnClose: user.OnClose,
	}
}

func (s *Service) recordConnection(summary audit.ConnectionSummary) {
	if err := s.recorder.RecordConnection(context.Background(), summary); err != nil {
		logger.Error("Failed to record connection %s: %v", summary.ID, err)
	}
}

func (s *Service) logOccupancy() {
	logger.Debug("%d active of %d in pool; %d served", s.active.Load(), s.cfg.ThreadPool, s.served.Load())
}

// Active returns the number of connections being served.
func (s *Service) Active() int64 {
	return s.active.Load()
}

// Served returns the number of connections finished so far.
func (s *Service) Served() int64 {
	return s.served.Load()
}

// Close stops accepting, waits up to the shutdown grace period for running
// connections and then closes whatever is left.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)

		s.mu.Lock()
		if s.listener != nil {
			if closeErr := s.listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
				err = newError(ErrCodeConnectionClosed, fmt.Errorf("listener: %w", closeErr))
			}
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownGrace):
			logger.Warn("Closing %d connections still open after %s", s.active.Load(), s.cfg.ShutdownGrace)
			s.cancel()
			<-done
		}
		s.cancel()
		logger.Info("Proxy stopped; %d connections served", s.served.Load())
	})
	return err
}
