// Package installer serves a downloaded package to a device over the
// manifest-based OTA install protocol.
package installer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/events"
	"github.com/blacktop/ipastore/internal/storefront"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"
)

const (
	DefaultHostname = "app.localhost.direct"
	DefaultLifetime = 10 * time.Minute

	idleTimeout     = 3 * time.Second
	shutdownTimeout = 5 * time.Second
)

var ErrMissingIdentity = errors.New("missing TLS identity")

// Phase is the progress of an install session.
type Phase string

const (
	PhaseReady        Phase = "ready"
	PhaseManifestSent Phase = "manifest-sent"
	PhasePayloadSent  Phase = "payload-sent"
	PhaseCompleted    Phase = "completed"
	PhaseBroken       Phase = "broken"
)

// Status is a phase plus, for completed and broken, the outcome.
type Status struct {
	Phase Phase
	Err   error
}

// Config is the installer config.
type Config struct {
	// Hostname is the name the TLS identity is issued for.
	Hostname string
	CertFile string
	KeyFile  string
	// Address is the interface to bind; the port is always picked by the OS.
	Address  string
	MaxConns int
	// Lifetime bounds how long a session may live before it is destroyed.
	Lifetime time.Duration
	Debug    bool
}

func (c *Config) verify() {
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 1
	}
	if c.Lifetime == 0 {
		c.Lifetime = DefaultLifetime
	}
}

// Session is one ephemeral HTTPS server for one package.
type Session struct {
	ID      string
	Archive storefront.Archive

	conf    *Config
	payload string
	icons   map[int][]byte
	events  *events.Broker[Status]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	streams atomic.Int32

	mu        sync.Mutex
	status    Status
	port      int
	server    *http.Server
	timer     *time.Timer
	destroyed bool
}

// New creates a session for the package at payloadPath. Nothing listens until Start.
func New(conf *Config, archive storefront.Archive, payloadPath string) *Session {
	conf.verify()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:      uuid.NewString(),
		Archive: archive,
		conf:    conf,
		payload: payloadPath,
		events:  events.NewBroker[Status](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  Status{Phase: PhaseReady},
	}
}

// Start binds an OS-assigned port and serves the session in the background.
// A missing TLS identity or payload leaves the session broken.
func (s *Session) Start() error {
	s.mu.Lock()
	started, destroyed := s.server != nil, s.destroyed
	s.mu.Unlock()
	switch {
	case destroyed:
		return fmt.Errorf("install session %s was destroyed", s.ID)
	case started:
		return fmt.Errorf("install session %s is already serving on port %d", s.ID, s.Port())
	}

	cert, err := tls.LoadX509KeyPair(s.conf.CertFile, s.conf.KeyFile)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMissingIdentity, err)
		s.setStatus(Status{Phase: PhaseBroken, Err: err})
		return err
	}
	if _, err := os.Stat(s.payload); err != nil {
		err = fmt.Errorf("failed to stat payload: %w", err)
		s.setStatus(Status{Phase: PhaseBroken, Err: err})
		return err
	}

	icons, err := placeholderIcons()
	if err != nil {
		s.setStatus(Status{Phase: PhaseBroken, Err: err})
		return err
	}
	s.icons = icons

	ln, err := net.Listen("tcp", net.JoinHostPort(s.conf.Address, "0"))
	if err != nil {
		err = fmt.Errorf("failed to listen: %w", err)
		s.setStatus(Status{Phase: PhaseBroken, Err: err})
		return err
	}

	s.mu.Lock()
	if s.destroyed || s.server != nil {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("install session %s is no longer ready", s.ID)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.server = &http.Server{
		Handler:           s.router(),
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	if s.conf.Lifetime > 0 {
		s.timer = time.AfterFunc(s.conf.Lifetime, func() {
			log.WithField("id", s.ID).Warn("Install session expired")
			s.Destroy()
		})
	}
	server := s.server
	s.mu.Unlock()

	ln = tls.NewListener(netutil.LimitListener(ln, s.conf.MaxConns), &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})

	log.WithFields(log.Fields{
		"id":   s.ID,
		"host": s.conf.Hostname,
		"port": s.Port(),
	}).Info("Starting Installer")

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("installer: failed to serve")
			s.setStatus(Status{Phase: PhaseBroken, Err: err})
		}
	}()

	return nil
}

// Destroy stops the server, aborts any payload stream and releases the port.
// Calling it again is a no-op.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	server, timer := s.server, s.timer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.cancel()

	var err error
	switch {
	case server == nil:
	case s.streams.Load() > 0:
		// a payload write may be stuck on a client that stopped reading
		err = server.Close()
	default:
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err = server.Shutdown(ctx); err != nil {
			err = server.Close()
		}
	}

	log.WithField("id", s.ID).Debug("Installer destroyed")
	close(s.done)
	s.events.Close()

	return err
}

// Done is closed once the session is destroyed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Subscribe() (<-chan Status, func()) {
	return s.events.Subscribe()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

var phaseOrder = map[Phase]int{
	PhaseReady:        0,
	PhaseManifestSent: 1,
	PhasePayloadSent:  2,
	PhaseCompleted:    3,
	PhaseBroken:       4,
}

// setStatus only moves forward, except that a new payload request after
// completion starts another attempt. Broken is final.
func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	cur := s.status.Phase
	retry := cur == PhaseCompleted && st.Phase == PhasePayloadSent
	if cur == PhaseBroken || (phaseOrder[st.Phase] <= phaseOrder[cur] && !retry) {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()

	l := log.WithFields(log.Fields{"id": s.ID, "phase": st.Phase})
	if st.Err != nil {
		l.WithError(st.Err).Warn("Installer")
	} else {
		l.Info("Installer")
	}
	s.events.Publish(st)
}

func (s *Session) router() *gin.Engine {
	if s.conf.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(logger(), gin.Recovery())
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	r.GET("/", s.index)
	r.GET("/index.html", s.index)
	r.GET(s.path(".plist"), s.manifest)
	r.GET(s.path(".ipa"), s.streamPayload)
	r.GET(smallIconPath, s.icon(smallIconSize))
	r.GET(largeIconPath, s.icon(largeIconSize))
	return r
}

// logger writes the access log through apex/log.
func logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"client":  c.ClientIP(),
		}).Debug("installer")
	}
}
