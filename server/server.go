// Package server implements the dispatch fabric: a TCP acceptor, a pool of
// worker threads each owning a subset of connections, and a set of UDP
// listener sockets fronted by cookie→connection and endpoint→connection
// maps.
package server

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/catid/sphynx/internal/abyssinian"
)

// Settings configures a Server. WorkerCount of 0 selects the CPU count.
// StartUDPPort/StopUDPPort name an inclusive range of ports to listen on,
// one UDP server per port.
type Settings struct {
	WorkerCount  int
	MainTCPPort  uint16
	StartUDPPort uint16
	StopUDPPort  uint16

	// ObfuscationKey must match the one given to client.WithObfuscationKey.
	ObfuscationKey uint32

	// CreateConnection, if set, registers application-level call ids on
	// each new Connection's router and returns an app-level interface
	// stored alongside it. A nil CreateConnection leaves the connection
	// with only the builtin handlers.
	CreateConnection func(c *Connection) Interface
}

// Interface is the application-level hook set a Server fires per
// Connection, mirroring client.Callbacks on the server side.
type Interface struct {
	OnConnect    func()
	OnTick       func(now time.Time)
	OnDisconnect func(err error)
}

// Validate reports whether s is usable.
func (s *Settings) Validate() error {
	if s == nil {
		return fmt.Errorf("nil settings")
	}
	if s.MainTCPPort == 0 {
		return fmt.Errorf("invalid MainTCPPort=%d", s.MainTCPPort)
	}
	if s.StartUDPPort == 0 || s.StopUDPPort < s.StartUDPPort {
		return fmt.Errorf("invalid udp port range [%d,%d]", s.StartUDPPort, s.StopUDPPort)
	}
	return nil
}

// Server owns the TCP acceptor, the UDP listener set and the worker pool.
// A Server is used once: construct with New, Start, then Stop.
type Server struct {
	settings Settings
	log      logr.Logger

	ln   net.Listener
	udps []*udpServer

	workers *workerPool

	cookieMu sync.Mutex
	cookies  *abyssinian.Rng

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger installs a logr.Logger used for warnings and protocol
// violations across the acceptor, workers and UDP listeners.
func WithLogger(l logr.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New constructs a Server. Call Start to begin accepting connections.
func New(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		log:      logr.Discard(),
		cookies:  abyssinian.New(uint32(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates settings, binds the TCP and UDP sockets, launches the
// worker pool, and begins accepting connections. It returns once every
// listener is bound; the accept loop and workers run on their own
// goroutines until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.settings.Validate(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.settings.MainTCPPort))
	if err != nil {
		return fmt.Errorf("server: listen tcp: %w", err)
	}
	s.ln = ln

	for port := s.settings.StartUDPPort; port <= s.settings.StopUDPPort; port++ {
		u, err := newUDPServer(port, s.settings.ObfuscationKey, s.log)
		if err != nil {
			s.ln.Close()
			for _, prior := range s.udps {
				prior.close()
			}
			return fmt.Errorf("server: bind udp port %d: %w", port, err)
		}
		s.udps = append(s.udps, u)
	}
	if len(s.udps) == 0 {
		s.ln.Close()
		return fmt.Errorf("server: empty udp port range")
	}

	workerCount := s.settings.WorkerCount
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	s.workers = newWorkerPool(workerCount, s.log)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	s.workers.start(gctx, g)

	for _, u := range s.udps {
		u := u
		g.Go(func() error {
			u.run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		s.acceptLoop(gctx)
		return nil
	})

	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.onAccept(conn)
	}
}

// onAccept wires a newly dialed TCP connection into a Connection, draws a
// cookie, picks the least-loaded UDP server and worker, and queues the
// connection for promotion on that worker's next tick.
func (s *Server) onAccept(tcpConn net.Conn) {
	udp := s.leastLoadedUDPServer()
	w := s.workers.leastLoaded()

	var appIface Interface
	c := newConnection(tcpConn, s.settings.ObfuscationKey, s.log, udp.port)
	if s.settings.CreateConnection != nil {
		appIface = s.settings.CreateConnection(c)
	}
	c.app = appIface

	cookie := s.drawCookie()
	c.cookie = cookie

	if !udp.preMapInsert(cookie, c) {
		// Cookie collision: the original generator accepts this as a
		// bare insert failure rather than retrying the draw. The
		// connection still gets a worker, but it can never complete
		// its UDP handshake under the colliding cookie.
		s.log.V(1).Info("cookie collision on accept", "cookie", cookie)
	}

	w.addNewConnection(c)
}

func (s *Server) drawCookie() uint32 {
	s.cookieMu.Lock()
	defer s.cookieMu.Unlock()
	return s.cookies.Next()
}

func (s *Server) leastLoadedUDPServer() *udpServer {
	best := s.udps[0]
	bestCount := best.connectionCount()
	for _, u := range s.udps[1:] {
		if n := u.connectionCount(); n < bestCount {
			best, bestCount = u, n
		}
	}
	return best
}

// Stop closes every listener, which unblocks the accept and receive loops,
// then joins all goroutines. Join errors are logged and swallowed, per the
// teacher's "Stop cancels, closes, joins; join exceptions are logged and
// swallowed" policy.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	for _, u := range s.udps {
		u.close()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			s.log.V(1).Info("server shutdown join error", "err", err)
		}
	}
}
