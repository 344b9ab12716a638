// Package transport implements the Peer session: one TCP socket plus an
// optional UDP endpoint, sharing an obfuscator, a call router and a clock
// offset estimator between the two.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/catid/sphynx/obfuscate"
	"github.com/catid/sphynx/rpc"
	"github.com/catid/sphynx/stream"
	"github.com/catid/sphynx/wire"
	"github.com/catid/sphynx/wtime"
)

// Peer is a side-agnostic session object: the same type backs a client's
// connection to its one server and a server's connection to one client.
type Peer struct {
	log logr.Logger

	tcp net.Conn

	udpConn    net.PacketConn
	udpRemote  net.Addr
	udpRemoteMu sync.RWMutex

	router *rpc.Router
	obf    *obfuscate.Obfuscator

	tcpPackMu sync.Mutex
	tcpPack   *stream.Stream

	udpPackMu sync.Mutex
	udpPack   *stream.Stream

	tcpRecvBuf []byte // accumulates raw bytes across reads, post-decrypt

	windowedMu sync.Mutex
	windowed   wtime.WindowedTimes

	mu                 sync.RWMutex
	lastReceiveLocal   int64 // unix millis; 0 means "never"
	lastRemoteWireMsec int64
	disconnected       bool
	fullyConnected     bool

	onDisconnect func(error)
}

// Option configures a Peer at construction time.
type Option func(*Peer)

// WithLogger installs a logr.Logger used for warnings and protocol
// violations. The zero Peer logs nothing.
func WithLogger(l logr.Logger) Option {
	return func(p *Peer) { p.log = l }
}

// WithOnDisconnect installs a callback invoked exactly once when the peer
// transitions to disconnected, with the triggering error (nil for a clean
// Stop).
func WithOnDisconnect(f func(error)) Option {
	return func(p *Peer) { p.onDisconnect = f }
}

// New wraps an established TCP connection. The UDP side, if any, is
// attached later via AttachUDP once the handshake completes.
func New(tcp net.Conn, router *rpc.Router, obf *obfuscate.Obfuscator, opts ...Option) *Peer {
	p := &Peer{
		tcp:     tcp,
		router:  router,
		obf:     obf,
		tcpPack: stream.NewWriter(wire.TCPReadBufferSize),
		udpPack: newUDPPackBuffer(),
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newUDPPackBuffer() *stream.Stream {
	s := stream.NewWriter(wire.UDPDatagramMax)
	// Reserve the 2-byte local-time header so packUDP's payload starts
	// right after it; flushUDP fills this in just before sending.
	var zero uint16
	s.U16(&zero)
	return s
}

// AttachUDP installs the UDP socket and the remote endpoint once the UDP
// handshake (client) or the cookie lookup (server) has identified it.
func (p *Peer) AttachUDP(conn net.PacketConn, remote net.Addr) {
	p.udpRemoteMu.Lock()
	p.udpConn = conn
	p.udpRemote = remote
	p.udpRemoteMu.Unlock()
}

func (p *Peer) remoteUDP() (net.PacketConn, net.Addr) {
	p.udpRemoteMu.RLock()
	defer p.udpRemoteMu.RUnlock()
	return p.udpConn, p.udpRemote
}

// FullyConnected reports whether the UDP handshake has completed.
func (p *Peer) FullyConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fullyConnected
}

// SetFullyConnected flips the fully-connected flag, fired once the server
// or client has completed its side of the UDP handshake.
func (p *Peer) SetFullyConnected() {
	p.mu.Lock()
	p.fullyConnected = true
	p.mu.Unlock()
}

// Disconnected reports whether the session has been torn down. Once true
// it never reverts.
func (p *Peer) Disconnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.disconnected
}

// Disconnect marks the session terminal and closes the TCP socket. Safe to
// call more than once; only the first call has effect and invokes
// onDisconnect.
func (p *Peer) Disconnect(cause error) {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return
	}
	p.disconnected = true
	p.mu.Unlock()

	p.tcp.Close()

	if p.onDisconnect != nil {
		p.onDisconnect(cause)
	}
}

// LastReceiveLocal returns the local time (unix millis) of the last
// successfully dispatched call from this peer, or 0 if none yet.
func (p *Peer) LastReceiveLocal() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastReceiveLocal
}

func (p *Peer) touchReceive(nowMsec int64) {
	p.mu.Lock()
	p.lastReceiveLocal = nowMsec
	p.mu.Unlock()
}

// Stale reports whether the peer has gone silent for longer than
// wire.ReceiveTimeout, per the 40s liveness rule. A peer that has never
// received anything is not stale by this check alone.
func (p *Peer) Stale(now time.Time) bool {
	last := p.LastReceiveLocal()
	if last == 0 {
		return false
	}
	return now.UnixMilli()-last > wire.ReceiveTimeout.Milliseconds()
}

// BestDelta returns the current minimum observed (local receive - remote
// send) delta from this peer's windowed time estimator, truncated to 16
// bits, for a sender to carry back in its own TimeSync call.
func (p *Peer) BestDelta(now time.Time) uint16 {
	p.windowedMu.Lock()
	defer p.windowedMu.Unlock()
	return uint16(p.windowed.ComputeDelta(now.UnixMilli()))
}

func (p *Peer) protocolError(err error) error {
	return fmt.Errorf("protocol violation: %w", err)
}

func timeNowMsec() int64 { return time.Now().UnixMilli() }
