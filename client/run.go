package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/catid/sphynx/obfuscate"
	"github.com/catid/sphynx/rpc"
	"github.com/catid/sphynx/stream"
	"github.com/catid/sphynx/transport"
	"github.com/catid/sphynx/wire"
)

// Client drives one connection through Resolving, Connecting, TCPReady,
// HandshakingUDP, Established and, eventually, Terminal.
type Client struct {
	settings  Settings
	callbacks Callbacks
	log       logr.Logger
	obfKey    uint32

	mu    sync.Mutex
	state State
	peer  *transport.Peer

	cookie  uint32
	udpPort uint16
	udpConn *net.UDPConn

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	udpHeartbeatsSent int
	lastUDPHeartbeat  time.Time
	lastTCPHeartbeat  time.Time
	lastHandshakeSent time.Time
}

// New constructs a Client. Call Start to begin connecting.
func New(settings Settings, callbacks Callbacks, opts ...Option) *Client {
	c := &Client{
		settings:  settings,
		callbacks: callbacks,
		log:       logr.Discard(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start resolves the server, dials TCP, and runs the connection until ctx
// is canceled, Stop is called, or the session becomes Terminal. It blocks
// until the session ends.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.done)

	if err := c.settings.Validate(); err != nil {
		return err
	}

	c.setState(StateResolving)
	addrs, err := resolveShuffled(c.settings.Host, c.settings.Port)
	if err != nil {
		c.fireConnectFail()
		return err
	}

	c.setState(StateConnecting)
	tcpConn, err := dialRoundRobin(ctx, addrs)
	if err != nil {
		c.fireConnectFail()
		return err
	}

	var router rpc.Router
	if c.callbacks.Register != nil {
		c.callbacks.Register(&router)
	}
	router.Register(wire.S2CTCPHandshake, c.onTCPHandshake)
	router.Register(wire.S2CTimeSync, c.onTimeSync)
	router.Register(wire.S2CHeartbeat, func(*stream.Stream) error { return nil })

	peer := transport.New(tcpConn, &router, obfuscate.New(c.obfKey, obfuscate.RoleClient),
		transport.WithLogger(c.log),
		transport.WithOnDisconnect(c.handleDisconnect),
	)
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	go peer.RunTCPReceiveLoop()

	c.setState(StateTCPReady)

	ticker := time.NewTicker(wire.ClientTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case <-c.stop:
			return nil
		case now := <-ticker.C:
			if c.State() == StateTerminal {
				return nil
			}
			c.tick(now)
		}
	}
}

func dialRoundRobin(ctx context.Context, addrs []net.Addr) (net.Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr.String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("client: all dial attempts failed: %w", lastErr)
}

func (c *Client) fireConnectFail() {
	c.setState(StateTerminal)
	if c.callbacks.OnConnectFail != nil {
		c.callbacks.OnConnectFail()
	}
}

func (c *Client) handleDisconnect(cause error) {
	wasEstablished := c.State() == StateEstablished
	c.setState(StateTerminal)
	if c.udpConn != nil {
		c.udpConn.Close()
	}
	if wasEstablished && c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect(cause)
	} else if !wasEstablished && c.callbacks.OnConnectFail != nil {
		c.callbacks.OnConnectFail()
	}
}

// onTCPHandshake decodes S2CTCPHandshake(cookie, udpPort), opens the local
// UDP socket, and enters HandshakingUDP.
func (c *Client) onTCPHandshake(s *stream.Stream) error {
	var cookie uint32
	var udpPort uint16
	s.U32(&cookie)
	s.U16(&udpPort)
	if !s.Good() {
		return fmt.Errorf("truncated S2CTCPHandshake")
	}

	c.mu.Lock()
	c.cookie = cookie
	c.udpPort = udpPort
	peer := c.peer
	c.mu.Unlock()

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("client: could not open udp socket: %w", err)
	}
	_ = transport.ConfigureUDPSocket(udpConn)
	_ = transport.SetSocketBuffers(udpConn, wire.SocketBufferBytes, wire.SocketBufferBytes)

	serverIP := net.ParseIP(c.settings.Host)
	if serverIP == nil {
		ips, err := net.LookupIP(c.settings.Host)
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("client: could not resolve host for udp handshake: %w", err)
		}
		serverIP = ips[0]
	}
	serverUDPAddr := &net.UDPAddr{IP: serverIP, Port: int(udpPort)}

	c.mu.Lock()
	c.udpConn = udpConn
	c.mu.Unlock()

	peer.AttachUDP(udpConn, serverUDPAddr)
	go c.runUDPReceiveLoop(udpConn, peer)

	c.setState(StateHandshakingUDP)
	c.mu.Lock()
	c.lastHandshakeSent = time.Now()
	c.mu.Unlock()
	return c.sendUDPHandshake()
}

func (c *Client) sendUDPHandshake() error {
	c.mu.Lock()
	peer := c.peer
	cookie := c.cookie
	c.mu.Unlock()

	rec := stream.NewWriter(8)
	rpc.EncodeCall(rec, wire.C2SUDPHandshake, rpc.U32Field(&cookie))
	if err := peer.PackUDP(rec); err != nil {
		return err
	}
	return peer.FlushUDP(time.Now().UnixMilli())
}

// onTimeSync handles S2CTimeSync(bestC2SDelta), the UDP-delivered signal
// that the handshake is complete.
func (c *Client) onTimeSync(s *stream.Stream) error {
	var bestDelta uint16
	s.U16(&bestDelta)
	if !s.Good() {
		return fmt.Errorf("truncated S2CTimeSync")
	}

	if c.State() != StateEstablished {
		c.setState(StateEstablished)
		if c.callbacks.OnConnect != nil {
			c.callbacks.OnConnect()
		}
	}
	return nil
}

func (c *Client) runUDPReceiveLoop(conn *net.UDPConn, peer *transport.Peer) {
	buf := make([]byte, wire.UDPDatagramMax+64)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !peer.ValidUDPSource(from) {
			continue
		}
		if derr := peer.HandleUDPDatagram(buf[:n]); derr != nil {
			peer.Disconnect(derr)
			return
		}
	}
}

func (c *Client) tick(now time.Time) {
	c.mu.Lock()
	peer := c.peer
	state := c.state
	c.mu.Unlock()

	if peer == nil {
		return
	}

	switch state {
	case StateHandshakingUDP:
		c.mu.Lock()
		due := c.lastHandshakeSent.IsZero() || now.Sub(c.lastHandshakeSent) >= wire.HandshakeRetry
		if due {
			c.lastHandshakeSent = now
		}
		c.mu.Unlock()
		if due {
			c.sendUDPHandshake()
		}
		return
	case StateEstablished:
		if peer.Stale(now) {
			peer.Disconnect(fmt.Errorf("client: receive timeout"))
			return
		}
		if c.callbacks.OnTick != nil {
			c.callbacks.OnTick()
		}
		c.sendHeartbeats(peer, now)
		peer.FlushTCP()
		peer.FlushUDP(now.UnixMilli())
	}
}

func (c *Client) sendHeartbeats(peer *transport.Peer, now time.Time) {
	udpPeriod := wire.UDPFastPeriod
	if c.udpHeartbeatsSent >= wire.UDPFastCount {
		udpPeriod = wire.UDPSlowPeriod
	}
	if c.lastUDPHeartbeat.IsZero() || now.Sub(c.lastUDPHeartbeat) >= udpPeriod {
		sendTime := uint16(now.UnixMilli())
		rec := stream.NewWriter(8)
		rpc.EncodeCall(rec, wire.C2SHeartbeat, rpc.U16Field(&sendTime))
		if err := peer.PackUDP(rec); err == nil {
			c.lastUDPHeartbeat = now
			c.udpHeartbeatsSent++
		}
	}

	if c.lastTCPHeartbeat.IsZero() || now.Sub(c.lastTCPHeartbeat) >= wire.TCPHeartbeatPeriod {
		sendTime := uint16(now.UnixMilli())
		rec := stream.NewWriter(8)
		rpc.EncodeCall(rec, wire.C2SHeartbeat, rpc.U16Field(&sendTime))
		if err := peer.PackTCP(rec); err == nil {
			c.lastTCPHeartbeat = now
		}
	}
}

// Stop ends the session, closing sockets and joining the run loop's own
// bookkeeping. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		peer := c.peer
		udpConn := c.udpConn
		c.mu.Unlock()
		if peer != nil {
			peer.Disconnect(nil)
		}
		if udpConn != nil {
			udpConn.Close()
		}
	})
}
