package server

import (
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"

	"github.com/catid/sphynx/obfuscate"
	"github.com/catid/sphynx/rpc"
	"github.com/catid/sphynx/stream"
	"github.com/catid/sphynx/transport"
	"github.com/catid/sphynx/wire"
)

// Connection extends a transport.Peer with the server-side bookkeeping a
// worker needs to run it: the peer's TCP address, its assigned UDP port and
// cookie, heartbeat timers, and the application interface created for it.
type Connection struct {
	peer *transport.Peer
	app  Interface

	peerTCPAddr net.Addr
	udpPort     uint16
	cookie      uint32

	router rpc.Router

	handshakeSent bool

	lastTCPHeartbeat time.Time
	lastUDPTimeSync  time.Time
	fastCount        int

	removed bool
}

func newConnection(tcpConn net.Conn, obfKey uint32, log logr.Logger, udpPort uint16) *Connection {
	c := &Connection{
		peerTCPAddr: tcpConn.RemoteAddr(),
		udpPort:     udpPort,
	}

	c.router.Register(wire.C2SHeartbeat, func(s *stream.Stream) error {
		var sendTime uint16
		s.U16(&sendTime)
		return nil
	})

	peer := transport.New(tcpConn, &c.router, obfuscate.New(obfKey, obfuscate.RoleServer),
		transport.WithLogger(log),
		transport.WithOnDisconnect(c.handleDisconnect),
	)
	c.peer = peer
	return c
}

// Router exposes the connection's call table so a Settings.CreateConnection
// factory can register application-level call ids before the connection's
// TCP receive loop starts.
func (c *Connection) Router() *rpc.Router { return &c.router }

// RemoteTCPAddr returns the address the client dialed from.
func (c *Connection) RemoteTCPAddr() net.Addr { return c.peerTCPAddr }

// Cookie returns the 32-bit cookie drawn for this connection's UDP
// handshake.
func (c *Connection) Cookie() uint32 { return c.cookie }

func (c *Connection) handleDisconnect(cause error) {
	c.removed = true
	if c.app.OnDisconnect != nil {
		c.app.OnDisconnect(cause)
	}
}

// onWorkerStart fires once, right after promotion into a worker's list: it
// sends the TCP handshake that tells the client its cookie and which UDP
// port to target.
func (c *Connection) onWorkerStart() {
	if c.handshakeSent {
		return
	}
	c.handshakeSent = true

	go c.peer.RunTCPReceiveLoop()

	cookie := c.cookie
	port := c.udpPort
	rec := stream.NewWriter(16)
	rpc.EncodeCall(rec, wire.S2CTCPHandshake, rpc.U32Field(&cookie), rpc.U16Field(&port))
	if err := c.peer.PackTCP(rec); err != nil {
		c.peer.Disconnect(fmt.Errorf("server: pack tcp handshake: %w", err))
		return
	}
	if err := c.peer.FlushTCP(); err != nil {
		c.peer.Disconnect(fmt.Errorf("server: flush tcp handshake: %w", err))
	}
}

// onUDPHandshake is invoked by the owning udpServer once the client's
// C2SUDPHandshake cookie matched the pre-map: the connection is now fully
// associated with its UDP endpoint, and OnConnect fires.
func (c *Connection) onUDPHandshake(endpoint net.Addr, socket net.PacketConn) {
	c.peer.AttachUDP(socket, endpoint)
	c.peer.SetFullyConnected()
	if c.app.OnConnect != nil {
		c.app.OnConnect()
	}
}

// onTick runs once per worker tick. It returns false once the connection
// should be dropped from the worker's local list (disconnected).
func (c *Connection) onTick(now time.Time) bool {
	if c.removed || c.peer.Disconnected() {
		return false
	}

	if !c.handshakeSent {
		c.onWorkerStart()
		return true
	}

	if c.peer.Stale(now) {
		c.peer.Disconnect(fmt.Errorf("server: receive timeout"))
		return false
	}

	// Only the UDP time-sync send and the app-level tick callback wait
	// for the UDP handshake to complete; the TCP heartbeat and both
	// flushes run on every tick once the connection has a TCP session,
	// matching Connection::OnTick in the source.
	if c.peer.FullyConnected() {
		if c.app.OnTick != nil {
			c.app.OnTick(now)
		}
		c.sendUDPTimeSync(now)
	}

	c.sendTCPHeartbeat(now)
	c.peer.FlushTCP()
	c.peer.FlushUDP(now.UnixMilli())
	return true
}

// sendUDPTimeSync mirrors the client's own fast/slow UDP cadence, but on the
// server side the UDP message carries S2CTimeSync rather than a heartbeat:
// it is both the liveness signal and the clock-offset carrier the client
// uses to leave HandshakingUDP.
func (c *Connection) sendUDPTimeSync(now time.Time) {
	udpPeriod := wire.UDPFastPeriod
	if c.fastCount >= wire.UDPFastCount {
		udpPeriod = wire.UDPSlowPeriod
	}
	if c.lastUDPTimeSync.IsZero() || now.Sub(c.lastUDPTimeSync) >= udpPeriod {
		bestDelta := c.peer.BestDelta(now)
		rec := stream.NewWriter(8)
		rpc.EncodeCall(rec, wire.S2CTimeSync, rpc.U16Field(&bestDelta))
		if err := c.peer.PackUDP(rec); err == nil {
			c.lastUDPTimeSync = now
			c.fastCount++
		}
	}
}

// sendTCPHeartbeat runs every tick regardless of UDP handshake status.
func (c *Connection) sendTCPHeartbeat(now time.Time) {
	if c.lastTCPHeartbeat.IsZero() || now.Sub(c.lastTCPHeartbeat) >= wire.TCPHeartbeatPeriod {
		rec := stream.NewWriter(8)
		rpc.EncodeCall(rec, wire.S2CHeartbeat)
		if err := c.peer.PackTCP(rec); err == nil {
			c.lastTCPHeartbeat = now
		}
	}
}
