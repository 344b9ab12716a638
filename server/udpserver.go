package server

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/catid/sphynx/obfuscate"
	"github.com/catid/sphynx/rpc"
	"github.com/catid/sphynx/stream"
	"github.com/catid/sphynx/transport"
	"github.com/catid/sphynx/wire"
)

// udpServer owns one UDP socket and the two maps that track connections on
// it: a cookie-keyed pre-map for connections still completing their UDP
// handshake, and an endpoint-keyed map for established ones. Per the
// cookie-map-bijection invariant, a Connection is in at most one of the two
// maps at any time.
type udpServer struct {
	port uint16
	log  logr.Logger
	conn *net.UDPConn

	establishedMu sync.RWMutex
	established   map[string]*Connection

	preMu sync.Mutex
	preMap map[uint32]*Connection

	preRouter rpc.Router
	preCipher *obfuscate.Obfuscator

	// pendingFrom carries the sender of the datagram currently being
	// routed through preRouter, since rpc.Handler has no argument for
	// it. handlePreConnectData is only ever called from onDatagram's own
	// goroutine, so this needs no lock of its own.
	pendingFrom *net.UDPAddr
}

func newUDPServer(port uint16, obfKey uint32, log logr.Logger) (*udpServer, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	_ = transport.ConfigureUDPSocket(conn)
	_ = transport.SetSocketBuffers(conn, wire.SocketBufferBytes, wire.SocketBufferBytes)

	u := &udpServer{
		port:        port,
		log:         log,
		conn:        conn,
		established: make(map[string]*Connection),
		preMap:      make(map[uint32]*Connection),
		preCipher:   obfuscate.New(obfKey, obfuscate.RoleServer),
	}
	u.preRouter.Register(wire.C2SUDPHandshake, u.onUDPHandshakeCall)
	return u, nil
}

func (u *udpServer) close() {
	u.conn.Close()
}

func (u *udpServer) connectionCount() int {
	u.preMu.Lock()
	n := len(u.preMap)
	u.preMu.Unlock()

	u.establishedMu.RLock()
	n += len(u.established)
	u.establishedMu.RUnlock()
	return n
}

// preMapInsert records cookie→conn if the cookie is not already taken,
// matching the original's "pre-map insert is idempotent on collision"
// behavior: it returns false without replacing anything on collision.
func (u *udpServer) preMapInsert(cookie uint32, conn *Connection) bool {
	u.preMu.Lock()
	defer u.preMu.Unlock()
	if _, exists := u.preMap[cookie]; exists {
		return false
	}
	u.preMap[cookie] = conn
	return true
}

func (u *udpServer) preMapFindRemove(cookie uint32) (*Connection, bool) {
	u.preMu.Lock()
	defer u.preMu.Unlock()
	conn, ok := u.preMap[cookie]
	if ok {
		delete(u.preMap, cookie)
	}
	return conn, ok
}

func (u *udpServer) establishedFind(addr string) (*Connection, bool) {
	u.establishedMu.RLock()
	defer u.establishedMu.RUnlock()
	conn, ok := u.established[addr]
	return conn, ok
}

func (u *udpServer) establishedInsert(addr string, conn *Connection) {
	u.establishedMu.Lock()
	u.established[addr] = conn
	u.establishedMu.Unlock()
}

// run reads datagrams until the socket is closed, dispatching each to the
// owning connection or, for an unrecognized source, the pre-connection
// handshake path.
func (u *udpServer) run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()

	buf := make([]byte, wire.UDPDatagramMax+64)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		u.onDatagram(append([]byte(nil), buf[:n]...), from)
	}
}

func (u *udpServer) onDatagram(data []byte, from *net.UDPAddr) {
	if conn, ok := u.establishedFind(from.String()); ok {
		if err := conn.peer.HandleUDPDatagram(data); err != nil {
			conn.peer.Disconnect(err)
		}
		return
	}

	u.handlePreConnectData(data, from)
}

// handlePreConnectData decrypts a datagram from an address with no
// established connection and routes it through the pre-connection router,
// whose only registered call is C2SUDPHandshake. Anything that doesn't
// decode to that call, or whose cookie isn't in the pre-map, is silently
// dropped per the unknown-cookie edge case.
func (u *udpServer) handlePreConnectData(data []byte, from *net.UDPAddr) {
	datagram := append([]byte(nil), data...)
	u.preCipher.DecryptUDP(datagram)

	if len(datagram) < 2 {
		return
	}
	// The low-16-bits local-time header is part of the wire shape but
	// unused on the pre-connection path; the clock offset estimator only
	// starts once a Connection is resolved.
	_ = binary.LittleEndian.Uint16(datagram)

	s := stream.WrapRead(datagram[2:])
	u.pendingFrom = from
	_, _ = u.preRouter.RouteData(s)
	u.pendingFrom = nil
}

func (u *udpServer) onUDPHandshakeCall(s *stream.Stream) error {
	var cookie uint32
	s.U32(&cookie)
	if !s.Good() {
		return nil
	}

	from := u.pendingFrom
	if from == nil {
		return nil
	}

	conn, ok := u.preMapFindRemove(cookie)
	if !ok {
		return nil
	}

	u.establishedInsert(from.String(), conn)
	conn.onUDPHandshake(from, u.conn)
	return nil
}
