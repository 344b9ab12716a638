package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/catid/sphynx/client"
	"github.com/catid/sphynx/obfuscate"
	"github.com/catid/sphynx/rpc"
	"github.com/catid/sphynx/stream"
	"github.com/catid/sphynx/wire"
)

func freePort(t *testing.T, network string) uint16 {
	switch network {
	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("free tcp port: %v", err)
		}
		defer ln.Close()
		return uint16(ln.Addr().(*net.TCPAddr).Port)
	case "udp":
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
		if err != nil {
			t.Fatalf("free udp port: %v", err)
		}
		defer conn.Close()
		return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	default:
		t.Fatalf("unknown network %q", network)
		return 0
	}
}

func TestHappyConnectScenario(t *testing.T) {
	const key = 0x5EED1234

	tcpPort := freePort(t, "tcp")
	udpPort := freePort(t, "udp")

	srv := New(Settings{
		MainTCPPort:    tcpPort,
		StartUDPPort:   udpPort,
		StopUDPPort:    udpPort,
		ObfuscationKey: key,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer srv.Stop()

	connected := make(chan struct{})
	c := client.New(
		client.Settings{Host: "127.0.0.1", Port: tcpPort},
		client.Callbacks{OnConnect: func() { close(connected) }},
		client.WithObfuscationKey(key),
	)

	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	go c.Start(cctx)
	defer c.Stop()

	select {
	case <-connected:
	case <-time.After(4 * time.Second):
		t.Fatalf("OnConnect never fired; state=%v", c.State())
	}

	if c.State() != client.StateEstablished {
		t.Fatalf("state = %v, want Established", c.State())
	}
}

func TestUnknownCookieIsSilentlyDropped(t *testing.T) {
	const key = 0xA5A5A5A5

	udpPort := freePort(t, "udp")
	u, err := newUDPServer(udpPort, key, logr.Discard())
	if err != nil {
		t.Fatalf("newUDPServer: %v", err)
	}
	defer u.close()

	known := &Connection{cookie: 0xC0FFEE}
	if !u.preMapInsert(known.cookie, known) {
		t.Fatalf("preMapInsert of known cookie failed")
	}

	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen sender: %v", err)
	}
	defer sender.Close()

	unknownCookie := uint32(0xDEAD)
	rec := stream.NewWriter(8)
	rpc.EncodeCall(rec, wire.C2SUDPHandshake, rpc.U32Field(&unknownCookie))

	datagram := make([]byte, 2+rec.Used())
	copy(datagram[2:], rec.Bytes())
	obfuscate.New(key, obfuscate.RoleClient).EncryptUDP(datagram)

	if _, err := sender.WriteToUDP(datagram, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(udpPort)}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	go u.run(context.Background())
	time.Sleep(200 * time.Millisecond)

	if u.connectionCount() != 1 {
		t.Fatalf("connectionCount = %d, want 1 (unaffected)", u.connectionCount())
	}
	if _, ok := u.preMapFindRemoveNoDelete(known.cookie); !ok {
		t.Fatalf("known cookie was removed from pre-map by an unrelated handshake")
	}
}

// preMapFindRemoveNoDelete is a read-only peek used only by tests, since
// preMapFindRemove always deletes on success.
func (u *udpServer) preMapFindRemoveNoDelete(cookie uint32) (*Connection, bool) {
	u.preMu.Lock()
	defer u.preMu.Unlock()
	conn, ok := u.preMap[cookie]
	return conn, ok
}

func TestCookieMapBijection(t *testing.T) {
	const key = 0x1234ABCD

	udpPort := freePort(t, "udp")
	u, err := newUDPServer(udpPort, key, logr.Discard())
	if err != nil {
		t.Fatalf("newUDPServer: %v", err)
	}
	defer u.close()

	tcpA, tcpB := net.Pipe()
	defer tcpA.Close()
	defer tcpB.Close()

	conn := newConnection(tcpA, key, logr.Discard(), udpPort)
	conn.cookie = 0x99887766
	if !u.preMapInsert(conn.cookie, conn) {
		t.Fatalf("preMapInsert failed")
	}

	if _, inEstablished := u.establishedFind("anyaddr"); inEstablished {
		t.Fatalf("connection should not be established yet")
	}

	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen sender: %v", err)
	}
	defer sender.Close()

	cookie := conn.cookie
	rec := stream.NewWriter(8)
	rpc.EncodeCall(rec, wire.C2SUDPHandshake, rpc.U32Field(&cookie))

	datagram := make([]byte, 2+rec.Used())
	copy(datagram[2:], rec.Bytes())
	obfuscate.New(key, obfuscate.RoleClient).EncryptUDP(datagram)

	u.onDatagram(datagram, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(sender.LocalAddr().(*net.UDPAddr).Port)})

	if _, stillPre := u.preMapFindRemoveNoDelete(conn.cookie); stillPre {
		t.Fatalf("connection still in pre-map after handshake")
	}
	addr := (&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(sender.LocalAddr().(*net.UDPAddr).Port)}).String()
	if _, ok := u.establishedFind(addr); !ok {
		t.Fatalf("connection missing from established map after handshake")
	}
	if !conn.peer.FullyConnected() {
		t.Fatalf("connection not marked fully connected after handshake")
	}
}

func TestOversizeUDPRecordRefusedButSessionIntact(t *testing.T) {
	const key = 0x7777

	tcpA, tcpB := net.Pipe()
	defer tcpA.Close()
	defer tcpB.Close()

	conn := newConnection(tcpA, key, logr.Discard(), 5060)

	big := stream.NewWriter(600)
	big.GetBlock(600)
	if err := conn.peer.PackUDP(big); err == nil {
		t.Fatalf("expected oversize udp record to be refused")
	}

	if conn.peer.Disconnected() {
		t.Fatalf("session should remain intact after a refused oversize send")
	}

	small := stream.NewWriter(8)
	id := uint8(1)
	small.U8(&id)
	if err := conn.peer.PackTCP(small); err != nil {
		t.Fatalf("PackTCP after refused udp send: %v", err)
	}
}
