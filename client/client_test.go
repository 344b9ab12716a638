package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/catid/sphynx/obfuscate"
	"github.com/catid/sphynx/rpc"
	"github.com/catid/sphynx/stream"
	"github.com/catid/sphynx/transport"
	"github.com/catid/sphynx/wire"
)

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		s     Settings
		valid bool
	}{
		{Settings{Host: "localhost", Port: 5060}, true},
		{Settings{Host: "", Port: 5060}, false},
		{Settings{Host: "localhost", Port: 0}, false},
	}
	for _, c := range cases {
		err := c.s.Validate()
		if (err == nil) != c.valid {
			t.Fatalf("Validate(%+v) err=%v, want valid=%v", c.s, err, c.valid)
		}
	}
}

func TestStateStringsAreDistinct(t *testing.T) {
	states := []State{StateResolving, StateConnecting, StateTCPReady, StateHandshakingUDP, StateEstablished, StateTerminal}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		if seen[str] {
			t.Fatalf("duplicate state string %q", str)
		}
		seen[str] = true
	}
}

// fakeServer plays the server's side of the happy-connect scenario: accept
// one TCP connection, send the handshake, then answer the UDP handshake
// with a time sync, without any of the pre-map/worker machinery the real
// server package adds.
type fakeServer struct {
	ln      net.Listener
	udpConn *net.UDPConn
	cookie  uint32
	key     uint32
}

func newFakeServer(t *testing.T, key uint32) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return &fakeServer{ln: ln, udpConn: udpConn, cookie: 0xC0FFEE, key: key}
}

func (fs *fakeServer) udpPort() uint16 {
	return uint16(fs.udpConn.LocalAddr().(*net.UDPAddr).Port)
}

func (fs *fakeServer) run(t *testing.T) {
	conn, err := fs.ln.Accept()
	if err != nil {
		return
	}

	var tcpRouter rpc.Router
	peer := transport.New(conn, &tcpRouter, obfuscate.New(fs.key, obfuscate.RoleServer))
	go peer.RunTCPReceiveLoop()

	rec := stream.NewWriter(16)
	cookie := fs.cookie
	port := fs.udpPort()
	rpc.EncodeCall(rec, wire.S2CTCPHandshake, rpc.U32Field(&cookie), rpc.U16Field(&port))
	if err := peer.PackTCP(rec); err != nil {
		t.Errorf("fakeServer PackTCP: %v", err)
		return
	}
	if err := peer.FlushTCP(); err != nil {
		t.Errorf("fakeServer FlushTCP: %v", err)
		return
	}

	buf := make([]byte, wire.UDPDatagramMax+64)
	for i := 0; i < 50; i++ {
		fs.udpConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := fs.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		datagram := append([]byte(nil), buf[:n]...)
		obfuscate.New(fs.key, obfuscate.RoleServer).DecryptUDP(datagram)
		if len(datagram) < 2 {
			continue
		}
		s := stream.WrapRead(datagram[2:])

		var id uint8
		var gotCookie uint32
		s.U8(&id)
		if id != wire.C2SUDPHandshake {
			continue
		}
		s.U32(&gotCookie)
		if !s.Good() || gotCookie != fs.cookie {
			continue
		}

		// Respond with S2CTimeSync over UDP, obfuscated with the
		// server's outgoing UDP key.
		reply := stream.NewWriter(8)
		var localMsec16 uint16
		reply.U16(&localMsec16) // placeholder for the 2-byte header
		var bestDelta uint16
		rpc.EncodeCall(reply, wire.S2CTimeSync, rpc.U16Field(&bestDelta))

		out := append([]byte(nil), reply.Bytes()...)
		obfuscate.New(fs.key, obfuscate.RoleServer).EncryptUDP(out)
		fs.udpConn.WriteToUDP(out, from)
		return
	}
}

func (fs *fakeServer) addr() string {
	return fs.ln.Addr().String()
}

func (fs *fakeServer) close() {
	fs.ln.Close()
	fs.udpConn.Close()
}

func TestHappyConnectScenario(t *testing.T) {
	const key = 0xABCD1234

	fs := newFakeServer(t, key)
	defer fs.close()
	go fs.run(t)

	host, portStr, err := net.SplitHostPort(fs.addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	connected := make(chan struct{})
	c := New(
		Settings{Host: host, Port: uint16(port)},
		Callbacks{
			OnConnect: func() { close(connected) },
		},
		WithObfuscationKey(key),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go c.Start(ctx)

	select {
	case <-connected:
	case <-time.After(4 * time.Second):
		t.Fatalf("OnConnect never fired; state=%v", c.State())
	}

	if c.State() != StateEstablished {
		t.Fatalf("state = %v, want Established", c.State())
	}

	c.Stop()
}
