// Package client drives one connection to a Sphynx-style server: address
// resolution, the TCP dial, the UDP handshake, and the steady-state
// heartbeat/time-sync timers.
package client

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/go-logr/logr"

	"github.com/catid/sphynx/rpc"
)

// State names the client's position in its connection lifecycle.
type State int

const (
	StateResolving State = iota
	StateConnecting
	StateTCPReady
	StateHandshakingUDP
	StateEstablished
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "Resolving"
	case StateConnecting:
		return "Connecting"
	case StateTCPReady:
		return "TCPReady"
	case StateHandshakingUDP:
		return "HandshakingUDP"
	case StateEstablished:
		return "Established"
	case StateTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// Settings configures a Client. Host is resolved to one or more addresses;
// the client dials each in round-robin order starting from a random index.
type Settings struct {
	Host string
	Port uint16
}

// Validate reports whether s is usable, following the teacher's
// struct+Validate convention.
func (s *Settings) Validate() error {
	if s == nil {
		return fmt.Errorf("nil settings")
	}
	if s.Host == "" {
		return fmt.Errorf("invalid Host=%q", s.Host)
	}
	if s.Port == 0 {
		return fmt.Errorf("invalid Port=%d", s.Port)
	}
	return nil
}

// Callbacks are the application hooks a Client fires over its lifetime.
// Each is optional; a nil hook is simply not called.
type Callbacks struct {
	// OnConnect fires once, when the UDP handshake completes and the
	// session transitions to Established.
	OnConnect func()

	// OnConnectFail fires once, in place of OnConnect, if resolution or
	// every dial attempt fails, or if the session is torn down before it
	// reaches Established.
	OnConnectFail func()

	// OnDisconnect fires once, when an Established session is torn down.
	OnDisconnect func(err error)

	// OnTick fires once per client tick while Established, unless the
	// peer has gone stale (in which case the tick disconnects instead).
	OnTick func()

	// Registered application-level call ids, invoked as server messages
	// arrive. Builtin ids are reserved and may not be overridden.
	Register func(r *rpc.Router)
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger installs a logr.Logger for warnings and protocol violations.
func WithLogger(l logr.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithObfuscationKey overrides the default (zero) key used to derive the
// session's obfuscator. Client and server must agree on this key out of
// band; it is not itself authentication.
func WithObfuscationKey(key uint32) Option {
	return func(c *Client) { c.obfKey = key }
}

func resolveShuffled(host string, port uint16) ([]net.Addr, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("client: no addresses for %q", host)
	}

	addrs := make([]net.Addr, len(ips))
	for i, ip := range ips {
		addrs[i] = &net.TCPAddr{IP: ip, Port: int(port)}
	}

	start := rand.Intn(len(addrs))
	rotated := make([]net.Addr, len(addrs))
	for i := range addrs {
		rotated[i] = addrs[(start+i)%len(addrs)]
	}
	return rotated, nil
}
