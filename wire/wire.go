// Package wire defines the protocol's fixed call ids, compile-time settings
// and frame shapes, shared by client, server and transport.
package wire

import "time"

// Server-to-client call ids. These occupy the high range; application call
// ids occupy the low range and are registered by callers of rpc.Router.
const (
	S2CTCPHandshake uint8 = 253
	S2CTimeSync     uint8 = 254 // UDP only
	S2CHeartbeat    uint8 = 255
)

// Client-to-server call ids.
const (
	C2SHeartbeat    uint8 = 254 // TCP or UDP
	C2SUDPHandshake uint8 = 255
)

// Compile-time settings, mirroring the reference implementation's
// hardcoded tuning constants.
const (
	SocketBufferBytes = 64 * 1024
	UDPDatagramMax    = 490
	TCPReadBufferSize = 16 * 1024

	ServerTick         = 30 * time.Millisecond
	ClientTick         = 100 * time.Millisecond
	TCPHeartbeatPeriod = 10 * time.Second

	UDPFastPeriod = 300 * time.Millisecond
	UDPFastCount  = 10
	UDPSlowPeriod = 1000 * time.Millisecond

	ReceiveTimeout = 40 * time.Second
	HandshakeRetry = 100 * time.Millisecond

	// CompressionLevel has no effect on the snappy codec transport uses,
	// which takes no level parameter; kept as a named constant so the
	// compile-time settings table still lists a compression level.
	CompressionLevel = 9
)

// UDP datagram shape: {localMsec15:u16, rpcRecords...}. A TCP frame is
// {len:u32 LE, snappyBlock}: the 4-byte length prefix marks the frame
// boundary, and the block decompresses to a bare concatenation of RPC
// records.
const UDPHeaderSize = 2
