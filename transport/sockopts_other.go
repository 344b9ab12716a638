//go:build !linux

package transport

import "net"

// ConfigureUDPSocket is a no-op outside Linux: don't-fragment and
// ICMP-unreachable suppression have no portable cross-platform API.
func ConfigureUDPSocket(conn *net.UDPConn) error { return nil }

// ConfigureTCPSocket sets the options that are portable across platforms.
func ConfigureTCPSocket(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	return conn.SetLinger(0)
}

// SetSocketBuffers sizes the kernel send/recv buffers via the portable
// net.UDPConn API.
func SetSocketBuffers(conn *net.UDPConn, sendBytes, recvBytes int) error {
	if err := conn.SetWriteBuffer(sendBytes); err != nil {
		return err
	}
	return conn.SetReadBuffer(recvBytes)
}
