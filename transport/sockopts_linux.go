//go:build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ConfigureUDPSocket sets the don't-fragment flag and enables ICMP
// unreachable suppression on conn, per the environment settings every
// session's UDP endpoint is expected to carry. Failures are non-fatal:
// the session can run without them at a performance or robustness cost.
func ConfigureUDPSocket(conn *net.UDPConn) error {
	sc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := sc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		if sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVERR, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

// ConfigureTCPSocket sets TCP_NODELAY and disables linger, per the
// environment settings every TCP socket in a session is expected to
// carry.
func ConfigureTCPSocket(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	return conn.SetLinger(0)
}

// SetSocketBuffers sizes the kernel send/recv buffers for conn.
func SetSocketBuffers(conn *net.UDPConn, sendBytes, recvBytes int) error {
	sc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := sc.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, sendBytes)
		if sockErr != nil {
			return
		}
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, recvBytes)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
