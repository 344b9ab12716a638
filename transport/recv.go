package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/golang/snappy"

	"github.com/catid/sphynx/stream"
	"github.com/catid/sphynx/wtime"
)

// RunTCPReceiveLoop reads from the TCP socket until it closes or a
// protocol violation occurs, at which point the peer is disconnected. It
// is meant to run on its own goroutine for the lifetime of the session.
func (p *Peer) RunTCPReceiveLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := p.tcp.Read(buf)
		if n > 0 {
			if derr := p.handleTCPData(buf[:n]); derr != nil {
				p.Disconnect(derr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				p.log.V(1).Info("tcp read error", "err", err)
			}
			p.Disconnect(err)
			return
		}
	}
}

func (p *Peer) handleTCPData(chunk []byte) error {
	p.obf.DecryptTCP(chunk)
	p.tcpRecvBuf = append(p.tcpRecvBuf, chunk...)
	return p.drainTCPFrames()
}

// drainTCPFrames decodes every complete {len:u32, snappyBlock} frame
// currently buffered, routing each decompressed frame's RPC records in
// turn. An incomplete trailing frame is left in the buffer for the next
// read.
func (p *Peer) drainTCPFrames() error {
	for {
		if len(p.tcpRecvBuf) < 4 {
			return nil
		}
		frameLen := binary.LittleEndian.Uint32(p.tcpRecvBuf)
		if uint64(len(p.tcpRecvBuf)) < 4+uint64(frameLen) {
			return nil
		}

		compressed := p.tcpRecvBuf[4 : 4+frameLen]
		plain, err := snappy.Decode(nil, compressed)
		if err != nil {
			return p.protocolError(fmt.Errorf("snappy decode: %w", err))
		}

		p.tcpRecvBuf = p.tcpRecvBuf[4+frameLen:]

		s := stream.WrapRead(plain)
		if _, err := p.router.RouteData(s); err != nil {
			return p.protocolError(err)
		}

		p.touchReceive(nowMsec())
	}
}

// HandleUDPDatagram processes one datagram already known to belong to
// this peer: decrypt, decode the {localMsec15, records...} shape, route,
// and update the clock offset estimator. The caller (a UDP server or the
// client's own socket loop) is responsible for endpoint matching; a
// datagram from the wrong source must never reach this call.
func (p *Peer) HandleUDPDatagram(data []byte) error {
	datagram := append([]byte(nil), data...)
	p.obf.DecryptUDP(datagram)

	if len(datagram) < 2 {
		return p.protocolError(fmt.Errorf("udp datagram shorter than header"))
	}

	sentWire := binary.LittleEndian.Uint16(datagram)
	s := stream.WrapRead(datagram[2:])

	dispatched, err := p.router.RouteData(s)
	if err != nil {
		return p.protocolError(err)
	}

	if dispatched {
		now := nowMsec()
		p.touchReceive(now)

		p.mu.Lock()
		p.lastRemoteWireMsec = wtime.ReconstructCounter16(p.lastRemoteWireMsec, sentWire)
		expanded := p.lastRemoteWireMsec
		p.mu.Unlock()

		p.windowedMu.Lock()
		p.windowed.Insert(expanded, now)
		p.windowedMu.Unlock()
	}

	return nil
}

// ValidUDPSource reports whether from matches the peer's attached UDP
// endpoint; the caller should drop datagrams that fail this check rather
// than calling HandleUDPDatagram.
func (p *Peer) ValidUDPSource(from net.Addr) bool {
	_, remote := p.remoteUDP()
	if remote == nil {
		return false
	}
	return from.String() == remote.String()
}

func nowMsec() int64 {
	return timeNowMsec()
}
