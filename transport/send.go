package transport

import (
	"encoding/binary"

	"github.com/golang/snappy"

	"github.com/catid/sphynx/stream"
	"github.com/catid/sphynx/wire"
)

// PackTCP appends rec's bytes into the TCP pack buffer under its lock,
// flushing first if the addition would overflow the buffer's capacity.
func (p *Peer) PackTCP(rec *stream.Stream) error {
	p.tcpPackMu.Lock()
	defer p.tcpPackMu.Unlock()

	if p.tcpPack.Used()+rec.Used() > p.tcpPack.Size() {
		if err := p.flushTCPLocked(); err != nil {
			return err
		}
	}
	b := p.tcpPack.GetBlock(rec.Used())
	copy(b, rec.Bytes())
	return nil
}

// PackUDP appends rec's bytes into the UDP pack buffer under its lock,
// flushing first if the addition would exceed the MTU-sized datagram cap.
// Per the oversize-RPC edge case, a single record that can never fit even
// in an empty buffer is refused without touching the buffer.
func (p *Peer) PackUDP(rec *stream.Stream) error {
	p.udpPackMu.Lock()
	defer p.udpPackMu.Unlock()

	if wire.UDPHeaderSize+rec.Used() > wire.UDPDatagramMax {
		return errOversizeUDPRecord
	}
	if p.udpPack.Used()+rec.Used() > wire.UDPDatagramMax {
		if err := p.flushUDPLocked(); err != nil {
			return err
		}
	}
	b := p.udpPack.GetBlock(rec.Used())
	copy(b, rec.Bytes())
	return nil
}

var errOversizeUDPRecord = udpRecordTooLargeError{}

type udpRecordTooLargeError struct{}

func (udpRecordTooLargeError) Error() string { return "transport: rpc record too large for one UDP datagram" }

// FlushTCP snappy-compresses the whole pending TCP buffer into one frame,
// length-prefixes it, encrypts, and writes it to the socket. The buffer is
// reset afterward whether or not anything was pending.
func (p *Peer) FlushTCP() error {
	p.tcpPackMu.Lock()
	defer p.tcpPackMu.Unlock()
	return p.flushTCPLocked()
}

func (p *Peer) flushTCPLocked() error {
	if p.tcpPack.Used() == 0 {
		return nil
	}
	plain := p.tcpPack.Bytes()

	compressed := snappy.Encode(nil, plain)

	frame := make([]byte, 4+len(compressed))
	binary.LittleEndian.PutUint32(frame, uint32(len(compressed)))
	copy(frame[4:], compressed)

	p.obf.EncryptTCP(frame)

	p.tcpPack.Reset()

	_, err := p.tcp.Write(frame)
	if err != nil {
		return err
	}
	return nil
}

// FlushUDP stamps the pending UDP buffer with the low 16 bits of the
// current local time, encrypts the whole datagram, and sends it to the
// peer's UDP endpoint. The buffer is reset and re-seeded with a
// placeholder header afterward.
func (p *Peer) FlushUDP(nowMsec int64) error {
	p.udpPackMu.Lock()
	defer p.udpPackMu.Unlock()
	return p.flushUDPLocked2(nowMsec)
}

// flushUDPLocked is used by PackUDP, which does not have a current time
// handy; it stamps with 0, matching the original's behavior of only
// meaningfully timestamping on an explicit, timer-driven flush.
func (p *Peer) flushUDPLocked() error {
	return p.flushUDPLocked2(0)
}

func (p *Peer) flushUDPLocked2(nowMsec int64) error {
	conn, remote := p.remoteUDP()
	if conn == nil || remote == nil {
		p.udpPack = newUDPPackBuffer()
		return nil
	}

	datagram := append([]byte(nil), p.udpPack.Bytes()...)
	binary.LittleEndian.PutUint16(datagram, uint16(nowMsec))

	p.obf.EncryptUDP(datagram)

	p.udpPack = newUDPPackBuffer()

	_, err := conn.WriteTo(datagram, remote)
	return err
}
