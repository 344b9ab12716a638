package obfuscate

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestTCPInvolutivityAcrossSplits(t *testing.T) {
	const key = 0xC0FFEE11

	client := New(key, RoleClient)
	server := New(key, RoleServer)

	plain := make([]byte, 4096)
	r := rand.New(rand.NewSource(1))
	r.Read(plain)

	// Encrypt in arbitrary chunk sizes, since TCP obfuscation state must
	// persist across calls.
	cipher := append([]byte(nil), plain...)
	for off := 0; off < len(cipher); {
		n := 1 + r.Intn(37)
		if off+n > len(cipher) {
			n = len(cipher) - off
		}
		client.EncryptTCP(cipher[off : off+n])
		off += n
	}

	got := append([]byte(nil), cipher...)
	for off := 0; off < len(got); {
		n := 1 + r.Intn(53)
		if off+n > len(got) {
			n = len(got) - off
		}
		server.DecryptTCP(got[off : off+n])
		off += n
	}

	if !bytes.Equal(got, plain) {
		t.Fatalf("TCP decrypt(encrypt(x)) != x")
	}
}

func TestUDPInvolutivityPerDatagram(t *testing.T) {
	const key = 0xABCDEF01

	client := New(key, RoleClient)
	server := New(key, RoleServer)

	for n := 0; n < 10; n++ {
		plain := make([]byte, 490)
		r := rand.New(rand.NewSource(int64(n)))
		r.Read(plain)

		cipher := append([]byte(nil), plain...)
		client.EncryptUDP(cipher)

		got := append([]byte(nil), cipher...)
		server.DecryptUDP(got)

		if !bytes.Equal(got, plain) {
			t.Fatalf("datagram %d: UDP decrypt(encrypt(x)) != x", n)
		}
	}
}

func TestUDPStateResetsPerDatagram(t *testing.T) {
	const key = 0x1234

	o := New(key, RoleClient)

	a := []byte{1, 2, 3}
	b := append([]byte(nil), a...)

	o.EncryptUDP(a)
	o.EncryptUDP(b)

	if !bytes.Equal(a, b) {
		t.Fatalf("two identical datagrams must encrypt identically; UDP state must not persist across calls")
	}
}

func TestKeyDerivationMirrorsRoles(t *testing.T) {
	const key = 0x55555555

	c := New(key, RoleClient)
	s := New(key, RoleServer)

	if c.outKey != s.inKey || c.inKey != s.outKey {
		t.Fatalf("client/server keys are not mirrored: client out=%#x in=%#x, server out=%#x in=%#x",
			c.outKey, c.inKey, s.outKey, s.inKey)
	}
}
