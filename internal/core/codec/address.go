// This file implements RTMFP address-candidate encoding: flags(u8),
// ipBytes(4 or 16), port(u16). Used by the handshaker for P2P candidate
// exchange and rendezvous redirection. See spec.md §6.

package codec

import (
	"encoding/binary"
	"errors"
	"net"
)

// AddressType is the low nibble of the address flags byte.
type AddressType uint8

const (
	AddressUnspecified AddressType = 0
	AddressLocal       AddressType = 1
	AddressPublic      AddressType = 2
	AddressRedirection AddressType = 3
)

const flagIPv6 = 0x80

// ErrBadAddress is returned when an address buffer is malformed.
var ErrBadAddress = errors.New("codec: bad address")

// Candidate is one decoded address-candidate entry.
type Candidate struct {
	Addr *net.UDPAddr
	Type AddressType
}

// WriteAddress appends one candidate to buf and returns the result.
func WriteAddress(buf []byte, addr *net.UDPAddr, t AddressType) []byte {
	ip4 := addr.IP.To4()
	flags := byte(t)
	var ipBytes []byte
	if ip4 != nil {
		ipBytes = ip4
	} else {
		flags |= flagIPv6
		ip16 := addr.IP.To16()
		if ip16 == nil {
			ip16 = make(net.IP, 16)
		}
		ipBytes = ip16
	}
	buf = append(buf, flags)
	buf = append(buf, ipBytes...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(addr.Port))
	return append(buf, portBytes[:]...)
}

// ReadAddress decodes one candidate starting at buf[0], returning the
// candidate and the number of bytes consumed.
func ReadAddress(buf []byte) (Candidate, int, error) {
	if len(buf) < 1 {
		return Candidate{}, 0, ErrBadAddress
	}
	flags := buf[0]
	isV6 := flags&flagIPv6 != 0
	t := AddressType(flags &^ flagIPv6)
	ipLen := 4
	if isV6 {
		ipLen = 16
	}
	need := 1 + ipLen + 2
	if len(buf) < need {
		return Candidate{}, 0, ErrBadAddress
	}
	ip := make(net.IP, ipLen)
	copy(ip, buf[1:1+ipLen])
	port := binary.BigEndian.Uint16(buf[1+ipLen : need])
	return Candidate{Addr: &net.UDPAddr{IP: ip, Port: int(port)}, Type: t}, need, nil
}

// ReadAddresses decodes every candidate in buf until it is exhausted.
func ReadAddresses(buf []byte) ([]Candidate, error) {
	var out []Candidate
	for len(buf) > 0 {
		c, n, err := ReadAddress(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		buf = buf[n:]
	}
	return out, nil
}
