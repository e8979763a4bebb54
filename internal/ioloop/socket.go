// Package ioloop owns the UDP socket and the single IO lane that mutates
// every Session and Handshake in the engine, per spec.md §5: one goroutine
// reads the socket, demultiplexes by session id, and drives the periodic
// keepalive/retry/GC sweep, the RTMFP analogue of the accept-loop-plus-
// dispatch shape an RTMP server runs per TCP connection.
package ioloop

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	socketReadBufferBytes  = 1 << 20
	socketWriteBufferBytes = 1 << 20

	// diffservExpeditedForwarding marks outgoing datagrams for low-latency
	// handling on networks that honor DSCP, generalizing the multicast
	// socket tuning a real-time transport reaches for golang.org/x/net/ipv4
	// to do, applied here to RTMFP's unicast UDP traffic.
	diffservExpeditedForwarding = 0xB8
)

// socket wraps one UDP listener with the buffer and TOS tuning real-time
// media traffic wants, and is the only thing in the package that touches
// net directly.
type socket struct {
	conn *net.UDPConn
	log  *zap.Logger
}

func newSocket(addr string, log *zap.Logger) (*socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve listen address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}
	if err := conn.SetReadBuffer(socketReadBufferBytes); err != nil {
		log.Warn("set read buffer failed", zap.Error(err))
	}
	if err := conn.SetWriteBuffer(socketWriteBufferBytes); err != nil {
		log.Warn("set write buffer failed", zap.Error(err))
	}
	if err := ipv4.NewPacketConn(conn).SetTOS(diffservExpeditedForwarding); err != nil {
		// Not every platform/network stack honors TOS; it's a hint, not a
		// requirement, so this never fails socket setup.
		log.Debug("set TOS failed", zap.Error(err))
	}
	return &socket{conn: conn, log: log}, nil
}

func (s *socket) readFrom(buf []byte) (int, *net.UDPAddr, error) {
	return s.conn.ReadFromUDP(buf)
}

func (s *socket) writeTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

func (s *socket) close() error {
	return s.conn.Close()
}
