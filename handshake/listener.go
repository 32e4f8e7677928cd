package handshake

import (
	"fmt"
	"net"
	"strconv"

	"github.com/btcpeer/btcpeerd/peer"
)

// Listener accepts raw TCP connections on the service port and upgrades
// each one with an inbound version handshake.
type Listener struct {
	svc *Service
	l   net.Listener
}

// Listen opens the service port for inbound peers.
func Listen(svc *Service, port uint16) (*Listener, error) {
	if !svc.started {
		return nil, ErrNotStarted
	}

	addr := net.JoinHostPort("", strconv.FormatUint(uint64(port), 10))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to listen on %v: %w", addr, err)
	}

	log.Infof("Listening for inbound peers on %v", l.Addr())

	return &Listener{svc: svc, l: l}, nil
}

// Accept blocks for the next inbound connection and completes its handshake.
// A handshake failure closes that connection and is returned so the caller
// can keep accepting; a closed listener surfaces as net.ErrClosed.
func (l *Listener) Accept() (*peer.Channel, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}

	channel, err := l.svc.Negotiate(conn, true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("inbound handshake with %v failed: %w",
			conn.RemoteAddr(), err)
	}

	channel.Start()

	return channel, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close shuts the listener down, unblocking any pending Accept.
func (l *Listener) Close() error {
	return l.l.Close()
}
