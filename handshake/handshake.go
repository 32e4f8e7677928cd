package handshake

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/btcpeer/btcpeerd/peer"
)

var (
	// ErrSelfConnection is returned when the remote side of a handshake
	// presents our own nonce, meaning we dialed ourselves.
	ErrSelfConnection = errors.New("connected to self")

	// ErrNotStarted is returned when a connection is attempted before the
	// handshake service has been started.
	ErrNotStarted = errors.New("handshake service not started")
)

const (
	// DefaultDialTimeout bounds the TCP connect to a candidate peer.
	DefaultDialTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds the version/verack exchange once the
	// connection is up.
	DefaultHandshakeTimeout = 60 * time.Second
)

// Config houses the identity this node presents during version handshakes.
type Config struct {
	// UserAgentName is the agent name advertised in the version message.
	UserAgentName string

	// UserAgentVersion is the agent version advertised in the version
	// message.
	UserAgentVersion string

	// Services are the service flags advertised to remote peers.
	Services wire.ServiceFlag

	// ChainNet is the network magic all messages are framed with.
	ChainNet wire.BitcoinNet

	// ProtocolVersion is the maximum wire protocol version this node
	// speaks. The negotiated version is the minimum of both sides.
	ProtocolVersion uint32

	// DialTimeout bounds outbound TCP connects. Defaults to
	// DefaultDialTimeout when zero.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the version/verack exchange. Defaults to
	// DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration
}

// Service performs the version/verack exchange that upgrades a raw
// connection into a Channel. It carries the node nonce used to detect
// accidental self-connections.
type Service struct {
	cfg *Config

	startErr error
	nonce    uint64
	started  bool
}

// New creates a handshake service with the given identity. Start must be
// called before any connection is negotiated.
func New(cfg *Config) *Service {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = wire.ProtocolVersion
	}

	return &Service{cfg: cfg}
}

// Start generates the node nonce. It is idempotent: repeated calls return
// the result of the first.
func (s *Service) Start() error {
	if s.started {
		return s.startErr
	}
	s.started = true

	nonce, err := wire.RandomUint64()
	if err != nil {
		s.startErr = fmt.Errorf("unable to generate node nonce: %w",
			err)
		return s.startErr
	}
	s.nonce = nonce

	log.Debugf("Handshake service started, nonce=%x", s.nonce)

	return nil
}

// Connect resolves and dials the given host, runs the outbound handshake and
// returns a running Channel. The host may be a hostname or a literal IP.
func Connect(s *Service, host string, port uint16) (*peer.Channel, error) {
	if !s.started {
		return nil, ErrNotStarted
	}

	addr := net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
	conn, err := net.DialTimeout("tcp", addr, s.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to dial %v: %w", addr, err)
	}

	channel, err := s.Negotiate(conn, false)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %v failed: %w", addr,
			err)
	}

	channel.Start()

	return channel, nil
}

// Negotiate runs the version/verack exchange over the given connection and
// wraps it into a Channel on success. The returned channel has not been
// started. The caller owns the connection on failure.
func (s *Service) Negotiate(conn net.Conn, inbound bool) (*peer.Channel,
	error) {

	if !s.started {
		return nil, ErrNotStarted
	}

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// Both sides ack the version they receive and wait for the ack of
	// their own. The initiator speaks first at every step, so the
	// exchange cannot deadlock even on a fully unbuffered transport.
	var (
		remoteVersion *wire.MsgVersion
		err           error
	)
	if inbound {
		remoteVersion, err = s.readVersion(conn)
		if err != nil {
			return nil, err
		}
		if err := s.writeVersion(conn); err != nil {
			return nil, err
		}
		if err := s.readVerAck(conn); err != nil {
			return nil, err
		}
		if err := s.writeVerAck(conn); err != nil {
			return nil, err
		}
	} else {
		if err := s.writeVersion(conn); err != nil {
			return nil, err
		}
		remoteVersion, err = s.readVersion(conn)
		if err != nil {
			return nil, err
		}
		if err := s.writeVerAck(conn); err != nil {
			return nil, err
		}
		if err := s.readVerAck(conn); err != nil {
			return nil, err
		}
	}

	// Back to a fully blocking connection for the channel's own loops.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	pver := s.cfg.ProtocolVersion
	if uint32(remoteVersion.ProtocolVersion) < pver {
		pver = uint32(remoteVersion.ProtocolVersion)
	}

	log.Debugf("Negotiated pver %d with %v (agent %v)", pver,
		conn.RemoteAddr(), remoteVersion.UserAgent)

	return peer.NewChannel(&peer.Config{
		Conn:            conn,
		Addr:            remoteNetAddress(conn, remoteVersion),
		ProtocolVersion: pver,
		ChainNet:        s.cfg.ChainNet,
	}), nil
}

// writeVersion sends our version message on the connection.
func (s *Service) writeVersion(conn net.Conn) error {
	me := netAddressForConn(conn.LocalAddr(), s.cfg.Services)
	you := netAddressForConn(conn.RemoteAddr(), 0)

	msg := wire.NewMsgVersion(me, you, s.nonce, 0)
	msg.Services = s.cfg.Services
	msg.ProtocolVersion = int32(s.cfg.ProtocolVersion)
	err := msg.AddUserAgent(s.cfg.UserAgentName, s.cfg.UserAgentVersion)
	if err != nil {
		return err
	}

	return wire.WriteMessage(conn, msg, s.cfg.ProtocolVersion,
		s.cfg.ChainNet)
}

// readVersion reads the remote version message and rejects self-connections.
func (s *Service) readVersion(conn net.Conn) (*wire.MsgVersion, error) {
	msg, _, err := wire.ReadMessage(
		conn, s.cfg.ProtocolVersion, s.cfg.ChainNet,
	)
	if err != nil {
		return nil, err
	}

	remoteVersion, ok := msg.(*wire.MsgVersion)
	if !ok {
		return nil, fmt.Errorf("expected version message, got %v",
			msg.Command())
	}

	if remoteVersion.Nonce == s.nonce {
		return nil, ErrSelfConnection
	}

	return remoteVersion, nil
}

// writeVerAck acks the remote version message.
func (s *Service) writeVerAck(conn net.Conn) error {
	return wire.WriteMessage(
		conn, wire.NewMsgVerAck(), s.cfg.ProtocolVersion,
		s.cfg.ChainNet,
	)
}

// readVerAck reads the remote verack message.
func (s *Service) readVerAck(conn net.Conn) error {
	msg, _, err := wire.ReadMessage(
		conn, s.cfg.ProtocolVersion, s.cfg.ChainNet,
	)
	if err != nil {
		return err
	}

	if _, ok := msg.(*wire.MsgVerAck); !ok {
		return fmt.Errorf("expected verack message, got %v",
			msg.Command())
	}

	return nil
}

// remoteNetAddress derives the peer's NetAddress from the connection,
// carrying over the service flags it advertised.
func remoteNetAddress(conn net.Conn,
	remoteVersion *wire.MsgVersion) *wire.NetAddress {

	return netAddressForConn(conn.RemoteAddr(), remoteVersion.Services)
}

// netAddressForConn converts a net.Addr into a wire.NetAddress. Non-TCP
// addresses (in-memory pipes in tests) map to the zero address.
func netAddressForConn(addr net.Addr,
	services wire.ServiceFlag) *wire.NetAddress {

	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return wire.NewNetAddress(tcpAddr, services)
	}

	return wire.NewNetAddressIPPort(net.IPv4zero, 0, services)
}
