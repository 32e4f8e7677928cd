package protocol

import (
	"github.com/btcsuite/btcd/wire"
)

// Channel is a handshake-completed logical connection to a peer. The
// concrete implementation lives in the peer package; the manager only needs
// this surface, which also keeps the core testable without real sockets.
type Channel interface {
	// RemoteAddr returns the network address of the remote peer.
	RemoteAddr() *wire.NetAddress

	// SendMessage enqueues a message for asynchronous delivery.
	SendMessage(msg wire.Message) error

	// SubscribeAddrs registers a handler invoked for every addr message
	// the peer delivers.
	SubscribeAddrs(handler func(*wire.MsgAddr))

	// SubscribeStop registers a handler fired exactly once when the
	// channel dies.
	SubscribeStop(handler func())

	// Close tears the connection down.
	Close()
}

// Listener yields inbound channels that have completed their handshake.
type Listener interface {
	// Accept blocks for the next admitted channel. After Close it
	// returns an error wrapping net.ErrClosed.
	Accept() (Channel, error)

	// Close shuts the listener down, unblocking any pending Accept.
	Close() error
}

// HostDirectory is the persistent catalog of known peer addresses the
// manager samples outbound candidates from and routes gossip into. It must
// serialize concurrent calls internally; the manager pipelines them freely.
type HostDirectory interface {
	// Load reads the persisted catalog from the given path.
	Load(path string) error

	// Save persists the catalog to the given path.
	Save(path string) error

	// FetchCount returns the number of known addresses.
	FetchCount() (int, error)

	// FetchAddress returns a random known address. It may return the
	// same address on repeated calls.
	FetchAddress() (*wire.NetAddress, error)

	// Store inserts or refreshes an address.
	Store(addr *wire.NetAddress) error
}
