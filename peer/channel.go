package peer

import (
	"errors"
	"net"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/queue"
)

// ErrChannelShutdown is returned when a message is sent on a channel whose
// underlying connection has already been torn down.
var ErrChannelShutdown = errors.New("channel shutting down")

// outgoingQueueLen is the buffer size of the channel's outgoing message
// queue. The queue itself grows without bound, the buffer only sizes its
// fast path.
const outgoingQueueLen = 50

// Config bundles everything a Channel needs to talk to its peer.
type Config struct {
	// Conn is the underlying connection, already past the version
	// handshake.
	Conn net.Conn

	// Addr is the network address of the remote peer.
	Addr *wire.NetAddress

	// ProtocolVersion is the wire protocol version negotiated during the
	// handshake.
	ProtocolVersion uint32

	// ChainNet is the network magic all messages are framed with.
	ChainNet wire.BitcoinNet
}

// Channel is a handshake-completed logical connection to a peer. It owns a
// read loop that dispatches inbound addr messages to subscribers and a write
// loop draining the outgoing queue. When the underlying socket dies, stop
// subscribers fire exactly once.
type Channel struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	sendQueue *queue.ConcurrentQueue

	// addrMtx guards addrSubs.
	addrMtx  sync.Mutex
	addrSubs []func(*wire.MsgAddr)

	// stopMtx guards stopSubs and stopFired.
	stopMtx   sync.Mutex
	stopSubs  []func()
	stopFired bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewChannel wraps the given post-handshake connection. Start must be called
// before the channel sends or delivers anything.
func NewChannel(cfg *Config) *Channel {
	return &Channel{
		cfg:       cfg,
		sendQueue: queue.NewConcurrentQueue(outgoingQueueLen),
		quit:      make(chan struct{}),
	}
}

// Start launches the read and write handlers.
func (c *Channel) Start() {
	c.started.Do(func() {
		c.sendQueue.Start()

		c.wg.Add(2)
		go c.writeHandler()
		go c.readHandler()
	})
}

// RemoteAddr returns the network address of the remote peer.
func (c *Channel) RemoteAddr() *wire.NetAddress {
	return c.cfg.Addr
}

// SendMessage enqueues the message for delivery to the peer. The write
// happens asynchronously; a write failure tears the channel down and is
// surfaced through the stop subscription rather than here.
func (c *Channel) SendMessage(msg wire.Message) error {
	select {
	case c.sendQueue.ChanIn() <- msg:
		return nil
	case <-c.quit:
		return ErrChannelShutdown
	}
}

// SubscribeAddrs registers a handler invoked for every addr message the peer
// delivers. Handlers run on the channel's read goroutine and must not block.
func (c *Channel) SubscribeAddrs(handler func(*wire.MsgAddr)) {
	c.addrMtx.Lock()
	defer c.addrMtx.Unlock()

	c.addrSubs = append(c.addrSubs, handler)
}

// SubscribeStop registers a handler fired once when the channel dies. A
// handler registered after the channel has already stopped fires
// immediately.
func (c *Channel) SubscribeStop(handler func()) {
	c.stopMtx.Lock()
	if c.stopFired {
		c.stopMtx.Unlock()
		go handler()
		return
	}
	c.stopSubs = append(c.stopSubs, handler)
	c.stopMtx.Unlock()
}

// Close tears down the connection. Safe to call multiple times and from any
// goroutine, including the channel's own handlers.
func (c *Channel) Close() {
	c.stopped.Do(func() {
		close(c.quit)
		c.cfg.Conn.Close()

		// Drain the handlers before releasing the queue, then let the
		// stop subscribers know. This runs off-thread so Close never
		// blocks a caller that is itself one of the handlers.
		go func() {
			c.wg.Wait()
			c.sendQueue.Stop()
			c.notifyStop()
		}()
	})
}

// notifyStop fires all registered stop handlers exactly once.
func (c *Channel) notifyStop() {
	c.stopMtx.Lock()
	subs := c.stopSubs
	c.stopSubs = nil
	c.stopFired = true
	c.stopMtx.Unlock()

	for _, handler := range subs {
		handler()
	}
}

// writeHandler drains the outgoing queue onto the wire.
//
// NOTE: MUST be run as a goroutine.
func (c *Channel) writeHandler() {
	defer c.wg.Done()

	for {
		select {
		case item, ok := <-c.sendQueue.ChanOut():
			if !ok {
				return
			}
			msg := item.(wire.Message)

			err := wire.WriteMessage(
				c.cfg.Conn, msg, c.cfg.ProtocolVersion,
				c.cfg.ChainNet,
			)
			if err != nil {
				log.Debugf("Unable to send %v to %v: %v",
					msg.Command(), c.cfg.Conn.RemoteAddr(),
					err)
				c.Close()
				return
			}

		case <-c.quit:
			return
		}
	}
}

// readHandler decodes messages off the wire and dispatches the ones the
// discovery core cares about. Unknown or unhandled messages are dropped.
//
// NOTE: MUST be run as a goroutine.
func (c *Channel) readHandler() {
	defer c.wg.Done()

	for {
		msg, _, err := wire.ReadMessage(
			c.cfg.Conn, c.cfg.ProtocolVersion, c.cfg.ChainNet,
		)
		if err != nil {
			// Failing to parse one message is recoverable, a
			// transport error is not.
			if _, ok := err.(*wire.MessageError); ok {
				log.Debugf("Discarding malformed message "+
					"from %v: %v", c.cfg.Conn.RemoteAddr(),
					err)
				continue
			}

			select {
			case <-c.quit:
			default:
				log.Debugf("Unable to read message from %v: "+
					"%v", c.cfg.Conn.RemoteAddr(), err)
			}

			c.Close()
			return
		}

		switch m := msg.(type) {
		case *wire.MsgAddr:
			log.Tracef("Received addr message: %v",
				newLogClosure(func() string {
					return spew.Sdump(m)
				}))
			c.dispatchAddrs(m)

		// Answering pings keeps long-lived seed and gossip
		// connections from being reaped by the remote peer.
		case *wire.MsgPing:
			if err := c.SendMessage(wire.NewMsgPong(m.Nonce)); err != nil {
				return
			}

		default:
			log.Tracef("Ignoring %v message from %v",
				msg.Command(), c.cfg.Conn.RemoteAddr())
		}
	}
}

// dispatchAddrs hands the addr payload to every registered subscriber.
func (c *Channel) dispatchAddrs(msg *wire.MsgAddr) {
	c.addrMtx.Lock()
	subs := make([]func(*wire.MsgAddr), len(c.addrSubs))
	copy(subs, c.addrSubs)
	c.addrMtx.Unlock()

	for _, handler := range subs {
		handler(msg)
	}
}
