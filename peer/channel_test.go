package peer

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// newTestChannel returns a started channel and the raw remote end of its
// connection.
func newTestChannel(t *testing.T) (*Channel, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()

	channel := NewChannel(&Config{
		Conn: local,
		Addr: wire.NewNetAddressIPPort(
			net.IPv4(10, 2, 2, 2), 8333, wire.SFNodeNetwork,
		),
		ProtocolVersion: wire.ProtocolVersion,
		ChainNet:        wire.MainNet,
	})
	channel.Start()

	t.Cleanup(func() {
		channel.Close()
		remote.Close()
	})

	return channel, remote
}

// readRemote decodes the next message arriving at the remote end.
func readRemote(t *testing.T, remote net.Conn) wire.Message {
	t.Helper()

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(testTimeout)))
	msg, _, err := wire.ReadMessage(
		remote, wire.ProtocolVersion, wire.MainNet,
	)
	require.NoError(t, err)

	return msg
}

// writeRemote frames a message into the channel from the remote end.
func writeRemote(t *testing.T, remote net.Conn, msg wire.Message) {
	t.Helper()

	require.NoError(t, remote.SetWriteDeadline(time.Now().Add(testTimeout)))
	require.NoError(t, wire.WriteMessage(
		remote, msg, wire.ProtocolVersion, wire.MainNet,
	))
}

// TestChannelSend asserts queued messages come out framed on the wire.
func TestChannelSend(t *testing.T) {
	t.Parallel()

	channel, remote := newTestChannel(t)

	require.NoError(t, channel.SendMessage(wire.NewMsgGetAddr()))

	msg := readRemote(t, remote)
	require.IsType(t, &wire.MsgGetAddr{}, msg)
}

// TestChannelAddrDispatch asserts inbound addr messages reach every
// registered subscriber.
func TestChannelAddrDispatch(t *testing.T) {
	t.Parallel()

	channel, remote := newTestChannel(t)

	received := make(chan *wire.MsgAddr, 2)
	channel.SubscribeAddrs(func(msg *wire.MsgAddr) { received <- msg })
	channel.SubscribeAddrs(func(msg *wire.MsgAddr) { received <- msg })

	payload := wire.NewMsgAddr()
	require.NoError(t, payload.AddAddress(wire.NewNetAddressIPPort(
		net.IPv4(10, 3, 3, 3), 8333, 0,
	)))
	writeRemote(t, remote, payload)

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			require.Len(t, msg.AddrList, 1)
		case <-time.After(testTimeout):
			t.Fatal("addr subscriber never fired")
		}
	}
}

// TestChannelPong asserts the channel answers pings so long-lived
// connections are not reaped by the remote peer.
func TestChannelPong(t *testing.T) {
	t.Parallel()

	channel, remote := newTestChannel(t)
	_ = channel

	writeRemote(t, remote, wire.NewMsgPing(7777))

	msg := readRemote(t, remote)
	pong, ok := msg.(*wire.MsgPong)
	require.True(t, ok, "expected pong, got %v", msg.Command())
	require.EqualValues(t, 7777, pong.Nonce)
}

// TestChannelStopOnce asserts stop subscribers fire exactly once when the
// connection dies, and that a late subscriber still fires.
func TestChannelStopOnce(t *testing.T) {
	t.Parallel()

	channel, remote := newTestChannel(t)

	stops := make(chan struct{}, 4)
	channel.SubscribeStop(func() { stops <- struct{}{} })
	channel.SubscribeStop(func() { stops <- struct{}{} })

	// Kill the transport out from under the channel.
	remote.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-stops:
		case <-time.After(testTimeout):
			t.Fatal("stop subscriber never fired")
		}
	}

	// No double delivery, even if Close races the read loop's own
	// teardown.
	channel.Close()
	select {
	case <-stops:
		t.Fatal("stop subscriber fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	// A subscriber arriving after the fact is told immediately.
	channel.SubscribeStop(func() { stops <- struct{}{} })
	select {
	case <-stops:
	case <-time.After(testTimeout):
		t.Fatal("late stop subscriber never fired")
	}

	// Sends after teardown fail cleanly.
	require.Eventually(t, func() bool {
		return channel.SendMessage(wire.NewMsgGetAddr()) != nil
	}, testTimeout, 10*time.Millisecond)
}
