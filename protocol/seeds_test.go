package protocol

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// seedTestHarness bundles the moving parts of a loader test.
type seedTestHarness struct {
	hosts   *mockHostDir
	resolve map[string][]net.IP
	replies map[string]*wire.MsgAddr
	delays  map[string]time.Duration
}

func newSeedTestHarness() *seedTestHarness {
	return &seedTestHarness{
		hosts:   newMockHostDir(nil),
		resolve: make(map[string][]net.IP),
		replies: make(map[string]*wire.MsgAddr),
		delays:  make(map[string]time.Duration),
	}
}

// loader assembles a seed loader over the harness state.
func (h *seedTestHarness) loader(seeds ...string) *seedLoader {
	return newSeedLoader(&seedConfig{
		Seeds: seeds,
		Port:  DefaultPort,
		Hosts: h.hosts,
		Connect: func(host string, port uint16) (Channel, error) {
			reply, ok := h.replies[host]
			if !ok {
				return nil, errors.New("connection refused")
			}

			delay := h.delays[host]
			channel := newMockChannel(nil)
			channel.onSend = func(msg wire.Message) {
				if _, ok := msg.(*wire.MsgGetAddr); !ok {
					return
				}
				go func() {
					time.Sleep(delay)
					channel.deliverAddrs(reply)
				}()
			}

			return channel, nil
		},
		Resolve: func(host string) ([]net.IP, error) {
			ips, ok := h.resolve[host]
			if !ok {
				return nil, errors.New("NXDOMAIN")
			}
			return ips, nil
		},
		Timeout: 500 * time.Millisecond,
	})
}

// addrPayload builds an addr message holding n distinct addresses starting
// at the given offset.
func addrPayload(t *testing.T, offset, n int) *wire.MsgAddr {
	t.Helper()

	msg := wire.NewMsgAddr()
	for i := 0; i < n; i++ {
		addr := wire.NewNetAddressIPPort(
			net.IPv4(192, 168, 1, byte(offset+i)), DefaultPort, 0,
		)
		require.NoError(t, msg.AddAddress(addr))
	}

	return msg
}

// TestSeedLoaderFirstWins asserts the first seed to deliver addresses
// completes the bootstrap, while slower seeds still enrich the catalog
// afterwards.
func TestSeedLoaderFirstWins(t *testing.T) {
	t.Parallel()

	h := newSeedTestHarness()
	h.resolve["seed-fast.test"] = []net.IP{net.ParseIP("1.1.1.1")}
	h.resolve["seed-slow.test"] = []net.IP{net.ParseIP("2.2.2.2")}
	h.replies["1.1.1.1"] = addrPayload(t, 0, 3)
	h.replies["2.2.2.2"] = addrPayload(t, 100, 2)
	h.delays["2.2.2.2"] = 200 * time.Millisecond

	loader := h.loader("seed-fast.test", "seed-slow.test")

	quit := make(chan struct{})
	defer close(quit)

	start := time.Now()
	require.NoError(t, loader.run(quit))

	// The fast seed completes the run well before the slow one replies.
	require.Less(t, time.Since(start), 200*time.Millisecond)
	require.GreaterOrEqual(t, h.hosts.numStored(), 3)

	// The slow seed's addresses are absorbed best-effort after the run
	// already returned.
	require.Eventually(t, func() bool {
		return h.hosts.numStored() == 5
	}, testTimeout, pollEvery)
}

// TestSeedLoaderAllFail asserts a fully unreachable seed set produces a
// single failed completion carrying a path error.
func TestSeedLoaderAllFail(t *testing.T) {
	t.Parallel()

	h := newSeedTestHarness()
	// seed-b resolves but nothing answers on its node.
	h.resolve["seed-b.test"] = []net.IP{net.ParseIP("3.3.3.3")}

	loader := h.loader("seed-a.test", "seed-b.test", "seed-c.test")

	quit := make(chan struct{})
	defer close(quit)

	require.Error(t, loader.run(quit))
	require.Zero(t, h.hosts.numStored())
}

// TestSeedLoaderNoSeeds asserts a bootstrap without any configured seeds
// fails immediately.
func TestSeedLoaderNoSeeds(t *testing.T) {
	t.Parallel()

	h := newSeedTestHarness()
	loader := h.loader()

	quit := make(chan struct{})
	defer close(quit)

	require.ErrorIs(t, loader.run(quit), ErrNoSeeds)
}

// TestSeedLoaderQuit asserts an in-flight bootstrap unblocks promptly when
// the manager shuts down.
func TestSeedLoaderQuit(t *testing.T) {
	t.Parallel()

	h := newSeedTestHarness()
	h.resolve["seed-a.test"] = []net.IP{net.ParseIP("1.1.1.1")}
	h.replies["1.1.1.1"] = addrPayload(t, 0, 1)
	// The reply never arrives within the test's lifetime.
	h.delays["1.1.1.1"] = time.Hour

	loader := h.loader("seed-a.test")

	quit := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- loader.run(quit)
	}()

	close(quit)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrManagerShuttingDown)
	case <-time.After(testTimeout):
		t.Fatal("seed loader did not honor shutdown")
	}
}

// TestSeedLoaderDisconnect asserts a seed node dying before it delivers
// addresses counts as a failed path rather than hanging until the timeout.
func TestSeedLoaderDisconnect(t *testing.T) {
	t.Parallel()

	h := newSeedTestHarness()
	h.resolve["seed-a.test"] = []net.IP{net.ParseIP("1.1.1.1")}

	loader := newSeedLoader(&seedConfig{
		Seeds: []string{"seed-a.test"},
		Port:  DefaultPort,
		Hosts: h.hosts,
		Connect: func(host string, port uint16) (Channel, error) {
			channel := newMockChannel(nil)
			channel.onSend = func(wire.Message) {
				go channel.stop()
			}
			return channel, nil
		},
		Resolve: func(host string) ([]net.IP, error) {
			return h.resolve[host], nil
		},
		Timeout: testTimeout,
	})

	quit := make(chan struct{})
	defer close(quit)

	start := time.Now()
	err := loader.run(quit)
	require.ErrorContains(t, err, "disconnected")
	require.Less(t, time.Since(start), testTimeout)
}
