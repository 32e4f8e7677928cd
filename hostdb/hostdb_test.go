package hostdb

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// addr builds a test address with the given final octet and port.
func addr(octet byte, port uint16) *wire.NetAddress {
	return wire.NewNetAddressTimestamp(
		time.Unix(1700000000, 0), wire.SFNodeNetwork,
		net.IPv4(10, 1, 1, octet), port,
	)
}

// TestStoreAndFetch covers insertion, the (ip, port) identity, counting and
// random sampling.
func TestStoreAndFetch(t *testing.T) {
	t.Parallel()

	db := New(nil)

	count, err := db.FetchCount()
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = db.FetchAddress()
	require.ErrorIs(t, err, ErrNoAddresses)

	require.NoError(t, db.Store(addr(1, 8333)))
	require.NoError(t, db.Store(addr(2, 8333)))

	// Same IP on a different port is a distinct identity; the same
	// (ip, port) again is not.
	require.NoError(t, db.Store(addr(1, 8334)))
	require.NoError(t, db.Store(addr(1, 8333)))

	count, err = db.FetchCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	fetched, err := db.FetchAddress()
	require.NoError(t, err)
	require.NotNil(t, fetched)
}

// TestStoreRefreshesTimestamp asserts re-storing a known address with a
// newer timestamp refreshes the entry instead of duplicating it.
func TestStoreRefreshesTimestamp(t *testing.T) {
	t.Parallel()

	db := New(nil)

	stale := addr(1, 8333)
	require.NoError(t, db.Store(stale))

	fresh := wire.NewNetAddressTimestamp(
		stale.Timestamp.Add(time.Hour), wire.SFNodeNetwork,
		stale.IP, stale.Port,
	)
	require.NoError(t, db.Store(fresh))

	count, err := db.FetchCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	fetched, err := db.FetchAddress()
	require.NoError(t, err)
	require.Equal(t, fresh.Timestamp.Unix(), fetched.Timestamp.Unix())
}

// TestSaveLoadRoundTrip asserts the catalog survives a save/load cycle
// intact.
func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hosts")

	db := New(nil)
	for i := byte(1); i <= 20; i++ {
		require.NoError(t, db.Store(addr(i, 8333)))
	}
	require.NoError(t, db.Save(path))

	restored := New(nil)
	require.NoError(t, restored.Load(path))

	count, err := restored.FetchCount()
	require.NoError(t, err)
	require.Equal(t, 20, count)

	// Every sampled address must carry the persisted identity space.
	fetched, err := restored.FetchAddress()
	require.NoError(t, err)
	require.Equal(t, uint16(8333), fetched.Port)
	require.True(t, fetched.IP.To4() != nil)
}

// TestLoadMissingFile asserts a missing hosts file is a clean cold start,
// not an error.
func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	db := New(nil)
	err := db.Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)

	count, err := db.FetchCount()
	require.NoError(t, err)
	require.Zero(t, count)
}

// TestLoadMalformedFile asserts a corrupt hosts file is surfaced to the
// caller rather than silently discarded.
func TestLoadMalformedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	db := New(nil)
	require.Error(t, db.Load(path))
}

// TestLoadSkipsBadEntries asserts individual malformed entries are skipped
// while the rest of the file loads.
func TestLoadSkipsBadEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hosts")
	blob := `[
		{"ip": "10.1.1.1", "port": 8333, "services": 1, "timestamp": 1700000000},
		{"ip": "not-an-ip", "port": 8333, "services": 1, "timestamp": 1700000000}
	]`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0600))

	db := New(nil)
	require.NoError(t, db.Load(path))

	count, err := db.FetchCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

// TestPeriodicFlush asserts the flusher writes the catalog on each tick
// between Start and Stop.
func TestPeriodicFlush(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hosts")
	force := ticker.NewForce(time.Hour)

	db := New(&Config{
		FlushPath:   path,
		FlushTicker: force,
	})
	require.NoError(t, db.Store(addr(1, 8333)))

	require.NoError(t, db.Start())
	defer db.Stop()

	force.Force <- time.Now()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	restored := New(nil)
	require.NoError(t, restored.Load(path))
	count, err := restored.FetchCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
