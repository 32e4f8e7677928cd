package hostdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

// ErrNoAddresses is returned by FetchAddress when the directory holds no
// addresses to sample from.
var ErrNoAddresses = errors.New("host directory is empty")

// DefaultFlushInterval is the default interval between periodic writes of
// the in-memory address set to disk while the flusher is running.
const DefaultFlushInterval = 10 * time.Minute

// NetAddressKey returns the canonical ip:port form of the given address,
// which is the identity used for duplicate detection.
func NetAddressKey(na *wire.NetAddress) string {
	port := strconv.FormatUint(uint64(na.Port), 10)
	return net.JoinHostPort(na.IP.String(), port)
}

// serializedHost is the on-disk form of a single catalog entry.
type serializedHost struct {
	IP        string `json:"ip"`
	Port      uint16 `json:"port"`
	Services  uint64 `json:"services"`
	Timestamp int64  `json:"timestamp"`
}

// Config houses the tunables of a HostDB.
type Config struct {
	// FlushPath, if set, is the file the periodic flusher writes the
	// catalog to between Start and Stop.
	FlushPath string

	// FlushTicker ticks each time the catalog should be flushed to disk.
	FlushTicker ticker.Ticker
}

// HostDB is a persistent catalog of known peer addresses learned from DNS
// seeding or address gossip. All methods are safe for concurrent use; the
// manager pipelines many Store and Fetch calls against it.
type HostDB struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	mtx   sync.RWMutex
	addrs map[string]*wire.NetAddress

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates an empty host directory.
func New(cfg *Config) *HostDB {
	return &HostDB{
		cfg:   cfg,
		addrs: make(map[string]*wire.NetAddress),
		quit:  make(chan struct{}),
	}
}

// Start launches the periodic flusher, if one is configured. It is a no-op
// otherwise.
func (h *HostDB) Start() error {
	h.started.Do(func() {
		if h.cfg == nil || h.cfg.FlushTicker == nil ||
			h.cfg.FlushPath == "" {

			return
		}

		h.cfg.FlushTicker.Resume()

		h.wg.Add(1)
		go h.flushHandler()
	})

	return nil
}

// Stop shuts down the periodic flusher and waits for it to exit.
func (h *HostDB) Stop() error {
	h.stopped.Do(func() {
		close(h.quit)
		h.wg.Wait()

		if h.cfg != nil && h.cfg.FlushTicker != nil {
			h.cfg.FlushTicker.Stop()
		}
	})

	return nil
}

// flushHandler writes the catalog to disk on every tick until Stop is
// called.
//
// NOTE: MUST be run as a goroutine.
func (h *HostDB) flushHandler() {
	defer h.wg.Done()

	for {
		select {
		case <-h.cfg.FlushTicker.Ticks():
			if err := h.Save(h.cfg.FlushPath); err != nil {
				log.Errorf("Unable to flush hosts to %v: %v",
					h.cfg.FlushPath, err)
			}

		case <-h.quit:
			return
		}
	}
}

// Load reads the persisted catalog from the given path, replacing the
// in-memory set. A missing file is not an error: the node simply starts with
// an empty catalog and bootstraps from the DNS seeds.
func (h *HostDB) Load(path string) error {
	rawFile, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Debugf("No hosts file at %v, starting with empty catalog",
			path)
		return nil

	case err != nil:
		return fmt.Errorf("unable to read hosts file %v: %w", path,
			err)
	}

	var hosts []serializedHost
	if err := json.Unmarshal(rawFile, &hosts); err != nil {
		return fmt.Errorf("unable to decode hosts file %v: %w", path,
			err)
	}

	addrs := make(map[string]*wire.NetAddress, len(hosts))
	for _, host := range hosts {
		ip := net.ParseIP(host.IP)
		if ip == nil {
			log.Warnf("Skipping malformed host entry %v", host.IP)
			continue
		}

		na := wire.NewNetAddressTimestamp(
			time.Unix(host.Timestamp, 0),
			wire.ServiceFlag(host.Services), ip, host.Port,
		)
		addrs[NetAddressKey(na)] = na
	}

	h.mtx.Lock()
	h.addrs = addrs
	h.mtx.Unlock()

	log.Infof("Loaded %d hosts from %v", len(addrs), path)

	return nil
}

// Save writes the catalog to the given path. The write is atomic: the
// catalog is staged to a temporary file in the same directory and renamed
// into place, so a crash mid-write can never clobber the previous file.
func (h *HostDB) Save(path string) error {
	h.mtx.RLock()
	hosts := make([]serializedHost, 0, len(h.addrs))
	for _, na := range h.addrs {
		hosts = append(hosts, serializedHost{
			IP:        na.IP.String(),
			Port:      na.Port,
			Services:  uint64(na.Services),
			Timestamp: na.Timestamp.Unix(),
		})
	}
	h.mtx.RUnlock()

	rawFile, err := json.MarshalIndent(hosts, "", "\t")
	if err != nil {
		return fmt.Errorf("unable to encode hosts: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, rawFile, 0600); err != nil {
		return fmt.Errorf("unable to write hosts file %v: %w",
			tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("unable to replace hosts file %v: %w", path,
			err)
	}

	log.Debugf("Saved %d hosts to %v", len(hosts), path)

	return nil
}

// FetchCount returns the number of addresses currently in the catalog.
func (h *HostDB) FetchCount() (int, error) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()

	return len(h.addrs), nil
}

// FetchAddress returns an address sampled uniformly at random from the
// catalog. Repeated calls may well return the same address when the catalog
// is small; callers are expected to handle duplicates themselves.
func (h *HostDB) FetchAddress() (*wire.NetAddress, error) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()

	if len(h.addrs) == 0 {
		return nil, ErrNoAddresses
	}

	i := rand.Intn(len(h.addrs))
	for _, na := range h.addrs {
		if i == 0 {
			return na, nil
		}
		i--
	}

	// Unreachable: the map cannot shrink while the read lock is held.
	return nil, ErrNoAddresses
}

// Store inserts the address into the catalog, or refreshes the existing
// entry when the new timestamp is more recent.
func (h *HostDB) Store(na *wire.NetAddress) error {
	key := NetAddressKey(na)

	h.mtx.Lock()
	defer h.mtx.Unlock()

	if known, ok := h.addrs[key]; ok {
		if na.Timestamp.After(known.Timestamp) {
			known.Timestamp = na.Timestamp
			known.Services |= na.Services
		}
		return nil
	}

	h.addrs[key] = wire.NewNetAddressTimestamp(
		na.Timestamp, na.Services, na.IP, na.Port,
	)

	return nil
}
