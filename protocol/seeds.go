package protocol

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/btcpeer/btcpeerd/monitoring"
)

// ErrNoSeeds is returned when a bootstrap is required but no DNS seeds are
// configured.
var ErrNoSeeds = errors.New("no dns seeds configured")

// seedConfig houses everything one bootstrap attempt needs. The loader
// holds non-owning handles to the manager's shared facilities; its own
// lifetime is the single run call.
type seedConfig struct {
	// Seeds are the DNS seed hostnames to query.
	Seeds []string

	// Port is the service port seed nodes are dialed on.
	Port uint16

	// Hosts receives every address the seeds deliver.
	Hosts HostDirectory

	// Connect dials and handshakes a seed node.
	Connect func(host string, port uint16) (Channel, error)

	// Resolve resolves a seed hostname to candidate IPs.
	Resolve func(host string) ([]net.IP, error)

	// Timeout bounds each path's wait for an addr reply. Defaults to
	// DefaultSeedTimeout.
	Timeout time.Duration

	// Metrics is the optional metric set. May be nil.
	Metrics *monitoring.Metrics
}

// seedResult is the terminal outcome of a single seed path.
type seedResult struct {
	seed  string
	addrs []*wire.NetAddress
	err   error
}

// seedLoader performs one bootstrap attempt against the DNS seeds: every
// seed path runs concurrently, the first to deliver addresses completes the
// bootstrap, and the attempt only fails once every path has ended without a
// success.
type seedLoader struct {
	cfg *seedConfig
}

// newSeedLoader creates a loader for a single bootstrap attempt.
func newSeedLoader(cfg *seedConfig) *seedLoader {
	if cfg.Resolve == nil {
		cfg.Resolve = ResolveSeed
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultSeedTimeout
	}

	return &seedLoader{cfg: cfg}
}

// run drives the bootstrap attempt to completion and returns exactly once:
// with nil as soon as any seed delivers addresses, or with the last path
// error after all of them have failed. Seed replies arriving after the
// first success still enrich the catalog, they just cannot complete the
// bootstrap twice.
func (s *seedLoader) run(quit <-chan struct{}) error {
	seeds := s.cfg.Seeds
	if len(seeds) == 0 {
		return ErrNoSeeds
	}

	log.Infof("Bootstrapping host catalog from %d dns seeds", len(seeds))

	results := make(chan *seedResult, len(seeds))
	for _, seed := range seeds {
		go s.querySeed(seed, results, quit)
	}

	endedPaths := 0
	var lastErr error
	for endedPaths < len(seeds) {
		select {
		case result := <-results:
			endedPaths++

			if result.err != nil {
				log.Errorf("Seed path %v failed: %v",
					result.seed, result.err)
				lastErr = result.err
				continue
			}

			log.Infof("Storing seeded addresses.")
			s.storeAddresses(result.addrs)

			if remaining := len(seeds) - endedPaths; remaining > 0 {
				go s.absorb(results, remaining)
			}

			return nil

		case <-quit:
			return ErrManagerShuttingDown
		}
	}

	return lastErr
}

// absorb drains the remaining seed paths after the bootstrap has already
// completed, storing whatever addresses they still deliver.
func (s *seedLoader) absorb(results <-chan *seedResult, remaining int) {
	for i := 0; i < remaining; i++ {
		result := <-results
		if result.err != nil {
			log.Debugf("Late seed path %v failed: %v", result.seed,
				result.err)
			continue
		}

		log.Infof("Storing seeded addresses.")
		s.storeAddresses(result.addrs)
	}
}

// storeAddresses inserts the delivered addresses into the host directory.
func (s *seedLoader) storeAddresses(addrs []*wire.NetAddress) {
	for _, addr := range addrs {
		if err := s.cfg.Hosts.Store(addr); err != nil {
			log.Errorf("Failed to store addresses from seed "+
				"nodes: %v", err)
		}
	}

	s.cfg.Metrics.AddressesStored(len(addrs))
}

// querySeed runs one full seed path, resolve through addr reply, and posts
// its terminal result.
//
// NOTE: MUST be run as a goroutine.
func (s *seedLoader) querySeed(seed string, results chan<- *seedResult,
	quit <-chan struct{}) {

	addrs, err := s.queryOneSeed(seed, quit)

	// The results channel holds a slot per seed, so this send never
	// blocks.
	results <- &seedResult{seed: seed, addrs: addrs, err: err}
}

// queryOneSeed resolves the seed and asks its nodes for addresses, trying a
// bounded number of resolved IPs before giving up on the path.
func (s *seedLoader) queryOneSeed(seed string,
	quit <-chan struct{}) ([]*wire.NetAddress, error) {

	ips, err := s.cfg.Resolve(seed)
	if err != nil {
		return nil, err
	}

	if len(ips) > maxSeedNodeTries {
		ips = ips[:maxSeedNodeTries]
	}

	var lastErr error
	for _, ip := range ips {
		addrs, err := s.querySeedNode(ip, quit)
		if err != nil {
			log.Debugf("Seed node %v for %v failed: %v", ip, seed,
				err)
			lastErr = err
			continue
		}

		return addrs, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("seed %v resolved to no addresses", seed)
	}

	return nil, lastErr
}

// querySeedNode connects to a single seed node, solicits its address list
// and waits for the first addr reply.
func (s *seedLoader) querySeedNode(ip net.IP,
	quit <-chan struct{}) ([]*wire.NetAddress, error) {

	channel, err := s.cfg.Connect(ip.String(), s.cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to seed node: %w",
			err)
	}
	defer channel.Close()

	// Only the first reply decides this path's outcome.
	var once sync.Once
	addrReply := make(chan *wire.MsgAddr, 1)
	channel.SubscribeAddrs(func(msg *wire.MsgAddr) {
		once.Do(func() {
			addrReply <- msg
		})
	})

	stopped := make(chan struct{})
	channel.SubscribeStop(func() {
		close(stopped)
	})

	if err := channel.SendMessage(wire.NewMsgGetAddr()); err != nil {
		return nil, fmt.Errorf("sending get_address message failed: "+
			"%w", err)
	}

	select {
	case msg := <-addrReply:
		return msg.AddrList, nil

	case <-stopped:
		return nil, errors.New("seed node disconnected before " +
			"delivering addresses")

	case <-time.After(s.cfg.Timeout):
		return nil, errors.New("timed out waiting for seed addresses")

	case <-quit:
		return nil, ErrManagerShuttingDown
	}
}
