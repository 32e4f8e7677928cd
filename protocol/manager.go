package protocol

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/btcpeer/btcpeerd/hostdb"
	"github.com/btcpeer/btcpeerd/monitoring"
)

// ErrManagerShuttingDown is returned by queries issued while the manager is
// shutting down.
var ErrManagerShuttingDown = errors.New("protocol manager shutting down")

// Config houses the collaborators and tunables of the protocol manager.
// Every external facility is injected, which is what makes the manager's
// state machine testable without sockets or disks.
type Config struct {
	// Hosts is the persistent address catalog.
	Hosts HostDirectory

	// HostsFile is the path the catalog is loaded from at startup and
	// saved to on stop. Defaults to DefaultHostsFile.
	HostsFile string

	// StartHandshake starts the handshake service. It must be
	// idempotent.
	StartHandshake func() error

	// Connect dials the given host and runs the outbound handshake,
	// yielding a running channel.
	Connect func(host string, port uint16) (Channel, error)

	// Listen opens the service port for inbound peers. If nil, the node
	// does not accept inbound connections.
	Listen func(port uint16) (Listener, error)

	// MaxOutbound is the target size of the outbound set. Zero disables
	// outbound connections entirely.
	MaxOutbound int

	// Port is the network service port used for both dialing and
	// listening. Defaults to DefaultPort.
	Port uint16

	// DNSSeeds are the hostnames queried when the catalog is empty at
	// startup. Defaults to DefaultDNSSeeds.
	DNSSeeds []string

	// Resolve resolves a seed hostname to candidate IPs. Defaults to
	// ResolveSeed.
	Resolve func(host string) ([]net.IP, error)

	// SeedTimeout bounds each seed path's wait for an addr reply during
	// bootstrap. Defaults to DefaultSeedTimeout.
	SeedTimeout time.Duration

	// RetryTicker paces periodic refill sweeps of the outbound set.
	// Defaults to a 10s interval ticker.
	RetryTicker ticker.Ticker

	// Metrics is the optional metric set. May be nil.
	Metrics *monitoring.Metrics
}

// connectionInfo records an outbound peer together with the address it was
// dialed on. No two entries ever share the same (ip, port).
type connectionInfo struct {
	addr    *wire.NetAddress
	channel Channel
}

// fetchResult carries the outcome of one FetchAddress call back onto the
// manager's event loop.
type fetchResult struct {
	addr *wire.NetAddress
	err  error
}

// connectResult carries the outcome of one outbound connection attempt back
// onto the manager's event loop.
type connectResult struct {
	addr    *wire.NetAddress
	channel Channel
	err     error
}

// Manager maintains the node's peer population: it bootstraps the address
// catalog from DNS seeds when empty, keeps MaxOutbound outbound connections
// alive through churn, admits inbound connections, and routes address
// gossip back into the catalog.
//
// All of the manager's state (the outbound set, the accepted set, the
// pending-attempt count) is owned by a single event-loop goroutine;
// completions from disk, DNS and the network re-enter through channels, so
// the state machine runs free of locks.
type Manager struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	// State below is owned by managerHandler.
	outbound        []connectionInfo
	accepted        []Channel
	pendingOutbound int

	// subscribers is the one-shot channel notification registry. It is
	// guarded by its own mutex rather than the event loop so that
	// subscriptions may be installed before Start.
	subscribersMtx sync.Mutex
	subscribers    []func(Channel)

	listenerMtx sync.Mutex
	listener    Listener

	fetchResults   chan *fetchResult
	connectResults chan *connectResult
	inboundConns   chan Channel
	peerDone       chan Channel
	countQueries   chan chan int
	wakeup         chan struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewManager creates a protocol manager from the given config, applying
// defaults for any unset tunables.
func NewManager(cfg *Config) *Manager {
	if cfg.HostsFile == "" {
		cfg.HostsFile = DefaultHostsFile
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DNSSeeds == nil {
		cfg.DNSSeeds = DefaultDNSSeeds
	}
	if cfg.Resolve == nil {
		cfg.Resolve = ResolveSeed
	}
	if cfg.RetryTicker == nil {
		cfg.RetryTicker = ticker.New(DefaultRetryInterval)
	}

	return &Manager{
		cfg:            cfg,
		fetchResults:   make(chan *fetchResult),
		connectResults: make(chan *connectResult),
		inboundConns:   make(chan Channel),
		peerDone:       make(chan Channel),
		countQueries:   make(chan chan int),
		wakeup:         make(chan struct{}, 1),
		quit:           make(chan struct{}),
	}
}

// Start drives the two startup paths, bootstrap and handshake-service
// start, in parallel. It returns once, after both have succeeded or with
// the first error; the sibling's later outcome can never surface a second
// result. Only after both paths succeed does the manager begin connecting
// out and listening, so no peer activity precedes the caller's
// notification.
func (m *Manager) Start() error {
	var startErr error
	m.started.Do(func() {
		log.Infof("Protocol manager starting")

		var eg errgroup.Group
		eg.Go(m.bootstrap)
		eg.Go(m.startHandshakeService)

		if err := eg.Wait(); err != nil {
			startErr = err
			return
		}

		m.run()
	})

	return startErr
}

// startHandshakeService starts the handshake subsystem.
func (m *Manager) startHandshakeService() error {
	if err := m.cfg.StartHandshake(); err != nil {
		log.Errorf("Failed to start handshake service: %v", err)
		return err
	}

	return nil
}

// bootstrap loads the persisted host catalog and, when it comes up empty,
// seeds it from DNS. The pipeline fails on a load error; an empty catalog
// with no reachable seed fails with the last seed error.
func (m *Manager) bootstrap() error {
	if err := m.cfg.Hosts.Load(m.cfg.HostsFile); err != nil {
		log.Errorf("Could not load hosts file: %v", err)
		return err
	}

	count, err := m.cfg.Hosts.FetchCount()
	if err != nil {
		log.Errorf("Unable to check hosts empty: %v", err)
		return err
	}
	if count > 0 {
		log.Debugf("Host catalog has %d entries, skipping DNS seeding",
			count)
		return nil
	}

	loader := newSeedLoader(&seedConfig{
		Seeds:   m.cfg.DNSSeeds,
		Port:    m.cfg.Port,
		Hosts:   m.cfg.Hosts,
		Connect: m.cfg.Connect,
		Resolve: m.cfg.Resolve,
		Timeout: m.cfg.SeedTimeout,
		Metrics: m.cfg.Metrics,
	})

	return loader.run(m.quit)
}

// run transitions the manager into its running state: the event loop comes
// up, the first refill sweep is scheduled and the listener starts admitting
// inbound peers.
func (m *Manager) run() {
	m.wg.Add(1)
	go m.managerHandler()

	if m.cfg.Listen != nil {
		listener, err := m.cfg.Listen(m.cfg.Port)
		if err != nil {
			// The node can still operate outbound-only.
			log.Errorf("Error while listening: %v", err)
		} else {
			m.listenerMtx.Lock()
			m.listener = listener
			m.listenerMtx.Unlock()

			m.wg.Add(1)
			go m.acceptHandler(listener)
		}
	}

	m.cfg.RetryTicker.Resume()
	m.scheduleTryConnect()
}

// Stop persists the host catalog and winds the manager down: the listener
// closes, the event loop drains, and all remaining channels are torn down.
// The returned error is the save result, mirroring what Start's caller
// would want to know at shutdown.
func (m *Manager) Stop() error {
	var saveErr error
	m.stopped.Do(func() {
		log.Infof("Protocol manager shutting down")

		close(m.quit)

		m.listenerMtx.Lock()
		if m.listener != nil {
			m.listener.Close()
		}
		m.listenerMtx.Unlock()

		m.cfg.RetryTicker.Stop()
		m.wg.Wait()

		// The event loop is gone, so the sets are safe to touch. The
		// channels' stop notifications have no observer anymore;
		// close them directly.
		for _, conn := range m.outbound {
			conn.channel.Close()
		}
		for _, channel := range m.accepted {
			channel.Close()
		}

		if err := m.cfg.Hosts.Save(m.cfg.HostsFile); err != nil {
			log.Errorf("Failed to save hosts '%v': %v",
				m.cfg.HostsFile, err)
			saveErr = err
		}
	})

	return saveErr
}

// ConnectionCount returns the current size of the outbound set as observed
// by the event loop, so the snapshot is always consistent.
func (m *Manager) ConnectionCount() (int, error) {
	reply := make(chan int, 1)

	select {
	case m.countQueries <- reply:
	case <-m.quit:
		return 0, ErrManagerShuttingDown
	}

	select {
	case count := <-reply:
		return count, nil
	case <-m.quit:
		return 0, ErrManagerShuttingDown
	}
}

// SubscribeChannel registers a one-shot handler notified of the next
// channel the manager installs, outbound or inbound. The registry drains on
// delivery; callers re-subscribe for subsequent channels.
func (m *Manager) SubscribeChannel(handler func(Channel)) {
	m.subscribersMtx.Lock()
	defer m.subscribersMtx.Unlock()

	m.subscribers = append(m.subscribers, handler)
}

// managerHandler is the manager's event loop and the sole owner of its
// peer-set state.
//
// NOTE: MUST be run as a goroutine.
func (m *Manager) managerHandler() {
	defer m.wg.Done()

	for {
		select {
		case <-m.wakeup:
			m.tryConnect()

		case <-m.cfg.RetryTicker.Ticks():
			m.tryConnect()

		case result := <-m.fetchResults:
			m.handleFetchedAddress(result)

		case result := <-m.connectResults:
			m.handleConnectResult(result)

		case channel := <-m.inboundConns:
			m.handleAccepted(channel)

		case channel := <-m.peerDone:
			m.handleChannelStopped(channel)

		case reply := <-m.countQueries:
			reply <- len(m.outbound)

		case <-m.quit:
			return
		}
	}
}

// scheduleTryConnect posts a coalesced refill request to the event loop.
func (m *Manager) scheduleTryConnect() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// tryConnect issues one address fetch per missing outbound slot. In-flight
// attempts count against the target so overlapping sweeps can never
// over-issue.
func (m *Manager) tryConnect() {
	need := m.cfg.MaxOutbound - len(m.outbound) - m.pendingOutbound
	for i := 0; i < need; i++ {
		m.pendingOutbound++

		m.wg.Add(1)
		go m.fetchAddress()
	}
}

// fetchAddress samples one candidate from the host directory and posts the
// result to the event loop.
//
// NOTE: MUST be run as a goroutine.
func (m *Manager) fetchAddress() {
	defer m.wg.Done()

	addr, err := m.cfg.Hosts.FetchAddress()

	select {
	case m.fetchResults <- &fetchResult{addr: addr, err: err}:
	case <-m.quit:
	}
}

// handleFetchedAddress vets a fetched candidate against the outbound set
// and, if it is new, launches the connection attempt.
func (m *Manager) handleFetchedAddress(result *fetchResult) {
	if result.err != nil {
		m.pendingOutbound--
		log.Errorf("Problem fetching random address: %v", result.err)
		return
	}

	addr := result.addr
	if m.isConnected(addr) {
		m.pendingOutbound--
		log.Infof("Already connected to %v", hostdb.NetAddressKey(addr))
		// Another candidate is fetched on the next refill sweep. An
		// immediate retry would spin hot whenever the catalog is
		// smaller than the outbound target.
		return
	}

	log.Infof("Trying %v:%d", addr.IP, addr.Port)

	m.wg.Add(1)
	go m.attemptConnect(addr)
}

// attemptConnect dials and handshakes one candidate and posts the outcome
// to the event loop.
//
// NOTE: MUST be run as a goroutine.
func (m *Manager) attemptConnect(addr *wire.NetAddress) {
	defer m.wg.Done()

	channel, err := m.cfg.Connect(addr.IP.String(), addr.Port)

	select {
	case m.connectResults <- &connectResult{
		addr:    addr,
		channel: channel,
		err:     err,
	}:
	case <-m.quit:
		if channel != nil {
			channel.Close()
		}
	}
}

// handleConnectResult installs a freshly connected outbound peer. A failed
// attempt only frees its slot; the next refill sweep replaces it. The
// duplicate and capacity
// checks run again at install time: two concurrent attempts may both
// succeed, and the set's invariants hold at the loop, not at the dialer.
func (m *Manager) handleConnectResult(result *connectResult) {
	m.pendingOutbound--

	addr := result.addr
	if result.err != nil {
		m.cfg.Metrics.ConnectFailed()
		log.Infof("Unable to connect to %v:%d - %v", addr.IP,
			addr.Port, result.err)
		// The replacement attempt rides the next refill sweep.
		return
	}

	if len(m.outbound) >= m.cfg.MaxOutbound || m.isConnected(addr) {
		log.Debugf("Discarding redundant connection to %v:%d",
			addr.IP, addr.Port)
		result.channel.Close()
		return
	}

	m.outbound = append(m.outbound, connectionInfo{
		addr:    addr,
		channel: result.channel,
	})
	m.cfg.Metrics.PeerConnected(false)

	log.Infof("Connected to %v:%d (%d connections)", addr.IP, addr.Port,
		len(m.outbound))

	m.setupNewChannel(result.channel)
}

// handleAccepted admits an inbound channel.
func (m *Manager) handleAccepted(channel Channel) {
	m.accepted = append(m.accepted, channel)
	m.cfg.Metrics.PeerConnected(true)

	log.Infof("Accepted connection: %d", len(m.accepted))

	m.setupNewChannel(channel)
}

// handleChannelStopped removes a dead channel from whichever set holds it.
// A lost outbound peer immediately triggers a refill attempt.
func (m *Manager) handleChannelStopped(channel Channel) {
	for i, conn := range m.outbound {
		if conn.channel != channel {
			continue
		}

		m.outbound = append(m.outbound[:i], m.outbound[i+1:]...)
		m.cfg.Metrics.PeerDisconnected(false)
		log.Debugf("Outbound peer %v stopped, %d connections remain",
			hostdb.NetAddressKey(conn.addr), len(m.outbound))

		// Recreate connections if need be.
		m.tryConnect()
		break
	}

	for i, accepted := range m.accepted {
		if accepted != channel {
			continue
		}

		m.accepted = append(m.accepted[:i], m.accepted[i+1:]...)
		m.cfg.Metrics.PeerDisconnected(true)
		break
	}
}

// isConnected reports whether the outbound set already holds the given
// (ip, port) identity.
func (m *Manager) isConnected(addr *wire.NetAddress) bool {
	key := hostdb.NetAddressKey(addr)
	for _, conn := range m.outbound {
		if hostdb.NetAddressKey(conn.addr) == key {
			return true
		}
	}

	return false
}

// setupNewChannel performs the per-channel hookup: stop and addr
// subscriptions, the initial get_address solicitation, and the one-shot
// relay to channel subscribers.
func (m *Manager) setupNewChannel(channel Channel) {
	channel.SubscribeStop(func() {
		select {
		case m.peerDone <- channel:
		case <-m.quit:
		}
	})

	channel.SubscribeAddrs(func(msg *wire.MsgAddr) {
		m.storeAddresses(msg)
	})

	if err := channel.SendMessage(wire.NewMsgGetAddr()); err != nil {
		log.Errorf("Sending error: %v", err)
	}

	// Notify subscribers. The registry is consumed on delivery; handlers
	// run off-loop so they may freely re-subscribe.
	m.subscribersMtx.Lock()
	subscribers := m.subscribers
	m.subscribers = nil
	m.subscribersMtx.Unlock()

	for _, handler := range subscribers {
		go handler(channel)
	}
}

// storeAddresses routes one gossiped addr payload into the host directory.
// Store failures are logged and absorbed; gossip is best-effort.
//
// NOTE: Runs on the channel's read goroutine, not the event loop.
func (m *Manager) storeAddresses(msg *wire.MsgAddr) {
	log.Infof("Storing addresses.")

	for _, addr := range msg.AddrList {
		if err := m.cfg.Hosts.Store(addr); err != nil {
			log.Errorf("Failed to store address: %v", err)
		}
	}

	m.cfg.Metrics.AddressesStored(len(msg.AddrList))
}

// acceptHandler admits inbound channels until the listener closes. The
// accept is re-armed after every admission and after transient accept
// errors.
//
// NOTE: MUST be run as a goroutine.
func (m *Manager) acceptHandler(listener Listener) {
	defer m.wg.Done()

	for {
		channel, err := listener.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			log.Errorf("Problem accepting connection: %v", err)
			continue
		}

		select {
		case m.inboundConns <- channel:
		case <-m.quit:
			channel.Close()
			return
		}
	}
}
