package btcpeerd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btcpeer/btcpeerd/build"
	"github.com/btcpeer/btcpeerd/handshake"
	"github.com/btcpeer/btcpeerd/hostdb"
	"github.com/btcpeer/btcpeerd/monitoring"
	"github.com/btcpeer/btcpeerd/protocol"
)

// listenerAdapter bridges the concrete handshake listener to the channel
// interface the protocol manager consumes.
type listenerAdapter struct {
	*handshake.Listener
}

func (l listenerAdapter) Accept() (protocol.Channel, error) {
	channel, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	return channel, nil
}

// Main is the true entry point for btcpeerd. It parses the configuration,
// wires the subsystems together, runs the protocol manager until a shutdown
// signal arrives, and persists the host catalog on the way out.
func Main() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("btcpeerd version %s\n", Version())
		return nil
	}

	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	logRotator, err := build.OpenLogRotator(
		build.DefaultRotatorConfig(), logFile,
	)
	if err != nil {
		return fmt.Errorf("unable to open log file %v: %w", logFile,
			err)
	}
	defer logRotator.Close()
	mainLogWriter.setRotator(logRotator)

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, subsystemLoggers)
	if err != nil {
		return err
	}

	bpdLog.Infof("Version %s, pid %d", Version(), os.Getpid())

	// The metrics exporter is entirely optional; a nil metric set turns
	// every instrumentation site into a no-op.
	var metrics *monitoring.Metrics
	if cfg.Prometheus != "" {
		metrics = monitoring.NewMetrics(prometheus.DefaultRegisterer)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			bpdLog.Infof("Prometheus exporter listening on %v",
				cfg.Prometheus)
			err := http.ListenAndServe(cfg.Prometheus, mux)
			if err != nil {
				bpdLog.Errorf("Prometheus exporter failed: %v",
					err)
			}
		}()
	}

	hosts := hostdb.New(&hostdb.Config{
		FlushPath:   cfg.HostsFile,
		FlushTicker: ticker.New(hostdb.DefaultFlushInterval),
	})
	if err := hosts.Start(); err != nil {
		return err
	}
	defer hosts.Stop()

	handshakeSvc := handshake.New(&handshake.Config{
		UserAgentName:    "btcpeerd",
		UserAgentVersion: Version(),
		Services:         wire.SFNodeNetwork,
		ChainNet:         wire.MainNet,
	})

	managerCfg := &protocol.Config{
		Hosts:          hosts,
		HostsFile:      cfg.HostsFile,
		StartHandshake: handshakeSvc.Start,
		Connect: func(host string,
			port uint16) (protocol.Channel, error) {

			return handshake.Connect(handshakeSvc, host, port)
		},
		MaxOutbound: cfg.MaxOutbound,
		Port:        cfg.Port,
		DNSSeeds:    cfg.DNSSeeds,
		RetryTicker: ticker.New(cfg.ConnectRetry),
		Metrics:     metrics,
	}
	if !cfg.DisableListen {
		managerCfg.Listen = func(port uint16) (protocol.Listener,
			error) {

			listener, err := handshake.Listen(handshakeSvc, port)
			if err != nil {
				return nil, err
			}

			return listenerAdapter{Listener: listener}, nil
		}
	}

	manager := protocol.NewManager(managerCfg)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("unable to start protocol manager: %w", err)
	}

	bpdLog.Infof("Peer discovery running, targeting %d outbound peers "+
		"on port %d", cfg.MaxOutbound, cfg.Port)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdownChan

	bpdLog.Infof("Received %v, shutting down", sig)

	return manager.Stop()
}
