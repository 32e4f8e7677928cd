package btcpeerd

import (
	"os"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/btcpeer/btcpeerd/build"
	"github.com/btcpeer/btcpeerd/handshake"
	"github.com/btcpeer/btcpeerd/hostdb"
	"github.com/btcpeer/btcpeerd/peer"
	"github.com/btcpeer/btcpeerd/protocol"
)

// logWriter mirrors every log line to stdout and, once the daemon has
// opened its log file, to the rotating log on disk. Lines written before
// the rotator is installed only reach stdout, which covers config and
// startup errors that occur before the log directory is known.
type logWriter struct {
	mtx     sync.Mutex
	rotator *build.LogRotator
}

func (w *logWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)

	w.mtx.Lock()
	rotator := w.rotator
	w.mtx.Unlock()

	if rotator != nil {
		rotator.Write(b)
	}

	return len(b), nil
}

// setRotator installs the opened log rotator behind the backend.
func (w *logWriter) setRotator(rotator *build.LogRotator) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.rotator = rotator
}

var (
	mainLogWriter = &logWriter{}

	backendLog = btclog.NewBackend(mainLogWriter)

	// bpdLog is the daemon's own logger; the rest belong to the
	// subsystems they are handed to below.
	bpdLog  = backendLog.Logger("BTCP")
	protLog = backendLog.Logger("PROT")
	hdirLog = backendLog.Logger("HDIR")
	peerLog = backendLog.Logger("PEER")
	hndsLog = backendLog.Logger("HNDS")

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger for use by the debuglevel parser.
	subsystemLoggers = build.SubLoggers{
		"BTCP": bpdLog,
		"PROT": protLog,
		"HDIR": hdirLog,
		"PEER": peerLog,
		"HNDS": hndsLog,
	}
)

// Hand each subsystem its logger.
func init() {
	protocol.UseLogger(protLog)
	hostdb.UseLogger(hdirLog)
	peer.UseLogger(peerLog)
	handshake.UseLogger(hndsLog)
}
