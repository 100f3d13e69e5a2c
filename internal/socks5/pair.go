package socks5

import (
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/socks5tun/internal/metrics"
)

// Stage selects which parsing/forwarding rules apply to bytes arriving from
// the client. Transitions are linear and one-way: StageMethodSelect ->
// StageRequest -> StageStreaming. Any protocol violation tears the pair
// down instead of transitioning.
type Stage int32

const (
	StageMethodSelect Stage = 0
	StageRequest      Stage = 1
	StageStreaming    Stage = 5
)

func (s Stage) String() string {
	switch s {
	case StageMethodSelect:
		return "method_select"
	case StageRequest:
		return "request"
	case StageStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Pair is the joined state for one client-side and one remote-side socket
// belonging to the same tunneled connection. It owns both connections;
// Teardown is the single idempotent release of everything the pair holds.
//
// Go's goroutine-per-connection model collapses the reference-counted,
// event-loop-registered Pair of the reactor design this is modeled on into
// a plain struct: there is no back-reference cycle to break, because
// nothing outside this struct and its own goroutines ever holds a pointer
// to either connection. Teardown still closes both sides exactly once and
// is safe to call more than once; calls after the first are no-ops.
type Pair struct {
	logger *slog.Logger
	m      *metrics.Metrics

	client net.Conn
	remote net.Conn

	stage Stage

	mu       sync.Mutex
	torndown bool
}

// NewPair creates a Pair over an already-accepted client connection. The
// remote connection is attached later, once the dialer succeeds, via
// SetRemote — mirroring the reference's two-step "accept, then connect"
// sequencing (C6) while keeping the pair's identity (for logging) stable
// across that gap.
func NewPair(client net.Conn, logger *slog.Logger, m *metrics.Metrics) *Pair {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pair{client: client, logger: logger, m: m, stage: StageMethodSelect}
	if m != nil {
		m.RecordPairOpen()
	}
	return p
}

// SetRemote attaches the remote connection once dialing succeeds.
func (p *Pair) SetRemote(remote net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = remote
}

// Advance moves the pair to a new stage. It panics on a backward or
// non-adjacent transition — a programmer error, not a runtime condition —
// enforcing the stage-monotonicity invariant at runtime.
func (p *Pair) Advance(to Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var next Stage
	switch p.stage {
	case StageMethodSelect:
		next = StageRequest
	case StageRequest:
		next = StageStreaming
	default:
		panic("socks5: non-monotonic stage transition")
	}
	if to != next {
		panic("socks5: non-monotonic stage transition")
	}
	p.stage = to
}

// Stage returns the pair's current stage.
func (p *Pair) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Teardown closes both connections and records the pair as finished.
// Idempotent: a second call is a no-op.
func (p *Pair) Teardown(reason string) {
	p.mu.Lock()
	if p.torndown {
		p.mu.Unlock()
		return
	}
	p.torndown = true
	client, remote := p.client, p.remote
	p.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if remote != nil {
		remote.Close()
	}

	if p.m != nil {
		p.m.RecordPairClose(reason)
	}
	p.logger.Debug("pair torn down", "reason", reason, "stage", p.Stage().String())
}
