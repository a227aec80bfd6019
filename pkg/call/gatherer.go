package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/HMasataka/telecare/payload/signal"
	"github.com/HMasataka/telecare/pkg/candidate"
	"github.com/pion/webrtc/v4"
)

// Gatherer collects local ICE candidates, tags each with a processing
// priority, and writes them to this peer's candidate sub-channel in paced
// batches. Emission is capped per session to bound signaling write volume;
// candidates past the cap are silently dropped. That trades connectivity
// robustness under pathological networks for bounded cost.
type Gatherer struct {
	mu      sync.Mutex
	channel signaling.Channel
	callID  string
	field   string

	cap      int
	accepted int
	queue    []signal.Candidate

	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

func NewGatherer(channel signaling.Channel, callID string, role signal.Role, cap int, interval time.Duration) *Gatherer {
	return &Gatherer{
		channel:  channel,
		callID:   callID,
		field:    role.CandidateField(),
		cap:      cap,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the pacing loop until StopPacing or ctx cancellation.
func (g *Gatherer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-g.done:
				return
			case <-ticker.C:
				g.flush(ctx)
			}
		}
	}()
}

// Handle accepts a local candidate from the connection. A nil candidate
// marks end of gathering and is ignored here.
func (g *Gatherer) Handle(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}

	init := c.ToJSON()
	tagged := signal.NewCandidate(init, candidate.Classify(init))

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.accepted >= g.cap {
		slog.Debug("candidate emit cap reached; dropping local candidate",
			slog.Int("cap", g.cap), slog.String("call_id", g.callID))
		return
	}
	g.accepted++
	g.queue = append(g.queue, tagged)
}

// StopPacing flushes whatever is queued and stops the pacing loop. Called
// when the connection reaches connected, or on teardown.
func (g *Gatherer) StopPacing(ctx context.Context) {
	g.stopOnce.Do(func() {
		close(g.done)
	})
	g.flush(ctx)
}

// Close stops the pacing loop and discards anything still queued. Used on
// teardown, where a late candidate write would recreate the deleted call
// record.
func (g *Gatherer) Close() {
	g.stopOnce.Do(func() {
		close(g.done)
	})

	g.mu.Lock()
	g.queue = nil
	g.mu.Unlock()
}

// Emitted returns how many candidates were accepted for emission.
func (g *Gatherer) Emitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

func (g *Gatherer) flush(ctx context.Context) {
	g.mu.Lock()
	queued := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, c := range queued {
		if err := g.channel.AppendCandidate(ctx, g.callID, g.field, c); err != nil {
			slog.Warn("failed to publish local candidate", "error", err, slog.String("call_id", g.callID))
		}
	}
}
