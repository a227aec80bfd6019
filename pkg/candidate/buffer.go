package candidate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/HMasataka/telecare/payload/signal"
	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

// Applier applies a remote candidate to the underlying connection.
// *webrtc.PeerConnection satisfies it.
type Applier interface {
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

// BufferOptions configures the pending candidate queue.
type BufferOptions struct {
	// Cap bounds the queue. Candidates arriving past the cap are refused:
	// early candidates are the likeliest to be foundational (relay/host),
	// so the newest are the ones dropped.
	Cap int
	// BatchSize is how many candidates are applied per drain batch.
	BatchSize int
	// BatchYield is the pause between drain batches so candidate
	// application never monopolizes the scheduler.
	BatchYield time.Duration
}

// DefaultBufferOptions returns the default queue bounds.
func DefaultBufferOptions() BufferOptions {
	return BufferOptions{
		Cap:        50,
		BatchSize:  8,
		BatchYield: 10 * time.Millisecond,
	}
}

// Bufferはremote descriptionが確定する前に届いたcandidateを保持するキューです。
// descriptionが適用された時点で一度だけdrainされ、以降のcandidateは即時適用されます。
type Buffer struct {
	mu      sync.Mutex
	pending deque.Deque[signal.Candidate]
	drained bool
	closed  bool

	applier Applier
	options BufferOptions

	// Single worker serializes application so drain batches and
	// post-drain candidates never interleave.
	worker *workerpool.WorkerPool
}

func NewBuffer(applier Applier, options BufferOptions) *Buffer {
	return &Buffer{
		applier: applier,
		options: options,
		worker:  workerpool.New(1),
	}
}

// Enqueue queues a candidate, or applies it immediately once the buffer has
// been drained. It reports whether the candidate was accepted; a full
// buffer refuses rather than evicting older entries.
func (b *Buffer) Enqueue(c signal.Candidate) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	if b.drained {
		b.mu.Unlock()
		b.worker.Submit(func() {
			b.apply(c)
		})
		return true
	}

	if b.pending.Len() >= b.options.Cap {
		b.mu.Unlock()
		slog.Debug("candidate buffer full; dropping candidate", slog.Int("cap", b.options.Cap))
		return false
	}

	b.pending.PushBack(c)
	b.mu.Unlock()
	return true
}

// Len returns the number of queued candidates.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}

// Drain applies every queued candidate in priority order (relay, host,
// other), in small batches with a short yield between them. It runs at most
// once; later calls are no-ops. Per-candidate failures are logged and do
// not abort the batch.
func (b *Buffer) Drain() {
	b.mu.Lock()
	if b.drained || b.closed {
		b.mu.Unlock()
		return
	}
	b.drained = true

	queued := make([]signal.Candidate, 0, b.pending.Len())
	for b.pending.Len() > 0 {
		queued = append(queued, b.pending.PopFront())
	}
	b.mu.Unlock()

	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].Priority < queued[j].Priority
	})

	batches := lo.Chunk(queued, b.options.BatchSize)
	for i, batch := range batches {
		batch := batch
		b.worker.SubmitWait(func() {
			for _, c := range batch {
				b.apply(c)
			}
		})
		if i < len(batches)-1 {
			time.Sleep(b.options.BatchYield)
		}
	}
}

// Drained reports whether the remote description has been applied and the
// one-shot drain already happened.
func (b *Buffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drained
}

// Close discards queued candidates and stops the apply worker.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.pending.Clear()
	b.mu.Unlock()

	b.worker.Stop()
}

func (b *Buffer) apply(c signal.Candidate) {
	if err := b.applier.AddICECandidate(c.Init()); err != nil {
		slog.Warn("failed to apply remote candidate", "error", err, slog.Int("priority", int(c.Priority)))
	}
}
