package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/HMasataka/telecare/payload/signal"
	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"
)

const qualityHistoryDepth = 60

// statsProvider is satisfied by *webrtc.PeerConnection.
type statsProvider interface {
	GetStats() webrtc.StatsReport
}

// QualitySample is one observation of the inbound video path.
type QualitySample struct {
	PacketLoss float64
	Jitter     time.Duration
	RTT        time.Duration
	Quality    signal.Quality
	Taken      time.Time
}

// Monitor samples connection statistics on a fixed interval, classifies the
// inbound video path, and mirrors the verdict to the signaling channel so
// the peer can surface it. It self-terminates after a bounded duration so a
// forgotten call leg stops generating channel writes; a reconnect starts a
// fresh monitor.
type Monitor struct {
	cfg     QualityConfig
	stats   statsProvider
	channel signaling.Channel
	callID  string
	events  *emitter

	mu       sync.Mutex
	history  deque.Deque[QualitySample]
	last     signal.Quality
	prevLost int64
	prevRecv int64

	done     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(cfg QualityConfig, stats statsProvider, channel signaling.Channel, callID string, events *emitter) *Monitor {
	return &Monitor{
		cfg:     cfg,
		stats:   stats,
		channel: channel,
		callID:  callID,
		events:  events,
		done:    make(chan struct{}),
	}
}

// Start runs the sampling loop until Stop, ctx cancellation, or the
// configured maximum duration.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		interval := time.Duration(m.cfg.IntervalSeconds) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		deadline := time.After(time.Duration(m.cfg.MaxDurationSeconds) * time.Second)

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-deadline:
				slog.Debug("quality monitor duration budget spent", slog.String("call_id", m.callID))
				return
			case <-ticker.C:
				m.sample(ctx)
			}
		}
	}()
}

// Stop halts the sampling loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []QualitySample {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QualitySample, 0, m.history.Len())
	for i := 0; i < m.history.Len(); i++ {
		out = append(out, m.history.At(i))
	}
	return out
}

func (m *Monitor) sample(ctx context.Context) {
	report := m.stats.GetStats()

	var (
		lost, recv   int64
		jitter       float64
		rtt          float64
		sawInbound   bool
		sawRemoteRTT bool
	)

	for _, s := range report {
		switch stats := s.(type) {
		case webrtc.InboundRTPStreamStats:
			if stats.Kind != "video" {
				continue
			}
			lost += int64(stats.PacketsLost)
			recv += int64(stats.PacketsReceived)
			if stats.Jitter > jitter {
				jitter = stats.Jitter
			}
			sawInbound = true
		case webrtc.RemoteInboundRTPStreamStats:
			if stats.RoundTripTime > rtt {
				rtt = stats.RoundTripTime
			}
			sawRemoteRTT = true
		}
	}

	if !sawInbound && !sawRemoteRTT {
		return
	}

	m.mu.Lock()
	deltaLost := lost - m.prevLost
	deltaRecv := recv - m.prevRecv
	m.prevLost = lost
	m.prevRecv = recv
	m.mu.Unlock()

	var loss float64
	if total := deltaLost + deltaRecv; total > 0 {
		loss = float64(deltaLost) / float64(total)
	}

	sample := QualitySample{
		PacketLoss: loss,
		Jitter:     time.Duration(jitter * float64(time.Second)),
		RTT:        time.Duration(rtt * float64(time.Second)),
		Taken:      time.Now(),
	}
	sample.Quality = ClassifyQuality(m.cfg, sample.PacketLoss, sample.Jitter, sample.RTT)

	m.record(ctx, sample)
}

func (m *Monitor) record(ctx context.Context, sample QualitySample) {
	m.mu.Lock()
	if m.history.Len() >= qualityHistoryDepth {
		m.history.PopFront()
	}
	m.history.PushBack(sample)
	changed := sample.Quality != m.last
	m.last = sample.Quality
	m.mu.Unlock()

	if err := m.channel.Write(ctx, m.callID, signal.FieldConnectionQuality, sample.Quality); err != nil {
		slog.Debug("failed to publish connection quality", "error", err, slog.String("call_id", m.callID))
	}

	if changed {
		slog.Info("connection quality changed",
			slog.String("call_id", m.callID),
			slog.String("quality", string(sample.Quality)),
			slog.Float64("packet_loss", sample.PacketLoss),
			slog.Duration("jitter", sample.Jitter),
			slog.Duration("rtt", sample.RTT))
		m.events.emit(QualityChanged{CallID: m.callID, Quality: sample.Quality})
	}
}

// ClassifyQuality maps one observation onto the three-level verdict. Any
// single metric past its poor threshold makes the verdict poor; past its
// fair threshold, fair.
func ClassifyQuality(cfg QualityConfig, loss float64, jitter, rtt time.Duration) signal.Quality {
	poorJitter := time.Duration(cfg.PoorJitterMillis) * time.Millisecond
	fairJitter := time.Duration(cfg.FairJitterMillis) * time.Millisecond
	poorRTT := time.Duration(cfg.PoorRTTMillis) * time.Millisecond
	fairRTT := time.Duration(cfg.FairRTTMillis) * time.Millisecond

	switch {
	case loss >= cfg.PoorPacketLoss || jitter >= poorJitter || rtt >= poorRTT:
		return signal.QualityPoor
	case loss >= cfg.FairPacketLoss || jitter >= fairJitter || rtt >= fairRTT:
		return signal.QualityFair
	default:
		return signal.QualityGood
	}
}
