package call

import (
	"context"
	"testing"
	"time"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/HMasataka/telecare/payload/signal"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyQuality(t *testing.T) {
	cfg := DefaultConfig().Quality

	testCases := []struct {
		name     string
		loss     float64
		jitter   time.Duration
		rtt      time.Duration
		expected signal.Quality
	}{
		{"全指標が良好", 0.01, 10 * time.Millisecond, 50 * time.Millisecond, signal.QualityGood},
		{"損失率がfair閾値", 0.05, 10 * time.Millisecond, 50 * time.Millisecond, signal.QualityFair},
		{"損失率がpoor閾値", 0.15, 10 * time.Millisecond, 50 * time.Millisecond, signal.QualityPoor},
		{"ジッターのみfair", 0.0, 35 * time.Millisecond, 50 * time.Millisecond, signal.QualityFair},
		{"ジッターのみpoor", 0.0, 60 * time.Millisecond, 50 * time.Millisecond, signal.QualityPoor},
		{"RTTのみfair", 0.0, 10 * time.Millisecond, 200 * time.Millisecond, signal.QualityFair},
		{"RTTのみpoor", 0.0, 10 * time.Millisecond, 400 * time.Millisecond, signal.QualityPoor},
		{"fairとpoorが混在したらpoor", 0.05, 10 * time.Millisecond, 400 * time.Millisecond, signal.QualityPoor},
		{"境界値はその等級に含まれる", 0.03, 0, 0, signal.QualityFair},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyQuality(cfg, tc.loss, tc.jitter, tc.rtt)
			assert.Equal(t, tc.expected, got)
		})
	}
}

type fakeStats struct {
	report webrtc.StatsReport
}

func (f *fakeStats) GetStats() webrtc.StatsReport {
	return f.report
}

func videoInbound(received uint32, lost int32, jitter float64) webrtc.StatsReport {
	return webrtc.StatsReport{
		"inbound-video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			PacketsReceived: received,
			PacketsLost:     lost,
			Jitter:          jitter,
		},
		"remote-inbound": webrtc.RemoteInboundRTPStreamStats{
			RoundTripTime: 0.05,
		},
	}
}

func TestMonitor_Sample(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig().Quality

	t.Run("サンプルが記録されchannelに公開される", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		stats := &fakeStats{report: videoInbound(1000, 5, 0.005)}
		events := newEmitter(8)
		m := NewMonitor(cfg, stats, channel, "call-1", events)

		m.sample(ctx)

		history := m.History()
		require.Len(t, history, 1)
		assert.Equal(t, signal.QualityGood, history[0].Quality)

		var quality signal.Quality
		require.NoError(t, channel.ReadOnce(ctx, "call-1", signal.FieldConnectionQuality, &quality))
		assert.Equal(t, signal.QualityGood, quality)
	})

	t.Run("損失率は区間の増分で計算される", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		stats := &fakeStats{report: videoInbound(1000, 0, 0.005)}
		m := NewMonitor(cfg, stats, channel, "call-1", newEmitter(8))

		m.sample(ctx)

		// 次の区間で50/500が失われた: 区間損失率10%でpoor
		stats.report = videoInbound(1450, 50, 0.005)
		m.sample(ctx)

		history := m.History()
		require.Len(t, history, 2)
		assert.Equal(t, signal.QualityGood, history[0].Quality)
		assert.Equal(t, signal.QualityPoor, history[1].Quality)
		assert.InDelta(t, 0.10, history[1].PacketLoss, 0.001)
	})

	t.Run("等級が変わったときのみイベントが出る", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		stats := &fakeStats{report: videoInbound(1000, 0, 0.005)}
		events := newEmitter(8)
		m := NewMonitor(cfg, stats, channel, "call-1", events)

		m.sample(ctx)

		select {
		case ev := <-events.ch:
			change, ok := ev.(QualityChanged)
			require.True(t, ok)
			assert.Equal(t, signal.QualityGood, change.Quality)
		default:
			t.Fatal("expected initial quality event")
		}

		// 同じ等級の再サンプルではイベントなし
		stats.report = videoInbound(2000, 0, 0.005)
		m.sample(ctx)

		select {
		case ev := <-events.ch:
			t.Fatalf("unexpected event: %#v", ev)
		default:
		}
	})

	t.Run("統計が無ければ何も記録しない", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		m := NewMonitor(cfg, &fakeStats{report: webrtc.StatsReport{}}, channel, "call-1", newEmitter(8))

		m.sample(ctx)

		assert.Empty(t, m.History())
	})
}
