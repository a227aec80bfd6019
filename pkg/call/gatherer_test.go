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

func hostCandidate(address string) *webrtc.ICECandidate {
	return &webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    address,
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       54321,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

func TestGatherer(t *testing.T) {
	ctx := context.Background()

	t.Run("nil候補は無視される", func(t *testing.T) {
		g := NewGatherer(signaling.NewMemoryChannel(), "call-1", signal.RoleCaller, 10, time.Hour)

		g.Handle(nil)

		assert.Zero(t, g.Emitted())
	})

	t.Run("stopPacingで残りが自ロールのサブチャネルに書かれる", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		g := NewGatherer(channel, "call-1", signal.RoleCaller, 10, time.Hour)

		g.Handle(hostCandidate("192.168.0.10"))
		g.Handle(hostCandidate("192.168.0.11"))

		// pacing間隔は1時間: flushはStopPacingで同期的に行われる
		g.StopPacing(ctx)

		candidates, err := channel.Candidates(ctx, "call-1", signal.FieldCallerCandidates)
		require.NoError(t, err)
		require.Len(t, candidates, 2)
		assert.Equal(t, signal.PriorityHost, candidates[0].Priority)
	})

	t.Run("pacingループが定期的にflushする", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		g := NewGatherer(channel, "call-1", signal.RoleCallee, 10, 10*time.Millisecond)

		g.Start(ctx)
		defer g.StopPacing(ctx)

		g.Handle(hostCandidate("192.168.0.10"))

		assert.Eventually(t, func() bool {
			candidates, err := channel.Candidates(ctx, "call-1", signal.FieldCalleeCandidates)
			return err == nil && len(candidates) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("closeは未送出の候補を捨てる", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		g := NewGatherer(channel, "call-1", signal.RoleCaller, 10, time.Hour)

		g.Handle(hostCandidate("192.168.0.10"))
		g.Close()

		candidates, err := channel.Candidates(ctx, "call-1", signal.FieldCallerCandidates)
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})

	t.Run("emit上限を超えた候補は落とされる", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		g := NewGatherer(channel, "call-1", signal.RoleCaller, 2, time.Hour)

		for i := 0; i < 5; i++ {
			g.Handle(hostCandidate("192.168.0.10"))
		}

		g.StopPacing(ctx)

		candidates, err := channel.Candidates(ctx, "call-1", signal.FieldCallerCandidates)
		require.NoError(t, err)
		assert.Len(t, candidates, 2)
		assert.Equal(t, 2, g.Emitted())
	})
}
