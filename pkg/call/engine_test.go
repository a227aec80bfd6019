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

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	// 確立タイマーがテスト中に発火しないよう十分大きく取る
	cfg.Timeouts.EstablishSeconds = 60
	return cfg
}

func testRecord() signal.CallRecord {
	return signal.CallRecord{
		CallID:   "call-1",
		CallerID: "doctor",
		CalleeID: "patient",
		Status:   signal.StatusPending,
		Created:  time.Now(),
	}
}

func newTestEngine(t *testing.T, channel signaling.Channel, role signal.Role) (*Engine, *webrtc.PeerConnection) {
	t.Helper()

	cfg := testEngineConfig()
	pc, err := newPeerConnection(cfg)
	require.NoError(t, err)

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)

	e := NewEngine(cfg, channel, pc, testRecord(), role, newEmitter(8))
	t.Cleanup(func() {
		e.Close()
		pc.Close()
	})
	return e, pc
}

// remoteAnswer はofferに対するanswerを別のPeerConnectionで生成する。
func remoteAnswer(t *testing.T, offer signal.Description) signal.Description {
	t.Helper()

	cfg := testEngineConfig()
	pc, err := newPeerConnection(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	require.NoError(t, pc.SetRemoteDescription(offer.SessionDescription()))

	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(answer))

	return signal.NewDescription(answer, "patient", "doctor")
}

func readOffer(t *testing.T, channel signaling.Channel) signal.Description {
	t.Helper()

	var offer signal.Description
	require.NoError(t, channel.ReadOnce(context.Background(), "call-1", signal.FieldOffer, &offer))
	require.NotEmpty(t, offer.SDP)
	return offer
}

func TestEngine_StartOffer(t *testing.T) {
	ctx := context.Background()

	t.Run("offerがchannelに公開される", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, _ := newTestEngine(t, channel, signal.RoleCaller)

		require.NoError(t, e.StartOffer(ctx))

		assert.Equal(t, StateOffering, e.State())
		offer := readOffer(t, channel)
		assert.Equal(t, "offer", offer.Type)
		assert.Equal(t, "doctor", offer.CreatorID)
	})

	t.Run("二度目はエラー", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, _ := newTestEngine(t, channel, signal.RoleCaller)

		require.NoError(t, e.StartOffer(ctx))
		assert.ErrorIs(t, e.StartOffer(ctx), ErrInvalidState)
	})

	t.Run("calleeはofferを作れない", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, _ := newTestEngine(t, channel, signal.RoleCallee)

		assert.ErrorIs(t, e.StartOffer(ctx), ErrInvalidState)
	})
}

func TestEngine_ReceiveAnswer(t *testing.T) {
	ctx := context.Background()

	t.Run("answer適用でcheckingに進む", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, pc := newTestEngine(t, channel, signal.RoleCaller)

		require.NoError(t, e.StartOffer(ctx))
		answer := remoteAnswer(t, readOffer(t, channel))

		require.NoError(t, e.ReceiveAnswer(ctx, answer))

		assert.Equal(t, StateChecking, e.State())
		assert.NotNil(t, pc.RemoteDescription())
	})

	t.Run("同じanswerの再適用はno-op", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, _ := newTestEngine(t, channel, signal.RoleCaller)

		require.NoError(t, e.StartOffer(ctx))
		answer := remoteAnswer(t, readOffer(t, channel))

		require.NoError(t, e.ReceiveAnswer(ctx, answer))
		// at-least-once配信による再送。二度目の適用は起こらない
		require.NoError(t, e.ReceiveAnswer(ctx, answer))

		assert.Equal(t, StateChecking, e.State())
	})

	t.Run("offer前のanswerはエラー", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, _ := newTestEngine(t, channel, signal.RoleCaller)

		assert.ErrorIs(t, e.ReceiveAnswer(ctx, signal.Description{Type: "answer", SDP: "v=0"}), ErrInvalidState)
	})

	t.Run("calleeはanswerを適用できない", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, _ := newTestEngine(t, channel, signal.RoleCallee)

		assert.ErrorIs(t, e.ReceiveAnswer(ctx, signal.Description{Type: "answer", SDP: "v=0"}), ErrInvalidState)
	})
}

func TestEngine_ReceiveOffer(t *testing.T) {
	ctx := context.Background()

	t.Run("offer適用でanswerが公開される", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		caller, _ := newTestEngine(t, channel, signal.RoleCaller)
		require.NoError(t, caller.StartOffer(ctx))
		offer := readOffer(t, channel)

		calleeChannel := signaling.NewMemoryChannel()
		callee, _ := newTestEngine(t, calleeChannel, signal.RoleCallee)

		require.NoError(t, callee.ReceiveOffer(ctx, offer))

		assert.Equal(t, StateChecking, callee.State())

		var answer signal.Description
		require.NoError(t, calleeChannel.ReadOnce(ctx, "call-1", signal.FieldAnswer, &answer))
		assert.Equal(t, "answer", answer.Type)
		assert.Equal(t, "patient", answer.CreatorID)
	})

	t.Run("同一ラウンドのofferの再配信はno-op", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		caller, _ := newTestEngine(t, channel, signal.RoleCaller)
		require.NoError(t, caller.StartOffer(ctx))
		offer := readOffer(t, channel)

		callee, _ := newTestEngine(t, signaling.NewMemoryChannel(), signal.RoleCallee)

		require.NoError(t, callee.ReceiveOffer(ctx, offer))
		require.NoError(t, callee.ReceiveOffer(ctx, offer))

		assert.Equal(t, StateChecking, callee.State())
	})

	t.Run("callerはofferを適用できない", func(t *testing.T) {
		e, _ := newTestEngine(t, signaling.NewMemoryChannel(), signal.RoleCaller)

		assert.ErrorIs(t, e.ReceiveOffer(ctx, signal.Description{Type: "offer", SDP: "v=0"}), ErrInvalidState)
	})
}

func TestEngine_Restart(t *testing.T) {
	ctx := context.Background()

	t.Run("callerは新しいofferを書き古いanswerを消す", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, _ := newTestEngine(t, channel, signal.RoleCaller)

		require.NoError(t, e.StartOffer(ctx))
		firstOffer := readOffer(t, channel)
		answer := remoteAnswer(t, firstOffer)
		require.NoError(t, e.ReceiveAnswer(ctx, answer))

		require.NoError(t, e.Restart(ctx))

		assert.Equal(t, StateOffering, e.State())

		secondOffer := readOffer(t, channel)
		assert.NotEqual(t, firstOffer.SDP, secondOffer.SDP)

		var cleared signal.Description
		require.NoError(t, channel.ReadOnce(ctx, "call-1", signal.FieldAnswer, &cleared))
		assert.Empty(t, cleared.SDP)
	})

	t.Run("前ラウンドのstale answerは無視される", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		e, _ := newTestEngine(t, channel, signal.RoleCaller)

		require.NoError(t, e.StartOffer(ctx))
		staleAnswer := remoteAnswer(t, readOffer(t, channel))
		require.NoError(t, e.ReceiveAnswer(ctx, staleAnswer))

		require.NoError(t, e.Restart(ctx))

		// 再送されたstale answerは新ラウンドには適用されない
		require.NoError(t, e.ReceiveAnswer(ctx, staleAnswer))
		assert.Equal(t, StateOffering, e.State())
	})

	t.Run("終端状態からは再開できない", func(t *testing.T) {
		e, _ := newTestEngine(t, signaling.NewMemoryChannel(), signal.RoleCaller)

		e.handleRemoteTerminal(signal.StatusEnded)

		assert.ErrorIs(t, e.Restart(ctx), ErrInvalidState)
	})
}

func TestEngine_RemoteTerminal(t *testing.T) {
	t.Run("相手の終端statusでローカルも終端する", func(t *testing.T) {
		e, _ := newTestEngine(t, signaling.NewMemoryChannel(), signal.RoleCaller)

		terminated := make(chan signal.Status, 1)
		e.onTerminate = func(status signal.Status) {
			terminated <- status
		}

		e.handleRemoteTerminal(signal.StatusEnded)

		assert.Equal(t, StateEnded, e.State())
		select {
		case status := <-terminated:
			assert.Equal(t, signal.StatusEnded, status)
		case <-time.After(time.Second):
			t.Fatal("terminate hook not invoked")
		}
	})

	t.Run("rejectはrejectedに写像される", func(t *testing.T) {
		e, _ := newTestEngine(t, signaling.NewMemoryChannel(), signal.RoleCaller)

		e.handleRemoteTerminal(signal.StatusRejected)

		assert.Equal(t, StateRejected, e.State())
	})

	t.Run("すでに終端なら何もしない", func(t *testing.T) {
		e, _ := newTestEngine(t, signaling.NewMemoryChannel(), signal.RoleCaller)

		e.handleRemoteTerminal(signal.StatusEnded)
		e.handleRemoteTerminal(signal.StatusRejected)

		assert.Equal(t, StateEnded, e.State())
	})
}

func TestEngine_Close(t *testing.T) {
	ctx := context.Background()

	t.Run("close後の状態コールバックが削除済みレコードを復活させない", func(t *testing.T) {
		channel := signaling.NewMemoryChannel()
		cfg := testEngineConfig()
		pc, err := newPeerConnection(cfg)
		require.NoError(t, err)

		_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
		require.NoError(t, err)

		e := NewEngine(cfg, channel, pc, testRecord(), signal.RoleCaller, newEmitter(8))
		require.NoError(t, e.Start(ctx))
		require.NoError(t, e.StartOffer(ctx))

		e.Close()
		require.NoError(t, channel.Delete(ctx, "call-1"))
		require.NoError(t, pc.Close())

		// pc.Close由来のコールバックが走り切っても書き戻しは起きない
		var state string
		assert.Never(t, func() bool {
			return channel.ReadOnce(ctx, "call-1", signal.FieldConnectionState, &state) == nil
		}, 300*time.Millisecond, 20*time.Millisecond)

		var meta signal.CallRecord
		assert.ErrorIs(t, channel.ReadOnce(ctx, "call-1", signal.FieldMeta, &meta), signaling.ErrNotFound)
	})
}
