package call

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackController_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("音声と映像を取得できる", func(t *testing.T) {
		tc := NewTrackController(NewSyntheticSource(), newEmitter(8), "call-1")
		defer tc.Close()

		require.NoError(t, tc.Acquire(ctx, true))

		stream := tc.Stream()
		assert.NotNil(t, stream.Audio)
		assert.NotNil(t, stream.Video)
		assert.False(t, tc.AudioOnly())
	})

	t.Run("映像取得に失敗したら音声のみで続行する", func(t *testing.T) {
		source := NewSyntheticSource()
		source.FailVideo = true
		tc := NewTrackController(source, newEmitter(8), "call-1")
		defer tc.Close()

		require.NoError(t, tc.Acquire(ctx, true))

		stream := tc.Stream()
		assert.NotNil(t, stream.Audio)
		assert.Nil(t, stream.Video)
		assert.True(t, tc.AudioOnly())
	})

	t.Run("音声取得の失敗は致命的", func(t *testing.T) {
		source := NewSyntheticSource()
		source.FailAudio = true
		tc := NewTrackController(source, newEmitter(8), "call-1")

		err := tc.Acquire(ctx, true)
		assert.ErrorIs(t, err, ErrMediaUnavailable)
	})

	t.Run("audio-only指定", func(t *testing.T) {
		tc := NewTrackController(NewSyntheticSource(), newEmitter(8), "call-1")
		defer tc.Close()

		require.NoError(t, tc.Acquire(ctx, false))

		assert.True(t, tc.AudioOnly())
		assert.Nil(t, tc.Stream().Video)
	})
}

func TestTrackController_Toggles(t *testing.T) {
	ctx := context.Background()

	t.Run("ミュートはトラックを残したままゲートする", func(t *testing.T) {
		tc := NewTrackController(NewSyntheticSource(), newEmitter(8), "call-1")
		defer tc.Close()
		require.NoError(t, tc.Acquire(ctx, true))

		tc.SetMuted(true)
		assert.False(t, tc.Stream().Audio.Enabled())

		tc.SetMuted(false)
		assert.True(t, tc.Stream().Audio.Enabled())
	})

	t.Run("映像オフも同様", func(t *testing.T) {
		tc := NewTrackController(NewSyntheticSource(), newEmitter(8), "call-1")
		defer tc.Close()
		require.NoError(t, tc.Acquire(ctx, true))

		tc.SetVideoOff(true)
		assert.False(t, tc.Stream().Video.Enabled())
	})

	t.Run("audio-only通話での映像トグルは無視される", func(t *testing.T) {
		tc := NewTrackController(NewSyntheticSource(), newEmitter(8), "call-1")
		defer tc.Close()
		require.NoError(t, tc.Acquire(ctx, false))

		// panicしないこと
		tc.SetVideoOff(true)
	})
}

// revokedDisplaySource hands out display tracks whose capture has already
// ended by the time the caller sees them.
type revokedDisplaySource struct {
	*SyntheticSource
}

func (s *revokedDisplaySource) AcquireDisplay(ctx context.Context) (*LocalTrack, error) {
	track, err := s.SyntheticSource.AcquireDisplay(ctx)
	if err != nil {
		return nil, err
	}
	s.EndDisplay()
	return track, nil
}

func TestTrackController_ScreenShare(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*TrackController, *SyntheticSource, *webrtc.PeerConnection, *emitter) {
		t.Helper()

		source := NewSyntheticSource()
		events := newEmitter(8)
		tc := NewTrackController(source, events, "call-1")
		require.NoError(t, tc.Acquire(ctx, true))

		cfg := DefaultConfig()
		cfg.ICEServers = nil
		pc, err := newPeerConnection(cfg)
		require.NoError(t, err)
		require.NoError(t, tc.AttachTo(pc))

		t.Cleanup(func() {
			tc.Close()
			pc.Close()
		})
		return tc, source, pc, events
	}

	t.Run("ReplaceTrackで差し替えsender数は変わらない", func(t *testing.T) {
		tc, _, pc, _ := setup(t)

		before := len(pc.GetSenders())
		require.Equal(t, 2, before)

		require.NoError(t, tc.StartScreenShare(ctx))

		assert.True(t, tc.ScreenSharing())
		assert.Len(t, pc.GetSenders(), before)
	})

	t.Run("二重開始はエラー", func(t *testing.T) {
		tc, _, _, _ := setup(t)

		require.NoError(t, tc.StartScreenShare(ctx))
		assert.ErrorIs(t, tc.StartScreenShare(ctx), ErrScreenShareActive)
	})

	t.Run("キャプチャ終了でカメラが自動復帰する", func(t *testing.T) {
		tc, source, pc, events := setup(t)

		require.NoError(t, tc.StartScreenShare(ctx))
		camera := tc.Stream().Video

		source.EndDisplay()

		assert.Eventually(t, func() bool {
			return !tc.ScreenSharing()
		}, time.Second, 5*time.Millisecond)

		// カメラトラックがsenderに戻っている
		var videoSender *webrtc.RTPSender
		for _, sender := range pc.GetSenders() {
			if sender.Track() != nil && sender.Track().Kind() == webrtc.RTPCodecTypeVideo {
				videoSender = sender
			}
		}
		require.NotNil(t, videoSender)
		assert.Equal(t, camera.Track().ID(), videoSender.Track().ID())
		assert.Len(t, pc.GetSenders(), 2)

		select {
		case ev := <-events.ch:
			ended, ok := ev.(ScreenShareEnded)
			require.True(t, ok)
			assert.True(t, ended.Restored)
		case <-time.After(time.Second):
			t.Fatal("no screen share ended event")
		}
	})

	t.Run("取得直後に終了済みのキャプチャでも固まらない", func(t *testing.T) {
		source := &revokedDisplaySource{SyntheticSource: NewSyntheticSource()}
		tc := NewTrackController(source, newEmitter(8), "call-1")
		require.NoError(t, tc.Acquire(ctx, true))

		cfg := DefaultConfig()
		cfg.ICEServers = nil
		pc, err := newPeerConnection(cfg)
		require.NoError(t, err)
		defer pc.Close()
		require.NoError(t, tc.AttachTo(pc))

		require.NoError(t, tc.StartScreenShare(ctx))

		// 終了済みトラックのフックが自動復帰を走らせる
		assert.Eventually(t, func() bool {
			return !tc.ScreenSharing()
		}, time.Second, 5*time.Millisecond)

		// ロックが生きていること
		tc.SetMuted(true)
		tc.Close()
	})

	t.Run("明示的な停止は冪等", func(t *testing.T) {
		tc, _, _, _ := setup(t)

		require.NoError(t, tc.StartScreenShare(ctx))
		require.NoError(t, tc.StopScreenShare())
		require.NoError(t, tc.StopScreenShare())
		assert.False(t, tc.ScreenSharing())
	})

	t.Run("audio-only通話では開始できない", func(t *testing.T) {
		source := NewSyntheticSource()
		tc := NewTrackController(source, newEmitter(8), "call-1")
		defer tc.Close()
		require.NoError(t, tc.Acquire(ctx, false))

		cfg := DefaultConfig()
		cfg.ICEServers = nil
		pc, err := newPeerConnection(cfg)
		require.NoError(t, err)
		defer pc.Close()
		require.NoError(t, tc.AttachTo(pc))

		assert.ErrorIs(t, tc.StartScreenShare(ctx), ErrMediaUnavailable)
	})
}
