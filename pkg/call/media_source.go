package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource acquires local tracks. Implementations wrap whatever capture
// backend the host offers; the synthetic source below generates frames for
// demos and tests.
type MediaSource interface {
	AcquireAudio(ctx context.Context) (*LocalTrack, error)
	AcquireVideo(ctx context.Context) (*LocalTrack, error)
	// AcquireDisplay captures the screen. Display capture can end on its
	// own (the host revokes it); the returned track's ended hook fires
	// when that happens.
	AcquireDisplay(ctx context.Context) (*LocalTrack, error)
}

// LocalTrackは送信トラックと有効フラグをまとめたものです。
// フラグはサンプル送出をゲートするだけで、senderの増減や再ネゴシエーションは
// 一切起こしません。
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	mu      sync.Mutex
	onEnded func()
	ended   bool
	stop    func()
}

func newLocalTrack(track *webrtc.TrackLocalStaticSample) *LocalTrack {
	t := &LocalTrack{track: track}
	t.enabled.Store(true)
	return t
}

// Track exposes the underlying sendable track.
func (t *LocalTrack) Track() *webrtc.TrackLocalStaticSample {
	return t.track
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

// SetEnabled gates sample emission. Disabled tracks keep their sender and
// their slot in the session description.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

// WriteSample forwards a sample when the track is enabled.
func (t *LocalTrack) WriteSample(sample media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(sample)
}

// OnEnded registers a hook fired when the capture backing this track stops
// on its own. If the track already ended, the hook fires on a fresh
// goroutine so a caller registering it under a lock is not re-entered.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	already := t.ended
	if !already {
		t.onEnded = fn
	}
	t.mu.Unlock()

	if already && fn != nil {
		go fn()
	}
}

// end marks the capture as finished and fires the ended hook once.
func (t *LocalTrack) end() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Close stops the sample pump. Idempotent.
func (t *LocalTrack) Close() {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
}

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = 33 * time.Millisecond
)

// SyntheticSource generates dummy opus/vp8 samples. It backs the demo client
// and the media tests; Fail* flags inject acquisition failures.
type SyntheticSource struct {
	FailAudio   bool
	FailVideo   bool
	FailDisplay bool

	mu      sync.Mutex
	display *LocalTrack
}

var _ MediaSource = (*SyntheticSource)(nil)

var errCaptureUnavailable = errors.New("capture device unavailable")

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{}
}

func (s *SyntheticSource) AcquireAudio(ctx context.Context) (*LocalTrack, error) {
	if s.FailAudio {
		return nil, errCaptureUnavailable
	}
	return s.pumpedTrack(webrtc.MimeTypeOpus, "audio", audioFrameDuration)
}

func (s *SyntheticSource) AcquireVideo(ctx context.Context) (*LocalTrack, error) {
	if s.FailVideo {
		return nil, errCaptureUnavailable
	}
	return s.pumpedTrack(webrtc.MimeTypeVP8, "video", videoFrameDuration)
}

func (s *SyntheticSource) AcquireDisplay(ctx context.Context) (*LocalTrack, error) {
	if s.FailDisplay {
		return nil, errCaptureUnavailable
	}

	track, err := s.pumpedTrack(webrtc.MimeTypeVP8, "display", videoFrameDuration)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.display = track
	s.mu.Unlock()
	return track, nil
}

// EndDisplay simulates the host revoking screen capture.
func (s *SyntheticSource) EndDisplay() {
	s.mu.Lock()
	display := s.display
	s.display = nil
	s.mu.Unlock()

	if display != nil {
		display.end()
	}
}

func (s *SyntheticSource) pumpedTrack(mimeType, kind string, frame time.Duration) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		kind, "telecare-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	t := newLocalTrack(track)
	done := make(chan struct{})
	t.stop = func() { close(done) }

	go func() {
		ticker := time.NewTicker(frame)
		defer ticker.Stop()

		payload := make([]byte, 32)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := t.WriteSample(media.Sample{Data: payload, Duration: frame}); err != nil {
					return
				}
			}
		}
	}()

	return t, nil
}
