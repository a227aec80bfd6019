package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaStream is the local half of a call: always an audio track, plus a
// camera track unless the call degraded to audio-only.
type MediaStream struct {
	Audio *LocalTrack
	Video *LocalTrack
}

// TrackController owns the local tracks for one call. Mute and camera
// toggles gate sample emission; screen share swaps the video sender's track
// via ReplaceTrack. The sender set is fixed once AttachTo runs, so none of
// these operations triggers renegotiation.
type TrackController struct {
	mu     sync.Mutex
	source MediaSource
	events *emitter
	callID string

	audio   *LocalTrack
	video   *LocalTrack
	display *LocalTrack

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	audioOnly bool
	closed    bool
}

func NewTrackController(source MediaSource, events *emitter, callID string) *TrackController {
	return &TrackController{
		source: source,
		events: events,
		callID: callID,
	}
}

// Acquire obtains local media. A video failure degrades the call to
// audio-only and is not fatal; an audio failure is.
func (c *TrackController) Acquire(ctx context.Context, wantVideo bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	audio, err := c.source.AcquireAudio(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	c.audio = audio

	if !wantVideo {
		c.audioOnly = true
		return nil
	}

	video, err := c.source.AcquireVideo(ctx)
	if err != nil {
		slog.Warn("video acquisition failed; continuing audio-only",
			"error", err, slog.String("call_id", c.callID))
		c.audioOnly = true
		return nil
	}
	c.video = video
	return nil
}

// AudioOnly reports whether the call carries no video, whether requested or
// by degradation.
func (c *TrackController) AudioOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioOnly
}

// Stream returns the acquired local tracks.
func (c *TrackController) Stream() *MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &MediaStream{Audio: c.audio, Video: c.video}
}

// AttachTo adds the acquired tracks to the connection, one sender each.
// Must run before the offer is created so the tracks land in the session
// description.
func (c *TrackController) AttachTo(pc *webrtc.PeerConnection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audio == nil {
		return ErrMediaUnavailable
	}

	sender, err := pc.AddTrack(c.audio.Track())
	if err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	c.audioSender = sender

	if c.video != nil {
		sender, err = pc.AddTrack(c.video.Track())
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		c.videoSender = sender
	}
	return nil
}

// SetMuted gates the audio track.
func (c *TrackController) SetMuted(muted bool) {
	c.mu.Lock()
	audio := c.audio
	c.mu.Unlock()

	if audio == nil {
		return
	}
	audio.SetEnabled(!muted)
}

// SetVideoOff gates the camera track. A no-op on audio-only calls.
func (c *TrackController) SetVideoOff(off bool) {
	c.mu.Lock()
	video := c.video
	c.mu.Unlock()

	if video == nil {
		slog.Debug("video toggle on audio-only call ignored", slog.String("call_id", c.callID))
		return
	}
	video.SetEnabled(!off)
}

// StartScreenShare captures the display and swaps it onto the video sender.
// The camera track is retained for restoration; no sender is added or
// removed.
func (c *TrackController) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.videoSender == nil {
		return fmt.Errorf("%w: no video sender on an audio-only call", ErrMediaUnavailable)
	}
	if c.display != nil {
		return ErrScreenShareActive
	}

	display, err := c.source.AcquireDisplay(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture display: %w", err)
	}

	if err := c.videoSender.ReplaceTrack(display.Track()); err != nil {
		display.Close()
		return fmt.Errorf("failed to replace video track: %w", err)
	}
	c.display = display

	// The host can revoke capture at any time; restore the camera without
	// waiting for an explicit stop.
	display.OnEnded(func() {
		if err := c.StopScreenShare(); err != nil {
			slog.Warn("failed to restore camera after screen share ended",
				"error", err, slog.String("call_id", c.callID))
		}
	})

	slog.Info("screen share started", slog.String("call_id", c.callID))
	return nil
}

// StopScreenShare restores the camera track onto the video sender. Idempotent;
// also invoked automatically when the display capture ends on its own.
func (c *TrackController) StopScreenShare() error {
	c.mu.Lock()
	display := c.display
	c.display = nil
	if display == nil {
		c.mu.Unlock()
		return nil
	}

	restored := false
	var err error
	if c.videoSender != nil && c.video != nil {
		if err = c.videoSender.ReplaceTrack(c.video.Track()); err == nil {
			restored = true
		}
	}
	c.mu.Unlock()

	display.Close()

	c.events.emit(ScreenShareEnded{CallID: c.callID, Restored: restored})

	if err != nil {
		return fmt.Errorf("failed to restore camera track: %w", err)
	}

	slog.Info("screen share ended",
		slog.String("call_id", c.callID), slog.Bool("camera_restored", restored))
	return nil
}

// ScreenSharing reports whether a display track currently feeds the video
// sender.
func (c *TrackController) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display != nil
}

// Close stops all sample pumps. Safe to call more than once.
func (c *TrackController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tracks := []*LocalTrack{c.display, c.video, c.audio}
	c.display, c.video, c.audio = nil, nil, nil
	c.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Close()
		}
	}
}
