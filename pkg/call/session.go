package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/HMasataka/telecare/payload/signal"
	"github.com/HMasataka/telecare/pkg/retry"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Visit is the persisted record of one call, kept for the clinical audit
// trail.
type Visit struct {
	CallID       string     `db:"call_id"`
	CallerID     string     `db:"caller_id"`
	CalleeID     string     `db:"callee_id"`
	AudioOnly    bool       `db:"audio_only"`
	StartedAt    time.Time  `db:"started_at"`
	ConnectedAt  *time.Time `db:"connected_at"`
	EndedAt      *time.Time `db:"ended_at"`
	Outcome      string     `db:"outcome"`
	RecordingURL string     `db:"recording_url"`
}

// VisitStore persists visit records. A nil store disables persistence.
type VisitStore interface {
	RecordStart(ctx context.Context, v Visit) error
	RecordConnected(ctx context.Context, callID string, at time.Time) error
	RecordEnd(ctx context.Context, callID string, endedAt time.Time, outcome, recordingURL string) error
}

// CallResult is returned once a call leg is set up locally.
type CallResult struct {
	Record      signal.CallRecord
	LocalStream *MediaStream
	// AudioOnly is true when the call was requested audio-only or degraded
	// to audio-only because video acquisition failed.
	AudioOnly bool
}

type session struct {
	record  signal.CallRecord
	role    signal.Role
	pc      *webrtc.PeerConnection
	engine  *Engine
	tracks  *TrackController
	monitor *Monitor
	cancel  context.CancelFunc

	recordingURL string
}

// Controllerは1通話ずつを扱うクライアント側のファサードです。
// 発信・着信応答・再接続・切断と、通話中のメディア操作を提供します。
type Controller struct {
	cfg     Config
	channel signaling.Channel
	source  MediaSource
	visits  VisitStore
	userID  string
	events  *emitter

	mu      sync.Mutex
	session *session
}

// NewController builds a controller for one user. visits may be nil.
func NewController(cfg Config, channel signaling.Channel, source MediaSource, userID string, visits VisitStore) *Controller {
	return &Controller{
		cfg:     cfg,
		channel: channel,
		source:  source,
		visits:  visits,
		userID:  userID,
		events:  newEmitter(cfg.EventBuffer),
	}
}

// Events returns the outbound event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (c *Controller) Events() <-chan Event {
	return c.events.ch
}

// ActiveCall returns the current session's record, if any.
func (c *Controller) ActiveCall() (signal.CallRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return signal.CallRecord{}, false
	}
	return c.session.record, true
}

// State returns the current negotiation state, or idle without a session.
func (c *Controller) State() State {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return StateIdle
	}
	return sess.engine.State()
}

// StartCall announces a call to calleeID and publishes the offer. The
// controller handles one call at a time; a second StartCall while a session
// is live returns ErrCallInProgress.
func (c *Controller) StartCall(ctx context.Context, calleeID string, audioOnly bool) (*CallResult, error) {
	record := signal.CallRecord{
		CallID:    uuid.NewString(),
		CallerID:  c.userID,
		CalleeID:  calleeID,
		AudioOnly: audioOnly,
		Status:    signal.StatusPending,
		Created:   time.Now(),
	}

	sess, result, err := c.setup(ctx, record, signal.RoleCaller)
	if err != nil {
		return nil, err
	}
	record = sess.record

	if err := c.channel.Announce(ctx, record); err != nil {
		c.abandon(sess)
		return nil, fmt.Errorf("failed to announce call: %w", err)
	}

	if err := sess.engine.StartOffer(ctx); err != nil {
		c.abandon(sess)
		return nil, err
	}

	c.recordVisitStart(ctx, record)

	slog.Info("call started",
		slog.String("call_id", record.CallID),
		slog.String("callee_id", calleeID),
		slog.Bool("audio_only", result.AudioOnly))
	return result, nil
}

// AnswerCall picks up an announced call: it reads the call record and the
// offer from the channel, applies the offer, and publishes the answer.
func (c *Controller) AnswerCall(ctx context.Context, callID string) (*CallResult, error) {
	var record signal.CallRecord
	if err := c.channel.ReadOnce(ctx, callID, signal.FieldMeta, &record); err != nil {
		if errors.Is(err, signaling.ErrNotFound) {
			return nil, fmt.Errorf("%w: call %s not announced", ErrNoOffer, callID)
		}
		return nil, fmt.Errorf("failed to read call record: %w", err)
	}

	// The offer write can lag the announce; poll briefly before giving up.
	var offer signal.Description
	err := retry.Run(retry.DefaultConfig(), func() error {
		if err := c.channel.ReadOnce(ctx, callID, signal.FieldOffer, &offer); err != nil {
			if errors.Is(err, signaling.ErrNotFound) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, signaling.ErrNotFound) {
			return nil, ErrNoOffer
		}
		return nil, fmt.Errorf("failed to read offer: %w", err)
	}

	sess, result, err := c.setup(ctx, record, signal.RoleCallee)
	if err != nil {
		return nil, err
	}

	if err := c.channel.Write(ctx, callID, signal.FieldStatus, signal.StatusConnecting); err != nil {
		slog.Warn("failed to publish connecting status", "error", err, slog.String("call_id", callID))
	}

	if err := sess.engine.ReceiveOffer(ctx, offer); err != nil {
		c.abandon(sess)
		return nil, err
	}

	slog.Info("call answered",
		slog.String("call_id", callID), slog.Bool("audio_only", result.AudioOnly))
	return result, nil
}

// setup builds the local leg: media, peer connection, engine. The session
// is installed before any signaling happens so the live-session guard holds.
func (c *Controller) setup(ctx context.Context, record signal.CallRecord, role signal.Role) (*session, *CallResult, error) {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil, nil, ErrCallInProgress
	}
	c.session = &session{} // placeholder holds the slot during setup
	c.mu.Unlock()

	sess, result, err := c.buildSession(ctx, record, role)
	if err != nil {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		return nil, nil, err
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	return sess, result, nil
}

func (c *Controller) buildSession(ctx context.Context, record signal.CallRecord, role signal.Role) (*session, *CallResult, error) {
	tracks := NewTrackController(c.source, c.events, record.CallID)
	if err := tracks.Acquire(ctx, !record.AudioOnly); err != nil {
		return nil, nil, err
	}
	if tracks.AudioOnly() {
		record.AudioOnly = true
	}

	pc, err := newPeerConnection(c.cfg)
	if err != nil {
		tracks.Close()
		return nil, nil, err
	}

	if err := tracks.AttachTo(pc); err != nil {
		tracks.Close()
		pc.Close()
		return nil, nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	engine := NewEngine(c.cfg, c.channel, pc, record, role, c.events)
	sess := &session{
		record: record,
		role:   role,
		pc:     pc,
		engine: engine,
		tracks: tracks,
		cancel: cancel,
	}

	engine.onConnected = func() {
		c.recordVisitConnected(context.Background(), record.CallID)
		c.startMonitor(sessCtx, sess)
	}
	engine.onTerminate = func(status signal.Status) {
		c.teardown(context.Background(), sess, status, false)
	}

	if err := engine.Start(sessCtx); err != nil {
		cancel()
		tracks.Close()
		pc.Close()
		return nil, nil, err
	}

	result := &CallResult{
		Record:      record,
		LocalStream: tracks.Stream(),
		AudioOnly:   record.AudioOnly,
	}
	return sess, result, nil
}

// startMonitor runs a fresh quality monitor. Fires on every transition to
// connected, so a reconnect replaces the monitor of the previous stretch.
func (c *Controller) startMonitor(ctx context.Context, sess *session) {
	c.mu.Lock()
	if sess.monitor != nil {
		sess.monitor.Stop()
	}
	monitor := NewMonitor(c.cfg.Quality, sess.pc, c.channel, sess.record.CallID, c.events)
	sess.monitor = monitor
	c.mu.Unlock()

	monitor.Start(ctx)
}

// abandon dismantles a session that never fully started.
func (c *Controller) abandon(sess *session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()

	sess.cancel()
	sess.engine.Close()
	sess.tracks.Close()
	if err := sess.pc.Close(); err != nil {
		slog.Debug("failed to close peer connection", "error", err)
	}
}

// ReconnectCall forces one renegotiation round on the live session. The
// side that initiates keeps the role assigned at call creation.
func (c *Controller) ReconnectCall(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return ErrNoActiveCall
	}
	return sess.engine.Restart(ctx)
}

// HangUp ends the live session. Idempotent; every teardown sub-step is
// independently guarded, so a partial failure never blocks the rest.
func (c *Controller) HangUp(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return nil
	}

	c.teardown(ctx, sess, signal.StatusEnded, true)
	return nil
}

// RejectCall declines an announced call without building a session.
func (c *Controller) RejectCall(ctx context.Context, callID string) error {
	if err := c.channel.Write(ctx, callID, signal.FieldStatus, signal.StatusRejected); err != nil {
		return fmt.Errorf("failed to publish rejected status: %w", err)
	}
	slog.Info("call rejected", slog.String("call_id", callID))
	return nil
}

// teardown dismantles the session. writeStatus is false when the peer
// already wrote a terminal status; the local side must not overwrite it,
// and the peer owns record deletion in that case.
func (c *Controller) teardown(ctx context.Context, sess *session, status signal.Status, writeStatus bool) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()

	sess.cancel()

	if sess.monitor != nil {
		sess.monitor.Stop()
	}

	sess.engine.Close()
	sess.tracks.Close()

	if err := sess.pc.Close(); err != nil {
		slog.Debug("failed to close peer connection", "error", err, slog.String("call_id", sess.record.CallID))
	}

	if writeStatus {
		if err := c.channel.Write(ctx, sess.record.CallID, signal.FieldStatus, status); err != nil {
			slog.Warn("failed to publish terminal status", "error", err, slog.String("call_id", sess.record.CallID))
		}
		if err := c.channel.Delete(ctx, sess.record.CallID); err != nil {
			slog.Warn("failed to delete call record", "error", err, slog.String("call_id", sess.record.CallID))
		}
	}

	c.recordVisitEnd(ctx, sess.record.CallID, status, sess.recordingURL)

	slog.Info("call torn down",
		slog.String("call_id", sess.record.CallID), slog.String("status", string(status)))
}

// CheckForIncomingCalls lists announced calls addressed to this user that
// are still pending.
func (c *Controller) CheckForIncomingCalls(ctx context.Context) ([]signal.CallRecord, error) {
	return c.channel.IncomingCalls(ctx, c.userID)
}

// ListenForIncomingCalls surfaces announced calls as IncomingCall events
// until the returned unsubscribe is called.
func (c *Controller) ListenForIncomingCalls(ctx context.Context) (signaling.Unsubscribe, error) {
	return c.channel.SubscribeIncoming(ctx, c.userID, func(rec signal.CallRecord) {
		c.events.emit(IncomingCall{Record: rec})
	})
}

// SetMuted gates the local audio track.
func (c *Controller) SetMuted(muted bool) error {
	sess, err := c.live()
	if err != nil {
		return err
	}
	sess.tracks.SetMuted(muted)
	return nil
}

// SetVideoOff gates the local camera track.
func (c *Controller) SetVideoOff(off bool) error {
	sess, err := c.live()
	if err != nil {
		return err
	}
	sess.tracks.SetVideoOff(off)
	return nil
}

// StartScreenShare swaps the display capture onto the video sender.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	sess, err := c.live()
	if err != nil {
		return err
	}
	return sess.tracks.StartScreenShare(ctx)
}

// StopScreenShare restores the camera onto the video sender.
func (c *Controller) StopScreenShare() error {
	sess, err := c.live()
	if err != nil {
		return err
	}
	return sess.tracks.StopScreenShare()
}

// SetRecordingURL attaches the location of the visit recording to the live
// call; it is written back to the visit record on teardown.
func (c *Controller) SetRecordingURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ErrNoActiveCall
	}
	c.session.recordingURL = url
	return nil
}

func (c *Controller) live() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, ErrNoActiveCall
	}
	return c.session, nil
}

// Visit persistence is caller-side only, so one visit row exists per call.
func (c *Controller) recordVisitStart(ctx context.Context, record signal.CallRecord) {
	if c.visits == nil {
		return
	}

	visit := Visit{
		CallID:    record.CallID,
		CallerID:  record.CallerID,
		CalleeID:  record.CalleeID,
		AudioOnly: record.AudioOnly,
		StartedAt: record.Created,
	}
	if err := c.visits.RecordStart(ctx, visit); err != nil {
		slog.Warn("failed to record visit start", "error", err, slog.String("call_id", record.CallID))
	}
}

func (c *Controller) recordVisitConnected(ctx context.Context, callID string) {
	if c.visits == nil {
		return
	}
	if err := c.visits.RecordConnected(ctx, callID, time.Now()); err != nil {
		slog.Warn("failed to record visit connect", "error", err, slog.String("call_id", callID))
	}
}

func (c *Controller) recordVisitEnd(ctx context.Context, callID string, status signal.Status, recordingURL string) {
	if c.visits == nil {
		return
	}
	if err := c.visits.RecordEnd(ctx, callID, time.Now(), string(status), recordingURL); err != nil {
		slog.Warn("failed to record visit end", "error", err, slog.String("call_id", callID))
	}
}
