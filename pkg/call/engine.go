package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/HMasataka/telecare/payload/signal"
	"github.com/HMasataka/telecare/pkg/candidate"
	"github.com/HMasataka/telecare/pkg/sdputil"
	"github.com/bep/debounce"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	diagnosticWriteTimeout = 2 * time.Second
	keyframeInterval       = 3 * time.Second
)

// Engineはofferとanswerの交換を駆動する通話状態機械です。
// 1つのEngineは1つのPeerConnectionと1つのネゴシエーションラウンド列を所有します。
// candidateの到着順には一切依存せず、description到着のみがdrainの契機になります。
type Engine struct {
	mu sync.Mutex

	cfg     Config
	channel signaling.Channel
	pc      *webrtc.PeerConnection
	record  signal.CallRecord
	role    signal.Role

	state    State
	restarts int

	// Round tracking. remoteApplied guards against a description being
	// applied twice within one round; staleUfrags holds the remote ufrags
	// of superseded rounds so a late answer from a prior round is ignored.
	remoteApplied bool
	remoteUfrag   string
	staleUfrags   map[string]struct{}

	buffer   *candidate.Buffer
	gatherer *Gatherer
	events   *emitter

	negotiate      func()
	establishTimer *time.Timer
	unsubs         []signaling.Unsubscribe

	hasRemoteTracks atomic.Bool
	closed          atomic.Bool

	// onConnected and onTerminate are controller hooks; both may be nil.
	onConnected func()
	onTerminate func(status signal.Status)
}

func NewEngine(cfg Config, channel signaling.Channel, pc *webrtc.PeerConnection, record signal.CallRecord, role signal.Role, events *emitter) *Engine {
	e := &Engine{
		cfg:         cfg,
		channel:     channel,
		pc:          pc,
		record:      record,
		role:        role,
		state:       StateIdle,
		staleUfrags: make(map[string]struct{}),
		buffer:      candidate.NewBuffer(pc, cfg.bufferOptions()),
		gatherer:    NewGatherer(channel, record.CallID, role, cfg.Candidates.EmitCap, cfg.pacingInterval()),
		events:      events,
	}

	debounced := debounce.New(250 * time.Millisecond)
	e.negotiate = func() {
		debounced(func() {
			e.handleNegotiationNeeded()
		})
	}

	return e
}

// State returns the current negotiation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HasRemoteTracks reports whether a remote track has arrived.
func (e *Engine) HasRemoteTracks() bool {
	return e.hasRemoteTracks.Load()
}

// Start wires the connection callbacks and channel subscriptions. It must
// be called exactly once, before StartOffer or ReceiveOffer.
func (e *Engine) Start(ctx context.Context) error {
	e.pc.OnICECandidate(e.gatherer.Handle)

	e.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		slog.Debug("ice connection state changed",
			slog.String("call_id", e.record.CallID), slog.String("state", state.String()))
		e.writeDiagnostic(signal.FieldICEConnectionState, state.String())

		switch state {
		case webrtc.ICEConnectionStateConnected:
			e.handleConnected()
		case webrtc.ICEConnectionStateFailed:
			// Diagnostics only. The establishment timeout owns retries, and
			// a failure after media has flowed must not crash the call leg.
			slog.Warn("ice connection failed", slog.String("call_id", e.record.CallID))
		}
	})

	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.writeDiagnostic(signal.FieldConnectionState, state.String())
		e.events.emit(ConnectionStateChanged{
			CallID:   e.record.CallID,
			State:    state,
			ICEState: e.pc.ICEConnectionState(),
		})
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.handleTrack(track)
	})

	e.pc.OnNegotiationNeeded(e.negotiate)

	if err := e.subscribe(ctx); err != nil {
		return err
	}

	e.gatherer.Start(ctx)
	return nil
}

func (e *Engine) subscribe(ctx context.Context) error {
	unsub, err := e.channel.SubscribeCandidates(ctx, e.record.CallID, e.role.RemoteCandidateField(), func(c signal.Candidate) {
		if !e.buffer.Enqueue(c) {
			slog.Debug("remote candidate refused", slog.String("call_id", e.record.CallID))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to remote candidates: %w", err)
	}
	e.unsubs = append(e.unsubs, unsub)

	unsub, err = e.channel.Subscribe(ctx, e.record.CallID, signal.FieldStatus, func(raw []byte) {
		var status signal.Status
		if err := json.Unmarshal(raw, &status); err != nil {
			return
		}
		if status.Terminal() {
			e.handleRemoteTerminal(status)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status: %w", err)
	}
	e.unsubs = append(e.unsubs, unsub)

	switch e.role {
	case signal.RoleCaller:
		unsub, err = e.channel.Subscribe(ctx, e.record.CallID, signal.FieldAnswer, func(raw []byte) {
			desc, ok := decodeDescription(raw)
			if !ok {
				return
			}
			if err := e.ReceiveAnswer(context.Background(), desc); err != nil {
				slog.Warn("failed to apply answer", "error", err, slog.String("call_id", e.record.CallID))
			}
		})
	case signal.RoleCallee:
		unsub, err = e.channel.Subscribe(ctx, e.record.CallID, signal.FieldOffer, func(raw []byte) {
			desc, ok := decodeDescription(raw)
			if !ok {
				return
			}
			if err := e.ReceiveOffer(context.Background(), desc); err != nil {
				slog.Warn("failed to apply offer", "error", err, slog.String("call_id", e.record.CallID))
			}
		})
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to remote description: %w", err)
	}
	e.unsubs = append(e.unsubs, unsub)

	return nil
}

// decodeDescription filters out cleared fields ("null" writes) and garbage.
func decodeDescription(raw []byte) (signal.Description, bool) {
	var desc signal.Description
	if err := json.Unmarshal(raw, &desc); err != nil {
		return signal.Description{}, false
	}
	if desc.SDP == "" {
		return signal.Description{}, false
	}
	return desc, true
}

// StartOffer creates and publishes the initial offer. Valid only from idle,
// and only on the caller side.
func (e *Engine) StartOffer(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != signal.RoleCaller {
		return fmt.Errorf("%w: only the caller creates the offer", ErrInvalidState)
	}
	if e.state != StateIdle {
		return fmt.Errorf("%w: start offer from %s", ErrInvalidState, e.state)
	}

	if err := e.createAndSendOffer(ctx, false); err != nil {
		return err
	}

	e.transition(StateOffering)
	e.armEstablishTimer()
	return nil
}

// createAndSendOffer runs one offer round. Callers hold e.mu.
func (e *Engine) createAndSendOffer(ctx context.Context, iceRestart bool) error {
	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	if e.cfg.DumpSDP {
		sdputil.SaveAndLogSDP("offer-out", offer)
	}

	// A new offer opens a new round: the previous remote description no
	// longer applies.
	e.remoteApplied = false

	desc := signal.NewDescription(offer, e.record.CallerID, e.record.CalleeID)
	if err := e.channel.Write(ctx, e.record.CallID, signal.FieldOffer, desc); err != nil {
		return fmt.Errorf("failed to publish offer: %w", err)
	}
	return nil
}

// ReceiveOffer applies a remote offer and publishes the answer. Valid only
// on the callee side. A re-delivery of the current round's offer is a no-op;
// an offer with a fresh ufrag supersedes the current round (ICE restart).
func (e *Engine) ReceiveOffer(ctx context.Context, desc signal.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveOfferLocked(ctx, desc, false)
}

func (e *Engine) receiveOfferLocked(ctx context.Context, desc signal.Description, force bool) error {
	if e.role != signal.RoleCallee {
		return fmt.Errorf("%w: only the callee applies offers", ErrInvalidState)
	}
	if e.state.Terminal() {
		return fmt.Errorf("%w: offer received in %s", ErrInvalidState, e.state)
	}

	sd := desc.SessionDescription()
	ufrag, err := sdputil.ICEUfrag(sd)
	if err != nil {
		slog.Warn("offer without readable ufrag", "error", err, slog.String("call_id", e.record.CallID))
	}

	if e.remoteApplied && ufrag == e.remoteUfrag && !force {
		return nil
	}

	if e.cfg.DumpSDP {
		sdputil.SaveAndLogSDP("offer-in", sd)
	}

	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	if e.remoteUfrag != "" && e.remoteUfrag != ufrag {
		e.staleUfrags[e.remoteUfrag] = struct{}{}
	}
	e.remoteApplied = true
	e.remoteUfrag = ufrag

	e.buffer.Drain()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	out := signal.NewDescription(answer, e.record.CalleeID, e.record.CallerID)
	if err := e.channel.Write(ctx, e.record.CallID, signal.FieldAnswer, out); err != nil {
		return fmt.Errorf("failed to publish answer: %w", err)
	}

	if e.state == StateIdle || e.state == StateReconnecting {
		e.transition(StateAnswering)
	}
	e.transition(StateChecking)
	e.armEstablishTimer()
	return nil
}

// ReceiveAnswer applies the remote answer. Valid only from offering and only
// once per round; a second delivery of the same answer, or a stale answer
// from a superseded round, is a no-op.
func (e *Engine) ReceiveAnswer(ctx context.Context, desc signal.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != signal.RoleCaller {
		return fmt.Errorf("%w: only the caller applies answers", ErrInvalidState)
	}
	if e.remoteApplied {
		return nil
	}
	if e.state != StateOffering {
		return fmt.Errorf("%w: answer received in %s", ErrInvalidState, e.state)
	}

	sd := desc.SessionDescription()
	ufrag, err := sdputil.ICEUfrag(sd)
	if err != nil {
		slog.Warn("answer without readable ufrag", "error", err, slog.String("call_id", e.record.CallID))
	}
	if _, stale := e.staleUfrags[ufrag]; stale {
		slog.Debug("ignoring answer from superseded round", slog.String("call_id", e.record.CallID))
		return nil
	}

	if e.cfg.DumpSDP {
		sdputil.SaveAndLogSDP("answer-in", sd)
	}

	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	e.remoteApplied = true
	e.remoteUfrag = ufrag

	e.buffer.Drain()
	e.transition(StateChecking)
	return nil
}

// Restart runs one renegotiation round (ICE restart). The caller writes a
// fresh offer after clearing the stale answer; the callee re-applies the
// still-present offer and re-answers. Role comes from the session record,
// never re-derived from peer IDs.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restartLocked(ctx)
}

func (e *Engine) restartLocked(ctx context.Context) error {
	if e.state.Terminal() {
		return fmt.Errorf("%w: restart from %s", ErrInvalidState, e.state)
	}

	e.transition(StateReconnecting)
	if err := e.channel.Write(ctx, e.record.CallID, signal.FieldStatus, signal.StatusReconnecting); err != nil {
		slog.Warn("failed to publish reconnecting status", "error", err, slog.String("call_id", e.record.CallID))
	}

	switch e.role {
	case signal.RoleCaller:
		// The prior round's remote description is now superseded; a late
		// answer carrying its ufrag must not be applied to the new offer.
		if e.remoteUfrag != "" {
			e.staleUfrags[e.remoteUfrag] = struct{}{}
		}

		// Clear the stale answer before writing the restart offer so the
		// channel never pairs the new offer with the old answer.
		if err := e.channel.Write(ctx, e.record.CallID, signal.FieldAnswer, nil); err != nil {
			slog.Warn("failed to clear stale answer", "error", err, slog.String("call_id", e.record.CallID))
		}

		if err := e.createAndSendOffer(ctx, true); err != nil {
			return err
		}
		e.transition(StateOffering)

	case signal.RoleCallee:
		var desc signal.Description
		if err := e.channel.ReadOnce(ctx, e.record.CallID, signal.FieldOffer, &desc); err != nil {
			if err == signaling.ErrNotFound {
				return ErrNoOffer
			}
			return fmt.Errorf("failed to re-read offer: %w", err)
		}
		if desc.SDP == "" {
			return ErrNoOffer
		}
		return e.receiveOfferLocked(ctx, desc, true)
	}

	e.armEstablishTimer()
	return nil
}

func (e *Engine) handleConnected() {
	e.mu.Lock()

	if e.state.Terminal() || e.state == StateConnected {
		e.mu.Unlock()
		return
	}

	e.cancelEstablishTimer()
	e.restarts = 0
	e.transition(StateConnected)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), diagnosticWriteTimeout)
	defer cancel()

	e.gatherer.StopPacing(ctx)

	if err := e.channel.Write(ctx, e.record.CallID, signal.FieldStatus, signal.StatusActive); err != nil {
		slog.Warn("failed to publish active status", "error", err, slog.String("call_id", e.record.CallID))
	}

	if e.onConnected != nil {
		e.onConnected()
	}
}

// handleNegotiationNeeded covers mid-call renegotiation. Track swaps use
// ReplaceTrack and never arrive here; establishment rounds are driven
// explicitly, so only a connected caller reacts.
func (e *Engine) handleNegotiationNeeded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != signal.RoleCaller || e.state != StateConnected {
		return
	}

	slog.Info("renegotiation needed", slog.String("call_id", e.record.CallID))

	ctx, cancel := context.WithTimeout(context.Background(), diagnosticWriteTimeout)
	defer cancel()

	if err := e.restartLocked(ctx); err != nil {
		slog.Warn("failed to renegotiate", "error", err, slog.String("call_id", e.record.CallID))
	}
}

func (e *Engine) armEstablishTimer() {
	e.cancelEstablishTimer()
	e.establishTimer = time.AfterFunc(e.cfg.establishTimeout(), e.onEstablishTimeout)
}

func (e *Engine) cancelEstablishTimer() {
	if e.establishTimer != nil {
		e.establishTimer.Stop()
		e.establishTimer = nil
	}
}

// onEstablishTimeout fires when a negotiation round stalls. The response is
// an ICE restart, not a failure: the retry budget decides when to give up.
func (e *Engine) onEstablishTimeout() {
	e.mu.Lock()

	if !e.state.Establishing() {
		e.mu.Unlock()
		return
	}

	e.restarts++
	if e.restarts > e.cfg.MaxRestarts {
		e.failLocked("negotiation timed out")
		e.mu.Unlock()
		return
	}

	slog.Info("negotiation stalled; restarting ice",
		slog.String("call_id", e.record.CallID),
		slog.Int("attempt", e.restarts),
		slog.Int("budget", e.cfg.MaxRestarts))

	ctx, cancel := context.WithTimeout(context.Background(), diagnosticWriteTimeout)
	defer cancel()

	if err := e.restartLocked(ctx); err != nil {
		slog.Warn("ice restart failed", "error", err, slog.String("call_id", e.record.CallID))
	}
	e.mu.Unlock()
}

// failLocked declares the call failed. Callers hold e.mu.
func (e *Engine) failLocked(reason string) {
	slog.Error("call failed", slog.String("call_id", e.record.CallID), slog.String("reason", reason))
	e.cancelEstablishTimer()
	e.state = StateFailed

	ctx, cancel := context.WithTimeout(context.Background(), diagnosticWriteTimeout)
	defer cancel()

	if err := e.channel.Write(ctx, e.record.CallID, signal.FieldStatus, signal.StatusFailed); err != nil {
		slog.Warn("failed to publish failed status", "error", err, slog.String("call_id", e.record.CallID))
	}

	e.events.emit(ConnectionStateChanged{
		CallID:   e.record.CallID,
		State:    e.pc.ConnectionState(),
		ICEState: e.pc.ICEConnectionState(),
	})
}

// handleRemoteTerminal reacts to the peer writing a terminal status. The
// local side tears down without writing a duplicate terminal status.
func (e *Engine) handleRemoteTerminal(status signal.Status) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.cancelEstablishTimer()
	switch status {
	case signal.StatusRejected:
		e.state = StateRejected
	default:
		e.state = StateEnded
	}
	onTerminate := e.onTerminate
	e.mu.Unlock()

	slog.Info("call terminated by peer",
		slog.String("call_id", e.record.CallID), slog.String("status", string(status)))

	if onTerminate != nil {
		// Teardown re-enters the engine; never run it under e.mu.
		go onTerminate(status)
	}
}

func (e *Engine) handleTrack(track *webrtc.TrackRemote) {
	first := !e.hasRemoteTracks.Swap(true)
	if first {
		e.writeDiagnostic(signal.FieldHasRemoteTracks, true)
	}

	slog.Info("remote track received",
		slog.String("call_id", e.record.CallID),
		slog.String("kind", track.Kind().String()),
		slog.String("track_id", track.ID()))

	e.events.emit(RemoteStreamReceived{CallID: e.record.CallID, Track: track})

	go e.pumpTrack(track)
}

// pumpTrack drains the remote track and, for video, periodically requests a
// keyframe so late joins and restarts recover quickly.
func (e *Engine) pumpTrack(track *webrtc.TrackRemote) {
	var stopKeyframes chan struct{}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		stopKeyframes = make(chan struct{})
		go func() {
			ticker := time.NewTicker(keyframeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopKeyframes:
					return
				case <-ticker.C:
					err := e.pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
					if err != nil {
						return
					}
				}
			}
		}()
	}

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	var received uint64
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			break
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		received++
	}
	if stopKeyframes != nil {
		close(stopKeyframes)
	}

	slog.Debug("remote track closed",
		slog.String("call_id", e.record.CallID),
		slog.String("kind", track.Kind().String()),
		slog.Uint64("packets", received))
}

// transition moves the state machine, logging illegal jumps instead of
// panicking; the channel may deliver surprises and the call must survive.
func (e *Engine) transition(next State) {
	if e.state == next {
		return
	}
	if !e.state.CanTransition(next) {
		slog.Warn("unexpected state transition",
			slog.String("call_id", e.record.CallID),
			slog.String("from", e.state.String()),
			slog.String("to", next.String()))
	}
	e.state = next
}

func (e *Engine) writeDiagnostic(field string, value any) {
	// Connection callbacks keep firing after teardown has deleted the call
	// record; a write here would recreate it.
	if e.closed.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), diagnosticWriteTimeout)
	defer cancel()

	if err := e.channel.Write(ctx, e.record.CallID, field, value); err != nil {
		slog.Debug("failed to write diagnostic", "error", err, slog.String("field", field))
	}
}

// Close cancels timers and subscriptions and stops the candidate machinery.
// Safe to call more than once; every sub-step is independently guarded.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}

	e.mu.Lock()
	e.cancelEstablishTimer()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	e.gatherer.Close()
	e.buffer.Close()
}
