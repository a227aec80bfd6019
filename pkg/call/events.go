package call

import (
	"log/slog"

	"github.com/HMasataka/telecare/payload/signal"
	"github.com/pion/webrtc/v4"
)

// Event is the closed set of outbound signals a call session emits.
type Event interface {
	isEvent()
}

// RemoteStreamReceived fires when the first packet-bearing remote track
// arrives on the connection.
type RemoteStreamReceived struct {
	CallID string
	Track  *webrtc.TrackRemote
}

// ConnectionStateChanged mirrors the underlying connection's state. Mid-call
// failures surface only through this event, never as errors; media may
// already be flowing and a healthy leg must not be crashed.
type ConnectionStateChanged struct {
	CallID   string
	State    webrtc.PeerConnectionState
	ICEState webrtc.ICEConnectionState
}

// IncomingCall fires on the callee side when a pending call is announced.
type IncomingCall struct {
	Record signal.CallRecord
}

// ScreenShareEnded fires when screen sharing stops out-of-band and the
// camera track was restored (or re-acquired).
type ScreenShareEnded struct {
	CallID   string
	Restored bool
}

// QualityChanged fires when the quality monitor's classification moves.
type QualityChanged struct {
	CallID  string
	Quality signal.Quality
}

func (RemoteStreamReceived) isEvent()   {}
func (ConnectionStateChanged) isEvent() {}
func (IncomingCall) isEvent()           {}
func (ScreenShareEnded) isEvent()       {}
func (QualityChanged) isEvent()         {}

// emitter fans events out to a buffered channel without ever blocking the
// negotiation path.
type emitter struct {
	ch chan Event
}

func newEmitter(buffer int) *emitter {
	return &emitter{ch: make(chan Event, buffer)}
}

func (e *emitter) emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		slog.Warn("event channel full; dropping event", slog.String("event", eventName(ev)))
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case RemoteStreamReceived:
		return "remote_stream_received"
	case ConnectionStateChanged:
		return "connection_state_changed"
	case IncomingCall:
		return "incoming_call"
	case ScreenShareEnded:
		return "screen_share_ended"
	case QualityChanged:
		return "quality_changed"
	default:
		return "unknown"
	}
}
