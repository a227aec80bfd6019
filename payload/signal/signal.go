package signal

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Status は呼び出しのライフサイクル状態を表す。
// シグナリングチャネル上では両ピアが同じstatusフィールドを共有する。
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnecting   Status = "connecting"
	StatusActive       Status = "active"
	StatusReconnecting Status = "reconnecting"
	StatusEnded        Status = "ended"
	StatusRejected     Status = "rejected"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status ends the call for both peers.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Role determines which side creates the offer and which candidate
// sub-channel the peer writes to. It is assigned at call creation and
// carried through reconnects, never re-derived from peer IDs.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CandidateField returns the candidate sub-channel this role writes to.
func (r Role) CandidateField() string {
	if r == RoleCaller {
		return FieldCallerCandidates
	}
	return FieldCalleeCandidates
}

// RemoteCandidateField returns the candidate sub-channel this role reads from.
func (r Role) RemoteCandidateField() string {
	if r == RoleCaller {
		return FieldCalleeCandidates
	}
	return FieldCallerCandidates
}

// Channel field names under a call record. Single-value fields are
// last-write-wins; candidate fields are append-only.
const (
	FieldMeta               = "meta"
	FieldOffer              = "offer"
	FieldAnswer             = "answer"
	FieldStatus             = "status"
	FieldHasRemoteTracks    = "has_remote_tracks"
	FieldConnectionState    = "connection_state"
	FieldICEConnectionState = "ice_connection_state"
	FieldConnectionQuality  = "connection_quality"
	FieldCallerCandidates   = "caller_candidates"
	FieldCalleeCandidates   = "callee_candidates"
)

// CallRecord is the shared per-call metadata written once by the caller.
type CallRecord struct {
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	AudioOnly bool      `json:"audio_only"`
	Status    Status    `json:"status"`
	Created   time.Time `json:"created"`
}

// Description is a session description as carried on the wire.
type Description struct {
	Type       string    `json:"type"`
	SDP        string    `json:"sdp"`
	CreatorID  string    `json:"creator_id"`
	ReceiverID string    `json:"receiver_id"`
	Created    time.Time `json:"created"`
}

// NewDescription wraps a webrtc session description for the channel.
func NewDescription(sd webrtc.SessionDescription, creatorID, receiverID string) Description {
	return Description{
		Type:       sd.Type.String(),
		SDP:        sd.SDP,
		CreatorID:  creatorID,
		ReceiverID: receiverID,
		Created:    time.Now(),
	}
}

// SessionDescription converts the wire shape back to the webrtc type.
func (d Description) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

// Priority ranks candidates for processing order only; it never affects
// protocol correctness. Lower values are applied first.
type Priority int

const (
	PriorityRelay Priority = iota
	PriorityHost
	PriorityOther
)

// Candidate is a single connectivity candidate as carried on the wire.
// Written once by its originating peer; read-only to the remote peer.
type Candidate struct {
	Candidate        string    `json:"candidate"`
	SDPMid           *string   `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16   `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string   `json:"username_fragment,omitempty"`
	Priority         Priority  `json:"priority"`
	Created          time.Time `json:"created"`
}

// NewCandidate tags an ICE candidate with its processing priority.
func NewCandidate(init webrtc.ICECandidateInit, priority Priority) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
		Priority:         priority,
		Created:          time.Now(),
	}
}

// Init converts the wire shape back to the webrtc type.
func (c Candidate) Init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Quality is the connection quality classification published by the monitor.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)
