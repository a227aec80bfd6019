package call

import "errors"

var (
	// ErrCallInProgress is returned when StartCall or AnswerCall is invoked
	// on a controller that already owns a live session.
	ErrCallInProgress = errors.New("call already in progress on this controller")
	// ErrNoActiveCall is returned by operations that require a live session.
	ErrNoActiveCall = errors.New("no active call")
	// ErrInvalidState is returned when an operation is not legal from the
	// engine's current state.
	ErrInvalidState = errors.New("operation not valid in current call state")
	// ErrNoOffer is returned when answering a call whose offer never arrived.
	ErrNoOffer = errors.New("no offer present on the signaling channel")
	// ErrMediaUnavailable is returned when audio acquisition fails; video
	// failures fall back to audio-only and are not fatal.
	ErrMediaUnavailable = errors.New("no usable audio device")
	// ErrScreenShareActive is returned when enabling screen share twice.
	ErrScreenShareActive = errors.New("screen share already active")
)
