package candidate

import (
	"strings"

	"github.com/HMasataka/telecare/payload/signal"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// Classify ranks a candidate for processing order. Relay candidates are
// likeliest to succeed across restrictive networks, so they rank first,
// followed by host candidates. Unparseable candidates rank last rather
// than failing; ranking is an ordering hint, not a correctness concern.
func Classify(init webrtc.ICECandidateInit) signal.Priority {
	raw := strings.TrimPrefix(init.Candidate, "candidate:")
	if raw == "" {
		return signal.PriorityOther
	}

	parsed, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return signal.PriorityOther
	}

	switch parsed.Type() {
	case ice.CandidateTypeRelay:
		return signal.PriorityRelay
	case ice.CandidateTypeHost:
		return signal.PriorityHost
	default:
		return signal.PriorityOther
	}
}
