package sdputil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrNoUfrag = errors.New("sdputil: no ice-ufrag attribute found")

// ICEUfrag extracts the ICE username fragment from a session description.
// The ufrag changes on every ICE restart, which makes it a reliable marker
// for telling negotiation rounds apart when the signaling channel still
// holds descriptions from a prior round.
func ICEUfrag(sd webrtc.SessionDescription) (string, error) {
	parsed := sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return "", fmt.Errorf("failed to parse sdp: %w", err)
	}

	if ufrag, ok := parsed.Attribute("ice-ufrag"); ok {
		return ufrag, nil
	}

	for _, media := range parsed.MediaDescriptions {
		if ufrag, ok := media.Attribute("ice-ufrag"); ok {
			return ufrag, nil
		}
	}

	return "", ErrNoUfrag
}

// HasVideo reports whether the description negotiates a video section.
func HasVideo(sd webrtc.SessionDescription) bool {
	parsed := sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return false
	}

	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media == "video" {
			return true
		}
	}
	return false
}

// SaveAndLogSDP writes the SDP to a file and logs the negotiation-round
// markers (ice-ufrag, media sections). It is intended to be called right
// before SetRemoteDescription so you can verify what the peer proposed.
func SaveAndLogSDP(label string, sd webrtc.SessionDescription) {
	dir := "sdp_dumps"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create sdp dump dir", "error", err, "dir", dir)
		return
	}

	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, label)

	ts := time.Now().Format("20060102-150405.000")
	fname := fmt.Sprintf("%s_%s_%s.sdp", ts, sanitized, strings.ToLower(sd.Type.String()))
	path := filepath.Join(dir, fname)

	if err := os.WriteFile(path, []byte(sd.SDP), 0o644); err != nil {
		slog.Error("failed to write sdp dump", "error", err, "path", path)
		return
	}

	ufrag, _ := ICEUfrag(sd)

	slog.Info("SDP dump saved",
		slog.String("path", path),
		slog.String("label", label),
		slog.String("type", sd.Type.String()),
		slog.String("ice_ufrag", ufrag),
		slog.Bool("has_video", HasVideo(sd)),
	)
}
