package call

import (
	"fmt"
	"os"
	"time"

	"github.com/HMasataka/telecare/pkg/candidate"
	"github.com/pelletier/go-toml/v2"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	ICEServers  []ICEServerConfig `toml:"iceserver"`
	Timeouts    TimeoutConfig     `toml:"timeouts"`
	Candidates  CandidateConfig   `toml:"candidates"`
	Quality     QualityConfig     `toml:"quality"`
	// MaxRestarts bounds ICE-restart retries before the call is declared
	// failed.
	MaxRestarts int `toml:"max_restarts"`
	// EventBuffer is the outbound event channel depth.
	EventBuffer int `toml:"event_buffer"`
	// DumpSDP enables on-disk SDP dumps for negotiation debugging.
	DumpSDP bool `toml:"dump_sdp"`
}

type ICEServerConfig struct {
	URLs       []string `toml:"urls"`
	Username   string   `toml:"username"`
	Credential string   `toml:"credential"`
}

type TimeoutConfig struct {
	// EstablishSeconds is how long a negotiation round may sit in
	// offering/answering/checking before an ICE restart is triggered.
	EstablishSeconds int `toml:"establish"`
	// ICEDisconnectedSeconds / ICEFailedSeconds / ICEKeepaliveSeconds are
	// forwarded to the ICE agent.
	ICEDisconnectedSeconds int `toml:"disconnected"`
	ICEFailedSeconds       int `toml:"failed"`
	ICEKeepaliveSeconds    int `toml:"keepalive"`
}

type CandidateConfig struct {
	// EmitCap bounds candidates written to the channel per session.
	EmitCap int `toml:"emit_cap"`
	// BufferCap bounds candidates held before the remote description is set.
	BufferCap int `toml:"buffer_cap"`
	// PacingMillis is the outbound flush interval.
	PacingMillis int `toml:"pacing"`
	// BatchSize / BatchYieldMillis shape the drain batches.
	BatchSize        int `toml:"batch_size"`
	BatchYieldMillis int `toml:"batch_yield"`
}

type QualityConfig struct {
	IntervalSeconds    int     `toml:"interval"`
	MaxDurationSeconds int     `toml:"max_duration"`
	PoorPacketLoss     float64 `toml:"poor_packet_loss"`
	FairPacketLoss     float64 `toml:"fair_packet_loss"`
	PoorJitterMillis   int     `toml:"poor_jitter"`
	FairJitterMillis   int     `toml:"fair_jitter"`
	PoorRTTMillis      int     `toml:"poor_rtt"`
	FairRTTMillis      int     `toml:"fair_rtt"`
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []ICEServerConfig{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Timeouts: TimeoutConfig{
			EstablishSeconds:       10,
			ICEDisconnectedSeconds: 5,
			ICEFailedSeconds:       25,
			ICEKeepaliveSeconds:    2,
		},
		Candidates: CandidateConfig{
			EmitCap:          50,
			BufferCap:        50,
			PacingMillis:     250,
			BatchSize:        8,
			BatchYieldMillis: 10,
		},
		Quality: QualityConfig{
			IntervalSeconds:    5,
			MaxDurationSeconds: 300,
			PoorPacketLoss:     0.10,
			FairPacketLoss:     0.03,
			PoorJitterMillis:   50,
			FairJitterMillis:   30,
			PoorRTTMillis:      300,
			FairRTTMillis:      150,
		},
		MaxRestarts: 3,
		EventBuffer: 32,
	}
}

// LoadConfig reads a TOML config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) establishTimeout() time.Duration {
	return time.Duration(c.Timeouts.EstablishSeconds) * time.Second
}

func (c Config) pacingInterval() time.Duration {
	return time.Duration(c.Candidates.PacingMillis) * time.Millisecond
}

func (c Config) bufferOptions() candidate.BufferOptions {
	return candidate.BufferOptions{
		Cap:        c.Candidates.BufferCap,
		BatchSize:  c.Candidates.BatchSize,
		BatchYield: time.Duration(c.Candidates.BatchYieldMillis) * time.Millisecond,
	}
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}

	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}
