package candidate

import (
	"testing"

	"github.com/HMasataka/telecare/payload/signal"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name      string
		candidate string
		expected  signal.Priority
	}{
		{
			name:      "relay候補",
			candidate: "candidate:3 1 udp 41885439 198.51.100.5 3478 typ relay raddr 203.0.113.10 rport 62000",
			expected:  signal.PriorityRelay,
		},
		{
			name:      "host候補",
			candidate: "candidate:4234997325 1 udp 2043278322 192.168.0.56 44323 typ host",
			expected:  signal.PriorityHost,
		},
		{
			name:      "srflx候補はその他扱い",
			candidate: "candidate:1 1 udp 1694498815 203.0.113.10 62000 typ srflx raddr 0.0.0.0 rport 0",
			expected:  signal.PriorityOther,
		},
		{
			name:      "prefix無しでも解釈できる",
			candidate: "3 1 udp 41885439 198.51.100.5 3478 typ relay raddr 203.0.113.10 rport 62000",
			expected:  signal.PriorityRelay,
		},
		{
			name:      "解析不能な候補はその他扱い",
			candidate: "garbage",
			expected:  signal.PriorityOther,
		},
		{
			name:      "空文字列",
			candidate: "",
			expected:  signal.PriorityOther,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(webrtc.ICECandidateInit{Candidate: tc.candidate})
			assert.Equal(t, tc.expected, got)
		})
	}
}
