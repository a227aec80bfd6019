package sdputil

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionLevelUfragSDP = `v=0
o=- 123456 2 IN IP4 127.0.0.1
s=-
t=0 0
a=ice-ufrag:sessionFrag
a=ice-pwd:sessionPwd123456789012345
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=rtpmap:111 opus/48000/2
`

const mediaLevelUfragSDP = `v=0
o=- 123456 2 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=ice-ufrag:mediaFrag
a=ice-pwd:mediaPwd12345678901234567
a=rtpmap:111 opus/48000/2
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=rtpmap:96 VP8/90000
`

const noUfragSDP = `v=0
o=- 123456 2 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=rtpmap:111 opus/48000/2
`

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func TestICEUfrag(t *testing.T) {
	t.Run("セッションレベルのufrag", func(t *testing.T) {
		ufrag, err := ICEUfrag(offer(sessionLevelUfragSDP))

		require.NoError(t, err)
		assert.Equal(t, "sessionFrag", ufrag)
	})

	t.Run("メディアレベルのufrag", func(t *testing.T) {
		ufrag, err := ICEUfrag(offer(mediaLevelUfragSDP))

		require.NoError(t, err)
		assert.Equal(t, "mediaFrag", ufrag)
	})

	t.Run("ufragが無い場合はErrNoUfrag", func(t *testing.T) {
		_, err := ICEUfrag(offer(noUfragSDP))

		assert.ErrorIs(t, err, ErrNoUfrag)
	})

	t.Run("不正なSDPはエラー", func(t *testing.T) {
		_, err := ICEUfrag(offer("not an sdp"))

		assert.Error(t, err)
	})
}

func TestHasVideo(t *testing.T) {
	t.Run("videoセクションあり", func(t *testing.T) {
		assert.True(t, HasVideo(offer(mediaLevelUfragSDP)))
	})

	t.Run("audioのみ", func(t *testing.T) {
		assert.False(t, HasVideo(offer(sessionLevelUfragSDP)))
	})

	t.Run("不正なSDP", func(t *testing.T) {
		assert.False(t, HasVideo(offer("not an sdp")))
	})
}
