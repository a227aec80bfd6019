package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/HMasataka/telecare/payload/signal"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestChannel(t *testing.T) *signaling.SocketChannel {
	t.Helper()

	server := NewServer()
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)

	opts := signaling.DefaultSocketChannelOptions()
	opts.URL = "ws" + strings.TrimPrefix(ts.URL, "http")

	ch, err := signaling.DialSocketChannel(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestBroker_Fields(t *testing.T) {
	ctx := context.Background()

	t.Run("writeとreadのラウンドトリップ", func(t *testing.T) {
		ch := dialTestChannel(t)

		require.NoError(t, ch.Write(ctx, "call-1", signal.FieldStatus, signal.StatusConnecting))

		var status signal.Status
		require.NoError(t, ch.ReadOnce(ctx, "call-1", signal.FieldStatus, &status))
		assert.Equal(t, signal.StatusConnecting, status)
	})

	t.Run("未書き込みのフィールドはErrNotFound", func(t *testing.T) {
		ch := dialTestChannel(t)

		var status signal.Status
		err := ch.ReadOnce(ctx, "call-1", signal.FieldStatus, &status)
		assert.ErrorIs(t, err, signaling.ErrNotFound)
	})

	t.Run("subscribeで更新が配信される", func(t *testing.T) {
		ch := dialTestChannel(t)

		received := make(chan []byte, 4)
		unsub, err := ch.Subscribe(ctx, "call-1", signal.FieldStatus, func(raw []byte) {
			received <- raw
		})
		require.NoError(t, err)
		defer unsub()

		require.NoError(t, ch.Write(ctx, "call-1", signal.FieldStatus, signal.StatusActive))

		select {
		case raw := <-received:
			assert.JSONEq(t, `"active"`, string(raw))
		case <-time.After(2 * time.Second):
			t.Fatal("no update notification")
		}
	})
}

func TestBroker_Candidates(t *testing.T) {
	ctx := context.Background()

	candidate := signal.NewCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.168.0.1 1 typ host"}, signal.PriorityHost)

	t.Run("追記した候補を列挙できる", func(t *testing.T) {
		ch := dialTestChannel(t)

		require.NoError(t, ch.AppendCandidate(ctx, "call-1", signal.FieldCallerCandidates, candidate))

		candidates, err := ch.Candidates(ctx, "call-1", signal.FieldCallerCandidates)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, candidate.Candidate, candidates[0].Candidate)
	})

	t.Run("購読で既存候補の再生と新規の配信を受ける", func(t *testing.T) {
		ch := dialTestChannel(t)

		require.NoError(t, ch.AppendCandidate(ctx, "call-1", signal.FieldCallerCandidates, candidate))

		received := make(chan signal.Candidate, 4)
		unsub, err := ch.SubscribeCandidates(ctx, "call-1", signal.FieldCallerCandidates, func(c signal.Candidate) {
			received <- c
		})
		require.NoError(t, err)
		defer unsub()

		require.NoError(t, ch.AppendCandidate(ctx, "call-1", signal.FieldCallerCandidates, candidate))

		for i := 0; i < 2; i++ {
			select {
			case <-received:
			case <-time.After(2 * time.Second):
				t.Fatalf("missing candidate delivery %d", i)
			}
		}
	})
}

func TestBroker_Incoming(t *testing.T) {
	ctx := context.Background()

	record := signal.CallRecord{
		CallID:   "call-1",
		CallerID: "doctor",
		CalleeID: "patient",
		Status:   signal.StatusPending,
		Created:  time.Now(),
	}

	t.Run("announceが着信一覧とwatcherの両方に届く", func(t *testing.T) {
		ch := dialTestChannel(t)

		received := make(chan signal.CallRecord, 1)
		unsub, err := ch.SubscribeIncoming(ctx, "patient", func(rec signal.CallRecord) {
			received <- rec
		})
		require.NoError(t, err)
		defer unsub()

		require.NoError(t, ch.Announce(ctx, record))

		select {
		case rec := <-received:
			assert.Equal(t, "call-1", rec.CallID)
		case <-time.After(2 * time.Second):
			t.Fatal("no incoming notification")
		}

		records, err := ch.IncomingCalls(ctx, "patient")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "call-1", records[0].CallID)
	})

	t.Run("deleteで通話が消える", func(t *testing.T) {
		ch := dialTestChannel(t)

		require.NoError(t, ch.Announce(ctx, record))
		require.NoError(t, ch.Delete(ctx, "call-1"))

		var meta signal.CallRecord
		assert.ErrorIs(t, ch.ReadOnce(ctx, "call-1", signal.FieldMeta, &meta), signaling.ErrNotFound)
	})
}
