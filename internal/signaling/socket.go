package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HMasataka/telecare/payload/signal"
	"github.com/HMasataka/telecare/pkg/retry"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
)

// CodeNotFound is the JSON-RPC error code the broker uses for a field that
// was never written.
const CodeNotFound = -32004

type SocketChannelOptions struct {
	URL              string
	HandshakeTimeout time.Duration
	Retry            retry.Config
}

func DefaultSocketChannelOptions() SocketChannelOptions {
	return SocketChannelOptions{
		URL:              "ws://localhost:8080/ws",
		HandshakeTimeout: 10 * time.Second,
		Retry:            retry.DefaultConfig(),
	}
}

// SocketChannel relays channel operations to the broker over a websocket
// JSON-RPC connection. Broker pushes (field updates, candidates, incoming
// calls) arrive as notifications and are dispatched to the local
// subscription callbacks by subscription ID.
type SocketChannel struct {
	opts SocketChannelOptions
	ws   *websocket.Conn
	conn *jsonrpc2.Conn

	mu           sync.Mutex
	fieldSubs    map[string]func([]byte)
	candSubs     map[string]func(signal.Candidate)
	incomingSubs map[string]func(signal.CallRecord)
	// unclaimed holds candidate notifications that arrived before the
	// subscribe reply registered their callback, which can happen because
	// the broker replays existing candidates immediately.
	unclaimed map[string][]signal.Candidate
}

var _ Channel = (*SocketChannel)(nil)

// DialSocketChannel connects to the broker and starts the notification
// dispatcher.
func DialSocketChannel(ctx context.Context, opts SocketChannelOptions) (*SocketChannel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	s := &SocketChannel{
		opts:         opts,
		ws:           ws,
		fieldSubs:    make(map[string]func([]byte)),
		candSubs:     make(map[string]func(signal.Candidate)),
		incomingSubs: make(map[string]func(signal.CallRecord)),
		unclaimed:    make(map[string][]signal.Candidate),
	}

	s.conn = jsonrpc2.NewConn(
		context.WithoutCancel(ctx),
		websocketjsonrpc2.NewObjectStream(ws),
		jsonrpc2.AsyncHandler(s),
	)
	return s, nil
}

// Handle dispatches broker notifications. Requests are never expected from
// the broker side.
func (s *SocketChannel) Handle(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	switch request.Method {
	case "update":
		var n signal.UpdateNotification
		if err := unmarshalParams(request, &n); err != nil {
			return
		}
		s.mu.Lock()
		fn := s.fieldSubs[n.SubscriptionID]
		s.mu.Unlock()
		if fn != nil {
			fn(n.Value)
		}
	case "candidate":
		var n signal.CandidateNotification
		if err := unmarshalParams(request, &n); err != nil {
			return
		}
		s.mu.Lock()
		fn := s.candSubs[n.SubscriptionID]
		if fn == nil {
			s.unclaimed[n.SubscriptionID] = append(s.unclaimed[n.SubscriptionID], n.Candidate)
		}
		s.mu.Unlock()
		if fn != nil {
			fn(n.Candidate)
		}
	case "incoming":
		var n signal.IncomingNotification
		if err := unmarshalParams(request, &n); err != nil {
			return
		}
		s.mu.Lock()
		fns := make([]func(signal.CallRecord), 0, len(s.incomingSubs))
		for _, fn := range s.incomingSubs {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(n.Record)
		}
	default:
		slog.Debug("unknown notification", slog.String("method", request.Method))
	}
}

func unmarshalParams(request *jsonrpc2.Request, out any) error {
	if request.Params == nil {
		return errors.New("missing params")
	}
	return json.Unmarshal(*request.Params, out)
}

func (s *SocketChannel) Write(ctx context.Context, callID, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	req := signal.WriteRequest{CallID: callID, Field: field, Value: raw}
	return retry.Run(s.opts.Retry, func() error {
		var resp signal.WriteResponse
		return s.conn.Call(ctx, "write", req, &resp)
	})
}

func (s *SocketChannel) ReadOnce(ctx context.Context, callID, field string, out any) error {
	var resp signal.ReadResponse
	err := s.conn.Call(ctx, "read", signal.ReadRequest{CallID: callID, Field: field}, &resp)
	if err != nil {
		var rpcErr *jsonrpc2.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == CodeNotFound {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(resp.Value, out)
}

func (s *SocketChannel) Subscribe(ctx context.Context, callID, field string, fn func(raw []byte)) (Unsubscribe, error) {
	var resp signal.SubscribeResponse
	req := signal.SubscribeRequest{CallID: callID, Field: field}
	if err := s.conn.Call(ctx, "subscribe", req, &resp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.fieldSubs[resp.SubscriptionID] = fn
	s.mu.Unlock()

	return s.unsubscriber(resp.SubscriptionID), nil
}

func (s *SocketChannel) AppendCandidate(ctx context.Context, callID, field string, c signal.Candidate) error {
	req := signal.AppendCandidateRequest{CallID: callID, Field: field, Candidate: c}
	return retry.Run(s.opts.Retry, func() error {
		var resp signal.AppendCandidateResponse
		return s.conn.Call(ctx, "append_candidate", req, &resp)
	})
}

func (s *SocketChannel) Candidates(ctx context.Context, callID, field string) ([]signal.Candidate, error) {
	var resp signal.CandidatesResponse
	req := signal.CandidatesRequest{CallID: callID, Field: field}
	if err := s.conn.Call(ctx, "candidates", req, &resp); err != nil {
		return nil, err
	}
	return resp.Candidates, nil
}

func (s *SocketChannel) SubscribeCandidates(ctx context.Context, callID, field string, fn func(signal.Candidate)) (Unsubscribe, error) {
	var resp signal.SubscribeResponse
	req := signal.SubscribeRequest{CallID: callID, Field: field}

	if err := s.conn.Call(ctx, "subscribe_candidates", req, &resp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.candSubs[resp.SubscriptionID] = fn
	replay := s.unclaimed[resp.SubscriptionID]
	delete(s.unclaimed, resp.SubscriptionID)
	s.mu.Unlock()

	for _, c := range replay {
		fn(c)
	}

	return s.unsubscriber(resp.SubscriptionID), nil
}

func (s *SocketChannel) Announce(ctx context.Context, rec signal.CallRecord) error {
	return retry.Run(s.opts.Retry, func() error {
		var resp signal.AnnounceResponse
		return s.conn.Call(ctx, "announce", signal.AnnounceRequest{Record: rec}, &resp)
	})
}

func (s *SocketChannel) IncomingCalls(ctx context.Context, userID string) ([]signal.CallRecord, error) {
	var resp signal.IncomingResponse
	if err := s.conn.Call(ctx, "incoming", signal.IncomingRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (s *SocketChannel) SubscribeIncoming(ctx context.Context, userID string, fn func(signal.CallRecord)) (Unsubscribe, error) {
	var resp signal.SubscribeResponse
	req := signal.WatchIncomingRequest{UserID: userID}
	if err := s.conn.Call(ctx, "watch_incoming", req, &resp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.incomingSubs[resp.SubscriptionID] = fn
	s.mu.Unlock()

	id := resp.SubscriptionID
	return func() {
		s.mu.Lock()
		delete(s.incomingSubs, id)
		s.mu.Unlock()
		s.remoteUnsubscribe(id)
	}, nil
}

func (s *SocketChannel) Delete(ctx context.Context, callID string) error {
	var resp signal.DeleteResponse
	return s.conn.Call(ctx, "delete", signal.DeleteRequest{CallID: callID}, &resp)
}

func (s *SocketChannel) unsubscriber(id string) Unsubscribe {
	return func() {
		s.mu.Lock()
		delete(s.fieldSubs, id)
		delete(s.candSubs, id)
		delete(s.unclaimed, id)
		s.mu.Unlock()
		s.remoteUnsubscribe(id)
	}
}

func (s *SocketChannel) remoteUnsubscribe(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp signal.UnsubscribeResponse
	if err := s.conn.Call(ctx, "unsubscribe", signal.UnsubscribeRequest{SubscriptionID: id}, &resp); err != nil {
		slog.Debug("failed to unsubscribe", "error", err, slog.String("subscription_id", id))
	}
}

// Close tears down the JSON-RPC connection and the underlying socket.
func (s *SocketChannel) Close() error {
	return s.conn.Close()
}
