package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/HMasataka/telecare/payload/signal"
	"github.com/sourcegraph/jsonrpc2"
)

func (c *clientSession) Handle(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	switch request.Method {
	case "write":
		c.handleWrite(ctx, conn, request)
	case "read":
		c.handleRead(ctx, conn, request)
	case "append_candidate":
		c.handleAppendCandidate(ctx, conn, request)
	case "candidates":
		c.handleCandidates(ctx, conn, request)
	case "subscribe":
		c.handleSubscribe(ctx, conn, request)
	case "subscribe_candidates":
		c.handleSubscribeCandidates(ctx, conn, request)
	case "unsubscribe":
		c.handleUnsubscribe(ctx, conn, request)
	case "announce":
		c.handleAnnounce(ctx, conn, request)
	case "incoming":
		c.handleIncoming(ctx, conn, request)
	case "watch_incoming":
		c.handleWatchIncoming(ctx, conn, request)
	case "delete":
		c.handleDelete(ctx, conn, request)
	default:
		slog.Warn("unknown method", slog.String("method", request.Method))
	}
}

func decodeParams(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request, out any) bool {
	if request.Params == nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"})
		return false
	}
	if err := json.Unmarshal(*request.Params, out); err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "Invalid params"})
		return false
	}
	return true
}

func replyError(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request, rpcErr *jsonrpc2.Error) {
	if err := conn.ReplyWithError(ctx, request.ID, rpcErr); err != nil {
		slog.Error("failed to send error reply", "error", err, slog.String("method", request.Method))
	}
}

func reply(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request, result any) {
	if err := conn.Reply(ctx, request.ID, result); err != nil {
		slog.Error("failed to send reply", "error", err, slog.String("method", request.Method))
	}
}

func (c *clientSession) handleWrite(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.WriteRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	if err := c.channel.Write(ctx, args.CallID, args.Field, args.Value); err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}
	reply(ctx, conn, request, signal.WriteResponse{})
}

func (c *clientSession) handleRead(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.ReadRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	var value json.RawMessage
	if err := c.channel.ReadOnce(ctx, args.CallID, args.Field, &value); err != nil {
		code := int64(jsonrpc2.CodeInternalError)
		if errors.Is(err, signaling.ErrNotFound) {
			code = signaling.CodeNotFound
		}
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: code, Message: err.Error()})
		return
	}
	reply(ctx, conn, request, signal.ReadResponse{Value: value})
}

func (c *clientSession) handleAppendCandidate(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.AppendCandidateRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	if err := c.channel.AppendCandidate(ctx, args.CallID, args.Field, args.Candidate); err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}
	reply(ctx, conn, request, signal.AppendCandidateResponse{})
}

func (c *clientSession) handleCandidates(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.CandidatesRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	candidates, err := c.channel.Candidates(ctx, args.CallID, args.Field)
	if err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}
	reply(ctx, conn, request, signal.CandidatesResponse{Candidates: candidates})
}

func (c *clientSession) handleSubscribe(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.SubscribeRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	// The subscription outlives this request; notifications ride the
	// connection until unsubscribe or disconnect.
	notifyCtx := context.WithoutCancel(ctx)

	var subID string
	unsub, err := c.channel.Subscribe(ctx, args.CallID, args.Field, func(raw []byte) {
		notify(notifyCtx, conn, "update", signal.UpdateNotification{
			SubscriptionID: subID,
			CallID:         args.CallID,
			Field:          args.Field,
			Value:          raw,
		})
	})
	if err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}

	subID = c.register(unsub)
	reply(ctx, conn, request, signal.SubscribeResponse{SubscriptionID: subID})
}

func (c *clientSession) handleSubscribeCandidates(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.SubscribeRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	notifyCtx := context.WithoutCancel(ctx)

	// Register before subscribing: the channel replays existing candidates
	// immediately, and those notifications need the subscription ID.
	var subID string
	done := make(chan struct{})

	unsub, err := c.channel.SubscribeCandidates(ctx, args.CallID, args.Field, func(cand signal.Candidate) {
		<-done
		notify(notifyCtx, conn, "candidate", signal.CandidateNotification{
			SubscriptionID: subID,
			CallID:         args.CallID,
			Field:          args.Field,
			Candidate:      cand,
		})
	})
	if err != nil {
		close(done)
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}

	subID = c.register(unsub)
	close(done)
	reply(ctx, conn, request, signal.SubscribeResponse{SubscriptionID: subID})
}

func (c *clientSession) handleUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.UnsubscribeRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	c.unregister(args.SubscriptionID)
	reply(ctx, conn, request, signal.UnsubscribeResponse{})
}

func (c *clientSession) handleAnnounce(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.AnnounceRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	if err := c.channel.Announce(ctx, args.Record); err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}
	reply(ctx, conn, request, signal.AnnounceResponse{})
}

func (c *clientSession) handleIncoming(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.IncomingRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	records, err := c.channel.IncomingCalls(ctx, args.UserID)
	if err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}
	reply(ctx, conn, request, signal.IncomingResponse{Records: records})
}

func (c *clientSession) handleWatchIncoming(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.WatchIncomingRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	notifyCtx := context.WithoutCancel(ctx)

	unsub, err := c.channel.SubscribeIncoming(ctx, args.UserID, func(rec signal.CallRecord) {
		notify(notifyCtx, conn, "incoming", signal.IncomingNotification{
			UserID: args.UserID,
			Record: rec,
		})
	})
	if err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}

	subID := c.register(unsub)
	reply(ctx, conn, request, signal.SubscribeResponse{SubscriptionID: subID})
}

func (c *clientSession) handleDelete(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	var args signal.DeleteRequest
	if !decodeParams(ctx, conn, request, &args) {
		return
	}

	if err := c.channel.Delete(ctx, args.CallID); err != nil {
		replyError(ctx, conn, request, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return
	}
	reply(ctx, conn, request, signal.DeleteResponse{})
}
