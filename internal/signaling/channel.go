package signaling

import (
	"context"
	"errors"

	"github.com/HMasataka/telecare/payload/signal"
)

// Channelは通話ごとの共有ドキュメントを抽象化した双方向メッセージバスです。
// 単一値フィールドはlast-write-wins、candidateサブチャネルはappend-onlyです。
// 複数フィールドの書き込みはアトミックに観測されることを保証しません。
//
//go:generate mockgen -source channel.go -destination mock/channel.go
type Channel interface {
	// Write sets a single-value field under the call record. Last write wins.
	Write(ctx context.Context, callID, field string, value any) error

	// ReadOnce reads the current value of a single-value field into out.
	// Returns ErrNotFound when the field has never been written.
	ReadOnce(ctx context.Context, callID, field string, out any) error

	// Subscribe delivers every subsequent write to the field. Delivery is
	// at-least-once for subscribers active at write time; values written
	// before subscribing are not replayed.
	Subscribe(ctx context.Context, callID, field string, fn func(raw []byte)) (Unsubscribe, error)

	// AppendCandidate appends to a candidate sub-channel.
	AppendCandidate(ctx context.Context, callID, field string, c signal.Candidate) error

	// Candidates reads all candidates appended to the sub-channel so far.
	Candidates(ctx context.Context, callID, field string) ([]signal.Candidate, error)

	// SubscribeCandidates replays candidates already appended and then
	// delivers each subsequent append. No ordering is guaranteed between
	// batches; consumers must treat candidates as a set.
	SubscribeCandidates(ctx context.Context, callID, field string, fn func(signal.Candidate)) (Unsubscribe, error)

	// Announce publishes the call record and indexes it for the callee so
	// incoming-call lookups and watches can find it.
	Announce(ctx context.Context, rec signal.CallRecord) error

	// IncomingCalls lists announced calls addressed to the user that are
	// still pending.
	IncomingCalls(ctx context.Context, userID string) ([]signal.CallRecord, error)

	// SubscribeIncoming delivers call records announced for the user.
	SubscribeIncoming(ctx context.Context, userID string, fn func(signal.CallRecord)) (Unsubscribe, error)

	// Delete removes every entry under the call record.
	Delete(ctx context.Context, callID string) error
}

// Unsubscribe detaches a subscription. Safe to call more than once.
type Unsubscribe func()

var (
	ErrNotFound = errors.New("signaling: value not found")
	ErrClosed   = errors.New("signaling: channel closed")
)
