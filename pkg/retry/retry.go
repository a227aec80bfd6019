package retry

import (
	"errors"
	"io"
	"math/rand"
	"time"
)

// Config はリトライの設定を保持する
type Config struct {
	Attempts     int
	BaseInterval time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig はデフォルトのリトライ設定を返す
func DefaultConfig() Config {
	return Config{
		Attempts:     4,
		BaseInterval: 20 * time.Millisecond,
		MaxBackoff:   500 * time.Millisecond,
	}
}

// Backoff は指数バックオフ + ジッターを計算する
func Backoff(attempt int, baseInterval, maxBackoff time.Duration) time.Duration {
	d := baseInterval << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	// +/-10% jitter
	jitter := time.Duration(int64(d) * int64(9+rand.Intn(3)) / 10)
	return jitter
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// ShouldRetry はエラーに基づいてリトライすべきか判定する
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return false
	}
	return true
}

// Run はfnをリトライ付きで実行し、最後に観測したエラーを返す
func Run(cfg Config, fn func() error) error {
	var last error

	for i := 0; i < cfg.Attempts; i++ {
		last = fn()
		if !ShouldRetry(last) {
			return unwrapPermanent(last)
		}
		if i < cfg.Attempts-1 {
			time.Sleep(Backoff(i, cfg.BaseInterval, cfg.MaxBackoff))
		}
	}

	return unwrapPermanent(last)
}

func unwrapPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}
