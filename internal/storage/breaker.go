package storage

import (
	"context"
	"errors"
	"time"

	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/logger"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerUploader fails fast while the wrapped backend keeps failing.
type BreakerUploader struct {
	next Uploader
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerUploader(name string, next Uploader, cfg config.BreakerConfig) *BreakerUploader {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}

	st := gobreaker.Settings{
		Name:        "storage-" + name,
		MaxRequests: maxRequests,
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消不算后端故障
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.L.Warn("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &BreakerUploader{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerUploader) Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Upload(ctx, name, data, mimeType)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Unwrap returns the backend behind the breaker.
func (b *BreakerUploader) Unwrap() Uploader {
	return b.next
}

func (b *BreakerUploader) State() gobreaker.State {
	return b.cb.State()
}
