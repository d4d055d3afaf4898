package mock

import (
	"context"

	"github.com/stanford-rc/hsm-action-stream"
)

var _ hsmstream.StreamClient = (*StreamClient)(nil)

type StreamClient struct {
	PingFunc       func(ctx context.Context) error
	AppendFunc     func(ctx context.Context, key string, payloads [][]byte) ([]string, error)
	RangeFunc      func(ctx context.Context, key, from, to string, count int) ([]hsmstream.StreamEntry, error)
	ScanKeysFunc   func(ctx context.Context, pattern string) ([]string, error)
	TrimMinIDFunc  func(ctx context.Context, key, minID string, chunk int) (int64, error)
	TrimMaxLenFunc func(ctx context.Context, key string, maxLen int) (int64, error)
	RetryFunc      func(ctx context.Context, op string, fn func() error) error
}

func (c *StreamClient) Ping(ctx context.Context) error {
	return c.PingFunc(ctx)
}

func (c *StreamClient) Append(ctx context.Context, key string, payloads [][]byte) ([]string, error) {
	return c.AppendFunc(ctx, key, payloads)
}

func (c *StreamClient) Range(ctx context.Context, key, from, to string, count int) ([]hsmstream.StreamEntry, error) {
	return c.RangeFunc(ctx, key, from, to, count)
}

func (c *StreamClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	return c.ScanKeysFunc(ctx, pattern)
}

func (c *StreamClient) TrimMinID(ctx context.Context, key, minID string, chunk int) (int64, error) {
	return c.TrimMinIDFunc(ctx, key, minID, chunk)
}

func (c *StreamClient) TrimMaxLen(ctx context.Context, key string, maxLen int) (int64, error) {
	return c.TrimMaxLenFunc(ctx, key, maxLen)
}

// Retry runs fn once when RetryFunc is unset, mirroring a client whose
// first attempt succeeds.
func (c *StreamClient) Retry(ctx context.Context, op string, fn func() error) error {
	if c.RetryFunc != nil {
		return c.RetryFunc(ctx, op, fn)
	}
	return fn()
}
