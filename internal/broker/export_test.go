package broker

import (
	"context"
	"time"
)

// SetSleep replaces the reconnect wait so tests can observe delays
// without sleeping.
func (c *Consumer) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}
