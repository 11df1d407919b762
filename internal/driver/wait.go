package driver

import (
	"context"
	"time"
)

// WaitDriver pauses packet execution: wait.delay with ms or seconds.
// Cancellation cuts the wait short with the context's error.
type WaitDriver struct{}

func NewWaitDriver() *WaitDriver { return &WaitDriver{} }

func (d *WaitDriver) Name() string { return "wait" }

func (d *WaitDriver) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	if method != "delay" {
		return nil, unknownMethod("wait", method)
	}
	duration := time.Duration(intArg(args, "ms", 1000)) * time.Millisecond
	if seconds := intArg(args, "seconds", 0); seconds > 0 {
		duration = time.Duration(seconds) * time.Second
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waited": duration.Milliseconds(), "ok": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
