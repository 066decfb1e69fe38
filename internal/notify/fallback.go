package notify

import (
	"context"
	"errors"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// Fallback delivers through each channel in order and stops at the first
// success. It fails only when every channel fails.
type Fallback []insights.Channel

// Deliver implements insights.Channel.
func (f Fallback) Deliver(ctx context.Context, msg insights.Message) error {
	var errs []error
	for _, ch := range f {
		if ch == nil {
			continue
		}
		err := ch.Deliver(ctx, msg)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return insights.ErrChannelMissing
	}
	return errors.Join(errs...)
}
