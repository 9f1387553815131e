package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttled limits how fast the wrapped Mailer is called. Send blocks until
// a token is available or ctx ends.
type Throttled struct {
	next    Mailer
	limiter *rate.Limiter
}

// NewThrottled allows perMinute sends per minute with no burst.
// perMinute <= 0 disables throttling.
func NewThrottled(next Mailer, perMinute int) *Throttled {
	lim := rate.NewLimiter(rate.Inf, 1)
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return &Throttled{next: next, limiter: lim}
}

func (t *Throttled) Send(ctx context.Context, msg Message) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Send(ctx, msg)
}
