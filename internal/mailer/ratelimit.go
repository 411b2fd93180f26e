package mailer

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimitedSender throttles Send to the provider's per-second quota.
type RateLimitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimitedSender allows perSecond sends per second with a burst of the
// same size. A non-positive rate disables throttling.
func NewRateLimitedSender(next Sender, perSecond float64) *RateLimitedSender {
	if perSecond <= 0 {
		return &RateLimitedSender{next: next, limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	burst := int(math.Max(1, math.Floor(perSecond)))
	return &RateLimitedSender{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *RateLimitedSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return s.next.Send(ctx, msg)
}

var _ Sender = (*RateLimitedSender)(nil)
