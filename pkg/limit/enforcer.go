// Package limit applies per-user request rate policies.
package limit

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/memelib/memelib/pkg/models"
)

// ErrRateLimited is returned when a request exceeds a rate policy.
var ErrRateLimited = errors.New("rate limit exceeded")

const defaultMaxUsers = 10000

// Enforcer checks requests against rate policies. Limiters are kept per
// policy and user in an LRU so idle users do not accumulate.
type Enforcer struct {
	policies []models.LimitPolicy
	limiters *lru.Cache[string, *rate.Limiter]
	now      func() time.Time
}

// New creates an Enforcer with the given policies.
func New(policies []models.LimitPolicy) (*Enforcer, error) {
	for i, p := range policies {
		if p.RequestsPerSecond <= 0 || p.Burst <= 0 {
			return nil, fmt.Errorf("limit policy %d: requests_per_second and burst must be positive", i)
		}
	}
	c, err := lru.New[string, *rate.Limiter](defaultMaxUsers)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &Enforcer{policies: policies, limiters: c, now: time.Now}, nil
}

// Check returns ErrRateLimited if userID has exhausted any policy matching route.
// No token is consumed when the request is rejected.
func (e *Enforcer) Check(userID, route string) error {
	if e == nil {
		return nil
	}
	now := e.now()
	var reserved []*rate.Reservation
	for i, p := range e.policies {
		if !matches(p, userID, route) {
			continue
		}
		r := e.limiter(i, p, userID).ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, prev := range reserved {
				prev.CancelAt(now)
			}
			return ErrRateLimited
		}
		reserved = append(reserved, r)
	}
	return nil
}

// Status returns the remaining tokens for userID across all policies that apply to it.
func (e *Enforcer) Status(userID string) []models.LimitStatus {
	if e == nil {
		return nil
	}
	now := e.now()
	var out []models.LimitStatus
	for i, p := range e.policies {
		if p.UserID != "*" && p.UserID != userID {
			continue
		}
		out = append(out, models.LimitStatus{
			Policy: p,
			Tokens: e.limiter(i, p, userID).TokensAt(now),
		})
	}
	return out
}

func (e *Enforcer) limiter(idx int, p models.LimitPolicy, userID string) *rate.Limiter {
	key := fmt.Sprintf("%d|%s", idx, userID)
	if l, ok := e.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.RequestsPerSecond), p.Burst)
	e.limiters.Add(key, l)
	return l
}

func matches(p models.LimitPolicy, userID, route string) bool {
	if p.UserID != "*" && p.UserID != userID {
		return false
	}
	return p.Route == "" || p.Route == route
}
