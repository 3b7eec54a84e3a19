// Package ratelimiter is a token bucket limiter with in-process and Redis
// stores. The billing surface uses it to bound checkout and cancellation
// requests per user, since each one may call a payment provider.
//
//	limiter, err := ratelimiter.New(ratelimiter.NewRedisStore(client, "syntopia:"), cfg)
//	r.With(ratelimiter.Middleware(limiter, keyFn, log)).Post("/checkout", h)
package ratelimiter
