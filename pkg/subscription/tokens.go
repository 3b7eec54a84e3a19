package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/cache"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/token"
)

// TokenStore issues short-lived checkout tokens that travel through the
// provider and back, so a callback can be matched to the buyer even when
// the provider drops every other identifier.
type TokenStore interface {
	Issue(ctx context.Context, userID uuid.UUID) (string, error)
	// Lookup returns ok=false for unknown or expired tokens.
	Lookup(ctx context.Context, token string) (uuid.UUID, bool, error)
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type memoryTokenStore struct {
	lru *cache.LRUCache[string, uuid.UUID]
}

// NewMemoryTokenStore keeps up to capacity tokens in process for ttl.
func NewMemoryTokenStore(capacity int, ttl time.Duration) TokenStore {
	return &memoryTokenStore{lru: cache.NewTTLCache[string, uuid.UUID](capacity, ttl)}
}

func (s *memoryTokenStore) Issue(_ context.Context, userID uuid.UUID) (string, error) {
	t := newToken()
	s.lru.Put(t, userID)
	return t, nil
}

func (s *memoryTokenStore) Lookup(_ context.Context, t string) (uuid.UUID, bool, error) {
	id, ok := s.lru.Get(t)
	return id, ok, nil
}

type redisTokenStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisTokenStore shares tokens between instances under
// prefix+"checkout_token:".
func NewRedisTokenStore(client redis.UniversalClient, prefix string, ttl time.Duration) TokenStore {
	if client == nil {
		panic("subscription: redis client is required")
	}
	return &redisTokenStore{client: client, prefix: prefix + "checkout_token:", ttl: ttl}
}

func (s *redisTokenStore) Issue(ctx context.Context, userID uuid.UUID) (string, error) {
	t := newToken()
	if err := s.client.Set(ctx, s.prefix+t, userID.String(), s.ttl).Err(); err != nil {
		return "", err
	}
	return t, nil
}

func (s *redisTokenStore) Lookup(ctx context.Context, t string) (uuid.UUID, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+t).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

type tokenPayload struct {
	UserID string `json:"uid"`
}

type signedTokenStore struct {
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedTokenStore issues stateless signed tokens carrying the user id.
// Nothing is stored, so it works across instances without Redis.
func NewSignedTokenStore(secret string, ttl time.Duration) TokenStore {
	if secret == "" {
		panic("subscription: token secret is required")
	}
	return &signedTokenStore{secret: secret, ttl: ttl, now: time.Now}
}

func (s *signedTokenStore) Issue(_ context.Context, userID uuid.UUID) (string, error) {
	var exp time.Time
	if s.ttl > 0 {
		exp = s.now().Add(s.ttl)
	}
	return token.Sign(tokenPayload{UserID: userID.String()}, s.secret, exp)
}

func (s *signedTokenStore) Lookup(_ context.Context, t string) (uuid.UUID, bool, error) {
	p, err := token.Verify[tokenPayload](t, s.secret, s.now())
	if err != nil {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(p.UserID)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}
