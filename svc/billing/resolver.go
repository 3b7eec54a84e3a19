package billing

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// UserResolver identifies the signed-in user of a request.
// Returns ErrUnauthenticated when the request carries no identity.
type UserResolver func(r *http.Request) (uuid.UUID, error)

// NewHeaderResolver reads the user id from a header set by an upstream
// authenticating proxy.
func NewHeaderResolver(header string) UserResolver {
	if header == "" {
		panic("billing: empty user header")
	}
	return func(r *http.Request) (uuid.UUID, error) {
		raw := strings.TrimSpace(r.Header.Get(header))
		if raw == "" {
			return uuid.Nil, ErrUnauthenticated
		}
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			return uuid.Nil, errors.Join(ErrUnauthenticated, err)
		}
		return id, nil
	}
}
