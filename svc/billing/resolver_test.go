package billing_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/dev-geek/syntopia-v1-sub001/svc/billing"
)

func TestHeaderResolver(t *testing.T) {
	t.Parallel()

	resolve := billing.NewHeaderResolver("X-User-ID")
	tests := []struct {
		name  string
		value string
		want  uuid.UUID
		err   error
	}{
		{"valid", userID.String(), userID, nil},
		{"missing", "", uuid.Nil, billing.ErrUnauthenticated},
		{"malformed", "not-a-uuid", uuid.Nil, billing.ErrUnauthenticated},
		{"nil uuid", uuid.Nil.String(), uuid.Nil, billing.ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.value != "" {
				req.Header.Set("X-User-ID", tt.value)
			}
			got, err := resolve(req)
			assert.Equal(t, tt.want, got)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
