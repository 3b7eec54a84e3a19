package billing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

// Response is the JSON envelope of every endpoint.
type Response struct {
	Data  any          `json:"data,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the buyer-facing error. Message never leaks internal causes.
type ErrorDetail struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	detail := &ErrorDetail{Code: code, Message: subscription.UserMessage(err)}

	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		detail.Message = "request validation failed"
		detail.Details = make(map[string][]string, len(verrs))
		for _, fe := range verrs {
			detail.Details[fe.Field()] = append(detail.Details[fe.Field()], fe.Tag())
		}
	case errors.Is(err, ErrUnauthenticated):
		detail.Message = "sign in required"
	case errors.Is(err, ErrBodyTooLarge):
		detail.Message = "request body too large"
	case errors.Is(err, ErrInvalidBody):
		detail.Message = "malformed request body"
	}
	writeJSON(w, status, Response{Error: detail})
}

// classifyError maps an error to its HTTP status and stable error code.
func classifyError(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, ErrInvalidBody), errors.Is(err, subscription.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, subscription.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, subscription.ErrActivationPending):
		return http.StatusServiceUnavailable, "activation_pending"
	case errors.Is(err, subscription.ErrProviderUnreachable):
		return http.StatusServiceUnavailable, "provider_unreachable"
	case errors.Is(err, subscription.ErrInventoryUnavailable), errors.Is(err, subscription.ErrPlanMismatch):
		return http.StatusServiceUnavailable, "inventory_unavailable"
	case errors.Is(err, subscription.ErrTenantMissing):
		return http.StatusConflict, "tenant_missing"
	case errors.Is(err, subscription.ErrPlanChangeRestricted):
		return http.StatusConflict, "plan_change_restricted"
	case errors.Is(err, subscription.ErrNoActiveSubscription):
		return http.StatusNotFound, "no_active_subscription"
	case errors.Is(err, subscription.ErrPackageNotFound):
		return http.StatusNotFound, "package_not_found"
	case errors.Is(err, subscription.ErrUnknownGateway):
		return http.StatusNotFound, "unknown_gateway"
	case errors.Is(err, gateway.ErrProductNotConfigured):
		return http.StatusUnprocessableEntity, "product_not_configured"
	case errors.Is(err, subscription.ErrUnresolvedUser):
		return http.StatusNotFound, "unresolved_user"
	case errors.Is(err, subscription.ErrExternalBindFailed):
		return http.StatusBadGateway, "bind_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}
