package billing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

// successQuery mirrors the query string providers append to the success URL.
type successQuery struct {
	Gateway          string `query:"gateway" validate:"required,max=32"`
	TransactionID    string `query:"transaction_id" validate:"max=128"`
	PackageName      string `query:"package_name" validate:"max=64"`
	PaymentGatewayID string `query:"payment_gateway_id" validate:"max=64"`
	PendingOrderID   string `query:"pending_order_id" validate:"max=64"`
	Action           string `query:"action" validate:"max=32"`
}

type resultResponse struct {
	Status        subscription.ResultStatus `json:"status"`
	Event         gateway.EventKind         `json:"event,omitempty"`
	TransactionID string                    `json:"transaction_id,omitempty"`
	OrderID       *uuid.UUID                `json:"order_id,omitempty"`
	LicenseID     *uuid.UUID                `json:"license_id,omitempty"`
	Message       string                    `json:"message,omitempty"`
}

func toResultResponse(res subscription.Result) resultResponse {
	out := resultResponse{Status: res.Status, Event: res.Event, TransactionID: res.TransactionID}
	if res.OrderID != uuid.Nil {
		out.OrderID = &res.OrderID
	}
	if res.LicenseID != uuid.Nil {
		out.LicenseID = &res.LicenseID
	}
	return out
}

// success handles the buyer's redirect back from the provider. The signed-in
// user is optional: the orchestrator falls back to the checkout token, the
// email and the pending order.
func (h *Handler) success(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	in := successQuery{
		Gateway:          q.Get("gateway"),
		TransactionID:    q.Get("transaction_id"),
		PackageName:      q.Get("package_name"),
		PaymentGatewayID: q.Get("payment_gateway_id"),
		PendingOrderID:   q.Get("pending_order_id"),
		Action:           q.Get("action"),
	}
	if err := h.validate.StructCtx(ctx, in); err != nil {
		writeError(w, err)
		return
	}

	userID, err := h.resolve(r)
	if err != nil {
		userID = uuid.Nil
	}

	res, err := h.svc.HandleSuccessCallback(ctx, subscription.SuccessCallback{
		Gateway:          in.Gateway,
		TransactionID:    in.TransactionID,
		PackageName:      in.PackageName,
		PaymentGatewayID: in.PaymentGatewayID,
		PendingOrderID:   in.PendingOrderID,
		Action:           in.Action,
		UserID:           userID,
	})
	switch {
	case errors.Is(err, subscription.ErrActivationPending):
		// The payment is safe; tell the buyer instead of failing the page.
		out := resultResponse{Status: subscription.ResultActivationPending, Message: subscription.UserMessage(err)}
		if res != nil {
			out = toResultResponse(*res)
			out.Message = subscription.UserMessage(err)
		}
		writeData(w, http.StatusAccepted, out)
		return
	case err != nil:
		h.logFailure(ctx, "success callback failed", err,
			logger.Gateway(in.Gateway), logger.TransactionID(in.TransactionID))
		writeError(w, err)
		return
	}

	writeData(w, http.StatusOK, toResultResponse(*res))
}

// webhook verifies and applies a provider delivery. A delivery may carry
// several events; each is counted separately.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "gateway")
	label := h.gatewayLabel(name)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.metrics.ObserveWebhook(label, "body_too_large")
		writeError(w, ErrBodyTooLarge)
		return
	}

	results, err := h.svc.HandleWebhook(ctx, name, gateway.WebhookRequest{Header: r.Header.Clone(), Body: body})
	for _, res := range results {
		h.metrics.ObserveWebhook(label, string(res.Status))
	}
	if err != nil {
		_, code := classifyError(err)
		if errors.Is(err, subscription.ErrUnknownGateway) {
			label = "other"
		}
		h.metrics.ObserveWebhook(label, code)
		h.logFailure(ctx, "webhook failed", err, logger.Gateway(name), slog.Int("events", len(results)))
		writeError(w, err)
		return
	}

	out := make([]resultResponse, 0, len(results))
	for _, res := range results {
		out = append(out, toResultResponse(res))
	}
	writeData(w, http.StatusOK, out)
}
