package billing

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

type checkoutRequest struct {
	Package string `json:"package" validate:"required,max=64"`
	Gateway string `json:"gateway" validate:"omitempty,max=32,alphanum"`
}

type checkoutResponse struct {
	URL           string     `json:"url,omitempty"`
	OrderID       uuid.UUID  `json:"order_id"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Gateway       string     `json:"gateway,omitempty"`
	Free          bool       `json:"free,omitempty"`
	LicenseID     *uuid.UUID `json:"license_id,omitempty"`
}

type downgradeResponse struct {
	OrderID       uuid.UUID `json:"order_id"`
	EffectiveDate time.Time `json:"effective_date"`
	Immediate     bool      `json:"immediate"`
	Applied       bool      `json:"applied"`
	Note          string    `json:"note,omitempty"`
	CheckoutURL   string    `json:"checkout_url,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type cancelResponse struct {
	OrderID          uuid.UUID            `json:"order_id"`
	Status           ledger.LicenseStatus `json:"status"`
	AccessUntil      *time.Time           `json:"access_until,omitempty"`
	AlreadyCancelled bool                 `json:"already_cancelled,omitempty"`
}

// checkout serves new purchases and upgrades; both return a redirect URL
// or, for free packages, the activated license.
func (h *Handler) checkout(kind string) http.HandlerFunc {
	create := h.svc.CreateCheckout
	if kind == KindUpgrade {
		create = h.svc.CreateUpgradeCheckout
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID, err := h.resolve(r)
		if err != nil {
			writeError(w, err)
			return
		}

		var req checkoutRequest
		if err := h.decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}

		res, err := create(ctx, subscription.CheckoutInput{
			UserID:  userID,
			Package: req.Package,
			Gateway: req.Gateway,
		})
		if err != nil {
			_, code := classifyError(err)
			h.metrics.ObserveCheckout(h.gatewayLabel(req.Gateway), kind, code)
			h.logFailure(ctx, "checkout failed", err,
				logger.UserID(userID), logger.Package(req.Package), logger.Gateway(req.Gateway), logger.Action(kind))
			writeError(w, err)
			return
		}

		outcome := "redirect"
		if res.Free {
			outcome = "free"
		}
		h.metrics.ObserveCheckout(h.gatewayLabel(res.Gateway), kind, outcome)

		out := checkoutResponse{
			URL:           res.URL,
			OrderID:       res.OrderID,
			TransactionID: res.TransactionID,
			Gateway:       res.Gateway,
			Free:          res.Free,
		}
		if res.License != nil {
			out.LicenseID = &res.License.ID
		}
		writeData(w, http.StatusOK, out)
	}
}

func (h *Handler) downgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := h.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req checkoutRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.CreateDowngradeCheckout(ctx, subscription.CheckoutInput{
		UserID:  userID,
		Package: req.Package,
		Gateway: req.Gateway,
	})
	if err != nil {
		_, code := classifyError(err)
		h.metrics.ObserveCheckout(h.gatewayLabel(req.Gateway), KindDowngrade, code)
		h.logFailure(ctx, "downgrade failed", err,
			logger.UserID(userID), logger.Package(req.Package), logger.Action(KindDowngrade))
		writeError(w, err)
		return
	}

	outcome := "scheduled"
	if res.Applied {
		outcome = "applied"
	}
	h.metrics.ObserveCheckout(h.gatewayLabel(req.Gateway), KindDowngrade, outcome)

	writeData(w, http.StatusOK, downgradeResponse{
		OrderID:       res.OrderID,
		EffectiveDate: res.EffectiveDate,
		Immediate:     res.Immediate,
		Applied:       res.Applied,
		Note:          res.Note,
		CheckoutURL:   res.CheckoutURL,
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := h.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req cancelRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.CancelSubscription(ctx, subscription.CancelInput{UserID: userID, Reason: req.Reason})
	if err != nil {
		h.logFailure(ctx, "cancellation failed", err, logger.UserID(userID))
		writeError(w, err)
		return
	}

	out := cancelResponse{
		OrderID:          res.OrderID,
		Status:           res.Status,
		AlreadyCancelled: res.AlreadyCancelled,
	}
	if !res.AccessUntil.IsZero() {
		out.AccessUntil = &res.AccessUntil
	}
	writeData(w, http.StatusOK, out)
}
