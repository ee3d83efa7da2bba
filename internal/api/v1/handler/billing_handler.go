package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// BillingHandler handles billing and entitlement endpoints.
type BillingHandler struct {
	stripeSvc  *service.StripeService
	billingSvc service.BillingService
	validate   *validator.Validate
	logger     zerolog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(stripeSvc *service.StripeService, billingSvc service.BillingService, v *validator.Validate, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{stripeSvc: stripeSvc, billingSvc: billingSvc, validate: v, logger: logger}
}

// RegisterRoutes registers the billing endpoints. The webhook endpoint is
// deliberately outside the auth middleware: signature verification is its
// authentication.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("/billing/checkout", authMiddleware(http.HandlerFunc(h.Checkout)))
	mux.Handle("/billing/subscription", authMiddleware(http.HandlerFunc(h.GetSubscription)))
	mux.Handle("/billing/cancel", authMiddleware(http.HandlerFunc(h.Cancel)))
	mux.Handle("/billing/entitlements", authMiddleware(http.HandlerFunc(h.Entitlements)))
	mux.Handle("/billing/portal", authMiddleware(http.HandlerFunc(h.Portal)))
	mux.Handle("/billing/webhook", http.HandlerFunc(h.stripeSvc.HandleWebhook))
}

// Checkout godoc
// @Summary Initiate a Stripe Checkout session
// @Description Creates a Checkout session for the given price id and returns the session credentials.
// @Tags billing
// @Accept json
// @Produce json
// @Param checkout body dto.CheckoutRequest true "Checkout request"
// @Success 200 {object} dto.CheckoutResponse
// @Failure 400 {string} string "invalid request payload"
// @Failure 401 {string} string "unauthorized"
// @Failure 404 {string} string "user not found"
// @Failure 500 {string} string "failed to create checkout session"
// @Router /billing/checkout [post]
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := h.stripeSvc.CreateCheckoutSession(r.Context(), userID, req.PriceID)
	if err != nil {
		h.writeError(w, err, "failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckoutResponse{
		SessionID:    sess.SessionID,
		ClientSecret: sess.ClientSecret,
		CustomerID:   sess.CustomerID,
		EphemeralKey: sess.EphemeralKey,
	})
}

// GetSubscription godoc
// @Summary Get the stored subscription state for the authenticated user
// @Tags billing
// @Produce json
// @Success 200 {object} dto.SubscriptionResponse
// @Failure 401 {string} string "unauthorized"
// @Failure 404 {string} string "billing record not found"
// @Router /billing/subscription [get]
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rec, err := h.billingSvc.GetCurrentSubscription(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "failed to fetch subscription")
		return
	}
	writeJSON(w, http.StatusOK, dto.SubscriptionResponse{
		Plan:              rec.Plan,
		Status:            rec.Status,
		CurrentPeriodEnd:  rec.CurrentPeriodEnd,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		Features:          rec.Features,
		Usage:             rec.Usage,
	})
}

// Cancel godoc
// @Summary Schedule a subscription cancellation at period end
// @Description The plan is unchanged until Stripe sends subscription.deleted.
// @Tags billing
// @Accept json
// @Produce json
// @Param cancel body dto.CancelRequest true "Cancel request"
// @Success 200 {object} dto.CancelResponse
// @Failure 400 {string} string "invalid request payload"
// @Failure 401 {string} string "unauthorized"
// @Router /billing/cancel [post]
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	sub, err := h.stripeSvc.CancelSubscription(r.Context(), userID, req.SubscriptionID)
	if err != nil {
		h.writeError(w, err, "failed to cancel subscription")
		return
	}
	writeJSON(w, http.StatusOK, dto.CancelResponse{
		Success:      true,
		Subscription: sub.ID,
		Status:       string(sub.Status),
	})
}

// Entitlements godoc
// @Summary Get the effective entitlements for the authenticated user
// @Description Returns the plan/features/limits valid right now; a lapsed paid plan reads as free.
// @Tags billing
// @Produce json
// @Success 200 {object} dto.EntitlementsResponse
// @Failure 401 {string} string "unauthorized"
// @Failure 404 {string} string "billing record not found"
// @Router /billing/entitlements [get]
func (h *BillingHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ent, err := h.billingSvc.ValidateEntitlements(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "failed to validate entitlements")
		return
	}
	writeJSON(w, http.StatusOK, dto.EntitlementsResponse{
		Plan:     ent.Plan,
		Status:   ent.Status,
		Features: ent.Features,
		Limits:   ent.Limits,
		Usage:    ent.Usage,
	})
}

// Portal godoc
// @Summary Create a Stripe Customer Portal session
// @Tags billing
// @Produce json
// @Success 200 {object} map[string]string "URL of the Customer Portal session"
// @Failure 401 {string} string "unauthorized"
// @Failure 404 {string} string "no stripe customer for user"
// @Router /billing/portal [get]
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	url, err := h.stripeSvc.CreatePortalSession(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "failed to create portal session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// writeError maps service errors onto the response taxonomy without
// leaking provider-specific error shapes.
func (h *BillingHandler) writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrBillingNotFound),
		errors.Is(err, service.ErrNoStripeCustomer):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error().Err(err).Msg(fallback)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
