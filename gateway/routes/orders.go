package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"kioskexchange/exchange"
	"kioskexchange/gateway/middleware"
	"kioskexchange/lifecycle"
	"kioskexchange/observability/logging"
	"kioskexchange/oracle"
)

const requestLimit = 1 << 16

type handlers struct {
	sessions      Sessions
	purchases     Purchases
	quotes        Quoter
	validate      *validatorv10.Validate
	webhookSecret string
	logger        *slog.Logger
}

type createSessionRequest struct {
	KioskID    string `json:"kiosk_id" validate:"omitempty,max=64"`
	Asset      string `json:"asset" validate:"required,max=8"`
	FiatAmount string `json:"fiat_amount" validate:"required,numeric"`
}

type createPurchaseRequest struct {
	KioskID        string `json:"kiosk_id" validate:"omitempty,max=64"`
	Asset          string `json:"asset" validate:"required,max=8"`
	FiatAmount     string `json:"fiat_amount" validate:"required,numeric"`
	ReceiveAddress string `json:"receive_address" validate:"omitempty,max=128"`
	FiatMethod     string `json:"fiat_settlement_method" validate:"omitempty,max=32"`
}

type settlementRequest struct {
	Status string `json:"status" validate:"required,max=32"`
}

type addressRequest struct {
	CorrelationID string `json:"correlation_id" validate:"required,max=64"`
	Address       string `json:"address" validate:"required,max=128"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

func (h *handlers) quote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	asset, err := exchange.ParseAsset(query.Get("asset"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount(query.Get("amount"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dir := exchange.DirectionSell
	if raw := query.Get("direction"); raw != "" {
		if dir, err = exchange.ParseDirection(raw); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	q, err := h.quotes.Quote(r.Context(), asset, amount, dir)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newQuoteView(q))
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	asset, err := exchange.ParseAsset(req.Asset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.FiatAmount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.sessions.CreateSession(r.Context(), lifecycle.CreateSessionRequest{
		Identity:   middleware.ClientID(r),
		KioskID:    kioskID(r, req.KioskID),
		Asset:      asset,
		FiatAmount: amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, newSessionView(sess))
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetSessionStatus(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newSessionView(sess))
}

func (h *handlers) createPurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	asset, err := exchange.ParseAsset(req.Asset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.FiatAmount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	method := strings.TrimSpace(req.FiatMethod)
	if method == "" {
		method = "cash"
	}
	purchase, err := h.purchases.CreatePurchase(r.Context(), lifecycle.CreatePurchaseRequest{
		Identity:       middleware.ClientID(r),
		KioskID:        kioskID(r, req.KioskID),
		Asset:          asset,
		FiatAmount:     amount,
		ReceiveAddress: req.ReceiveAddress,
		FiatMethod:     method,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, newPurchaseView(purchase))
}

func (h *handlers) getPurchase(w http.ResponseWriter, r *http.Request) {
	purchase, err := h.purchases.GetPurchaseStatus(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newPurchaseView(purchase))
}

func (h *handlers) confirmCrypto(w http.ResponseWriter, r *http.Request) {
	purchase, err := h.purchases.ConfirmCryptoReceived(r.Context(), chi.URLParam(r, "code"))
	h.respondPurchase(w, r, purchase, err)
}

func (h *handlers) confirmFiat(w http.ResponseWriter, r *http.Request) {
	purchase, err := h.purchases.ConfirmFiatSettlement(r.Context(), chi.URLParam(r, "code"))
	h.respondPurchase(w, r, purchase, err)
}

func (h *handlers) cancelPurchase(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	purchase, err := h.purchases.CancelPurchase(r.Context(), chi.URLParam(r, "code"), req.Reason)
	h.respondPurchase(w, r, purchase, err)
}

func (h *handlers) respondPurchase(w http.ResponseWriter, r *http.Request, purchase *exchange.Purchase, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newPurchaseView(purchase))
}

func (h *handlers) updateSettlement(w http.ResponseWriter, r *http.Request) {
	body, ok := h.signedBody(w, r)
	if !ok {
		return
	}
	var req settlementRequest
	if !h.unmarshal(w, r, body, &req) {
		return
	}
	status, ok := exchange.ParseSettlementStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !ok {
		h.fail(w, r, &exchange.ValidationError{Field: "status", Kind: exchange.ErrValidation, Detail: fmt.Sprintf("unknown settlement status %q", req.Status)})
		return
	}
	sess, err := h.sessions.UpdateSettlementStatus(r.Context(), chi.URLParam(r, "code"), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newSessionView(sess))
}

func (h *handlers) receiveAddress(w http.ResponseWriter, r *http.Request) {
	body, ok := h.signedBody(w, r)
	if !ok {
		return
	}
	var req addressRequest
	if !h.unmarshal(w, r, body, &req) {
		return
	}
	if err := h.purchases.ReceiveAddress(r.Context(), req.CorrelationID, req.Address); err != nil {
		h.logger.Warn("address callback rejected",
			slog.String("correlation_id", req.CorrelationID),
			logging.MaskAddress("address", req.Address),
			slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// signedBody reads the request body and checks its HMAC signature.
func (h *handlers) signedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return nil, false
	}
	if !oracle.VerifySignature(h.webhookSecret, body, r.Header.Get(oracle.SignatureHeader)) {
		h.logger.Warn("callback signature rejected", slog.String("path", r.URL.Path))
		middleware.WriteJSONError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return nil, false
	}
	return body, true
}

// decode reads and validates a JSON body. An empty body is accepted when
// optional is set.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, out any, optional bool) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return false
	}
	if optional && len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	return h.unmarshal(w, r, body, out)
}

func (h *handlers) unmarshal(w http.ResponseWriter, r *http.Request, body []byte, out any) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		middleware.WriteJSONError(w, http.StatusBadRequest, errors.New("request body is empty"))
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	if err := h.validate.Struct(out); err != nil {
		h.fail(w, r, validationError(err))
		return false
	}
	return true
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !isClientError(err) {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	middleware.WriteError(w, err)
}

func isClientError(err error) bool {
	for _, target := range []error{
		exchange.ErrValidation,
		exchange.ErrNotFound,
		exchange.ErrInvalidTransition,
		exchange.ErrVersionConflict,
		exchange.ErrRateLimited,
		exchange.ErrFraudBlocked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// newValidator reports fields by their JSON names.
func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationError(err error) error {
	var fieldErrs validatorv10.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &exchange.ValidationError{
			Field:  fe.Field(),
			Kind:   exchange.ErrValidation,
			Detail: fmt.Sprintf("failed %q", fe.Tag()),
		}
	}
	return &exchange.ValidationError{Field: "body", Kind: exchange.ErrValidation, Detail: err.Error()}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, &exchange.ValidationError{Field: "fiat_amount", Kind: exchange.ErrValidation, Detail: fmt.Sprintf("%q is not a decimal", raw)}
	}
	return amount, nil
}

// kioskID prefers the authenticated kiosk over the one in the body.
func kioskID(r *http.Request, fromBody string) string {
	if id := middleware.KioskID(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(fromBody)
}
