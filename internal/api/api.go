// Package api exposes the market over HTTP with gin.
//
// Routes:
//
//	GET    /healthz
//	POST   /profiles                  {"owner", "name", "description"}
//	GET    /profiles/:id
//	POST   /items                     {"owner", terms...}
//	GET    /items
//	GET    /items/:id
//	PATCH  /items/:id                 {"caller", changed terms...}
//	GET    /items/:id/rate
//	POST   /items/:id/streams         {"buyer", "rate"?, "token"?}
//	GET    /items/:id/streams/:buyer
//	PUT    /items/:id/streams/:buyer  {"rate"} (always refused)
//	DELETE /items/:id/streams/:buyer
//	GET    /items/:id/units/:unit/uri
//	POST   /items/:id/claim           {"buyer"}
//	POST   /items/:id/withdraw        {"caller", "to"?, "token"?}
//	POST   /tokens/:token/mint        {"to", "amount"}
//	GET    /tokens/:token/balances/:account
//	POST   /upkeep/check              -> {"needed": bool, "work": base64}
//	POST   /upkeep/perform            {"work": base64} -> upkeep.Report
//
// Stream routes take the item's payment token unless the body names another.
// Errors carry {"error": message, "code": item error code}.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/roach88/streamsale/internal/flow"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/item"
	"github.com/roach88/streamsale/internal/market"
	"github.com/roach88/streamsale/internal/registry"
	"github.com/roach88/streamsale/internal/upkeep"
)

// Service is the part of market.Market the HTTP surface uses.
type Service interface {
	Signup(ctx context.Context, owner ir.AccountID, name, description string) (ir.AccountID, error)
	Profile(ctx context.Context, id ir.AccountID) (registry.Profile, bool, error)
	CreateItem(ctx context.Context, owner ir.AccountID, terms ir.Terms) (ir.ItemID, error)
	PatchItem(ctx context.Context, id ir.ItemID, caller ir.AccountID, patch func(*item.Update)) error
	OpenStream(ctx context.Context, token ir.TokenID, buyer ir.AccountID, id ir.ItemID, rate decimal.Decimal) error
	UpdateStream(ctx context.Context, token ir.TokenID, buyer ir.AccountID, id ir.ItemID, rate decimal.Decimal) error
	CloseStream(ctx context.Context, token ir.TokenID, buyer ir.AccountID, id ir.ItemID) error
	Withdraw(ctx context.Context, id ir.ItemID, caller, to ir.AccountID, token ir.TokenID) (decimal.Decimal, error)
	Mint(ctx context.Context, token ir.TokenID, to ir.AccountID, amount decimal.Decimal) error
	Balance(ctx context.Context, token ir.TokenID, account ir.AccountID) (decimal.Decimal, error)
	Items(ctx context.Context) ([]item.Details, error)
	Details(ctx context.Context, id ir.ItemID) (item.Details, error)
	RequiredRate(ctx context.Context, id ir.ItemID) (decimal.Decimal, error)
	TotalPaid(ctx context.Context, id ir.ItemID, buyer ir.AccountID) (decimal.Decimal, error)
	URI(ctx context.Context, id ir.ItemID, unit ir.UnitID) (string, error)
	Claim(ctx context.Context, id ir.ItemID, buyer ir.AccountID) (ir.UnitID, error)
	CheckReadiness(ctx context.Context) (bool, []byte, error)
	PerformWork(ctx context.Context, work []byte) (upkeep.Report, error)
}

var _ Service = (*market.Market)(nil)

// SignupRequest is the body of POST /profiles.
type SignupRequest struct {
	Owner       ir.AccountID `json:"owner" binding:"required"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
}

// CreateItemRequest is the body of POST /items. The item is created by the
// registry on behalf of owner's profile.
type CreateItemRequest struct {
	Owner       ir.AccountID `json:"owner" binding:"required"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Price       int64        `json:"price"`
	Token       ir.TokenID   `json:"token"`
	TotalUnits  int64        `json:"total_units"`
	EndsAt      int64        `json:"ends_at"`
	URI         string       `json:"uri"`
}

// PatchItemRequest is the body of PATCH /items/:id. Absent fields keep
// their current value.
type PatchItemRequest struct {
	Caller      ir.AccountID `json:"caller" binding:"required"`
	Title       *string      `json:"title"`
	Description *string      `json:"description"`
	Price       *int64       `json:"price"`
	Token       *ir.TokenID  `json:"token"`
	EndsAt      *int64       `json:"ends_at"`
	URI         *string      `json:"uri"`
}

func (r PatchItemRequest) apply(u *item.Update) {
	if r.Title != nil {
		u.Title = *r.Title
	}
	if r.Description != nil {
		u.Description = *r.Description
	}
	if r.Price != nil {
		u.Price = *r.Price
	}
	if r.Token != nil {
		u.Token = *r.Token
	}
	if r.EndsAt != nil {
		u.EndsAt = *r.EndsAt
	}
	if r.URI != nil {
		u.URI = *r.URI
	}
}

// OpenStreamRequest is the body of POST /items/:id/streams. A missing rate
// means the item's current required rate.
type OpenStreamRequest struct {
	Buyer ir.AccountID     `json:"buyer" binding:"required"`
	Rate  *decimal.Decimal `json:"rate"`
	Token ir.TokenID       `json:"token"`
}

// UpdateStreamRequest is the body of PUT /items/:id/streams/:buyer.
type UpdateStreamRequest struct {
	Rate  *decimal.Decimal `json:"rate" binding:"required"`
	Token ir.TokenID       `json:"token"`
}

// WithdrawRequest is the body of POST /items/:id/withdraw. To defaults to
// the caller.
type WithdrawRequest struct {
	Caller ir.AccountID `json:"caller" binding:"required"`
	To     ir.AccountID `json:"to"`
	Token  ir.TokenID   `json:"token"`
}

// MintRequest is the body of POST /tokens/:token/mint.
type MintRequest struct {
	To     ir.AccountID     `json:"to" binding:"required"`
	Amount *decimal.Decimal `json:"amount" binding:"required"`
}

// ClaimRequest is the body of POST /items/:id/claim.
type ClaimRequest struct {
	Buyer ir.AccountID `json:"buyer" binding:"required"`
}

// CheckResponse is the body returned by POST /upkeep/check.
type CheckResponse struct {
	Needed bool   `json:"needed"`
	Work   []byte `json:"work"`
}

// PerformRequest is the body of POST /upkeep/perform.
type PerformRequest struct {
	Work []byte `json:"work" binding:"required"`
}

type handler struct {
	svc    Service
	logger *slog.Logger
}

// NewRouter builds the gin engine. A nil logger uses slog.Default().
func NewRouter(svc Service, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	profiles := r.Group("/profiles")
	profiles.POST("", h.signup)
	profiles.GET("/:id", h.getProfile)

	items := r.Group("/items")
	items.POST("", h.createItem)
	items.GET("", h.listItems)
	items.GET("/:id", h.getItem)
	items.PATCH("/:id", h.patchItem)
	items.GET("/:id/rate", h.getRate)
	items.POST("/:id/streams", h.openStream)
	items.GET("/:id/streams/:buyer", h.getStream)
	items.PUT("/:id/streams/:buyer", h.updateStream)
	items.DELETE("/:id/streams/:buyer", h.closeStream)
	items.GET("/:id/units/:unit/uri", h.getURI)
	items.POST("/:id/claim", h.claim)
	items.POST("/:id/withdraw", h.withdraw)

	tokens := r.Group("/tokens")
	tokens.POST("/:token/mint", h.mint)
	tokens.GET("/:token/balances/:account", h.getBalance)

	up := r.Group("/upkeep")
	up.POST("/check", h.check)
	up.POST("/perform", h.perform)

	return r
}

func (h *handler) signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	profile, err := h.svc.Signup(c.Request.Context(), req.Owner, req.Name, req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"profile": profile, "owner": req.Owner})
}

func (h *handler) getProfile(c *gin.Context) {
	p, ok, err := h.svc.Profile(c.Request.Context(), ir.AccountID(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		h.fail(c, fmt.Errorf("%w: %s", registry.ErrUnknownProfile, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handler) createItem(c *gin.Context) {
	var req CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id, err := h.svc.CreateItem(c.Request.Context(), req.Owner, ir.Terms{
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		Token:       req.Token,
		TotalUnits:  req.TotalUnits,
		EndsAt:      req.EndsAt,
		URI:         req.URI,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": id})
}

func (h *handler) patchItem(c *gin.Context) {
	var req PatchItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := ir.ItemID(c.Param("id"))
	if err := h.svc.PatchItem(c.Request.Context(), id, req.Caller, req.apply); err != nil {
		h.fail(c, err)
		return
	}
	d, err := h.svc.Details(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// streamToken resolves the token a stream route acts on.
func (h *handler) streamToken(c *gin.Context, id ir.ItemID, token ir.TokenID) (ir.TokenID, bool) {
	if token != "" {
		return token, true
	}
	d, err := h.svc.Details(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return "", false
	}
	return d.Terms.Token, true
}

func (h *handler) openStream(c *gin.Context) {
	var req OpenStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx := c.Request.Context()
	id := ir.ItemID(c.Param("id"))
	token, ok := h.streamToken(c, id, req.Token)
	if !ok {
		return
	}
	var rate decimal.Decimal
	if req.Rate != nil {
		rate = *req.Rate
	} else {
		var err error
		if rate, err = h.svc.RequiredRate(ctx, id); err != nil {
			h.fail(c, err)
			return
		}
	}
	if err := h.svc.OpenStream(ctx, token, req.Buyer, id, rate); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": id, "buyer": req.Buyer, "token": token, "rate": rate})
}

func (h *handler) updateStream(c *gin.Context) {
	var req UpdateStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := ir.ItemID(c.Param("id"))
	token, ok := h.streamToken(c, id, req.Token)
	if !ok {
		return
	}
	buyer := ir.AccountID(c.Param("buyer"))
	if err := h.svc.UpdateStream(c.Request.Context(), token, buyer, id, *req.Rate); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": id, "buyer": buyer, "token": token, "rate": *req.Rate})
}

// closeStream closes the stream from the buyer's side, refunding what was
// paid.
func (h *handler) closeStream(c *gin.Context) {
	id := ir.ItemID(c.Param("id"))
	token, ok := h.streamToken(c, id, ir.TokenID(c.Query("token")))
	if !ok {
		return
	}
	buyer := ir.AccountID(c.Param("buyer"))
	if err := h.svc.CloseStream(c.Request.Context(), token, buyer, id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := ir.ItemID(c.Param("id"))
	token, ok := h.streamToken(c, id, req.Token)
	if !ok {
		return
	}
	to := req.To
	if to == "" {
		to = req.Caller
	}
	amount, err := h.svc.Withdraw(c.Request.Context(), id, req.Caller, to, token)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": id, "to": to, "token": token, "amount": amount})
}

func (h *handler) mint(c *gin.Context) {
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	token := ir.TokenID(c.Param("token"))
	if err := h.svc.Mint(c.Request.Context(), token, req.To, *req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "to": req.To, "amount": *req.Amount})
}

func (h *handler) getBalance(c *gin.Context) {
	token := ir.TokenID(c.Param("token"))
	account := ir.AccountID(c.Param("account"))
	bal, err := h.svc.Balance(c.Request.Context(), token, account)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "account": account, "balance": bal})
}

func (h *handler) listItems(c *gin.Context) {
	items, err := h.svc.Items(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *handler) getItem(c *gin.Context) {
	d, err := h.svc.Details(c.Request.Context(), ir.ItemID(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handler) getRate(c *gin.Context) {
	id := ir.ItemID(c.Param("id"))
	rate, err := h.svc.RequiredRate(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": id, "rate": rate})
}

func (h *handler) getStream(c *gin.Context) {
	id := ir.ItemID(c.Param("id"))
	buyer := ir.AccountID(c.Param("buyer"))
	paid, err := h.svc.TotalPaid(c.Request.Context(), id, buyer)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": id, "buyer": buyer, "paid": paid})
}

func (h *handler) getURI(c *gin.Context) {
	id := ir.ItemID(c.Param("id"))
	n, err := strconv.ParseInt(c.Param("unit"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unit must be an integer"})
		return
	}
	uri, err := h.svc.URI(c.Request.Context(), id, ir.UnitID(n))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": id, "unit": n, "id": ir.UnitID(n).Hex(), "uri": uri})
}

func (h *handler) claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := ir.ItemID(c.Param("id"))
	unit, err := h.svc.Claim(c.Request.Context(), id, req.Buyer)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": id, "buyer": req.Buyer, "unit": unit})
}

func (h *handler) check(c *gin.Context) {
	needed, work, err := h.svc.CheckReadiness(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, CheckResponse{Needed: needed, Work: work})
}

func (h *handler) perform(c *gin.Context) {
	var req PerformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	report, err := h.svc.PerformWork(c.Request.Context(), req.Work)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{"error": err.Error()}
	if code := item.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if code := item.CodeOf(err); code != "" {
		switch code {
		case item.CodeForbiddenSender:
			return http.StatusForbidden
		case item.CodeNotPaidEnough:
			return http.StatusPaymentRequired
		case item.CodeNothingToClaim:
			return http.StatusNotFound
		case item.CodeSaleExpired:
			return http.StatusGone
		case item.CodeNoAvailability, item.CodeStreamExists, item.CodeTermsLocked, item.CodeUpdatesForbidden:
			return http.StatusConflict
		case item.CodeRateMismatch, item.CodeWrongToken, item.CodeInvalidTerms:
			return http.StatusBadRequest
		}
	}
	switch {
	case errors.Is(err, market.ErrUnknownItem), errors.Is(err, item.ErrUnknownUnit),
		errors.Is(err, registry.ErrUnknownProfile), errors.Is(err, flow.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrNotParty):
		return http.StatusForbidden
	case errors.Is(err, flow.ErrFlowExists), errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, flow.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, upkeep.ErrMalformedPayload), errors.Is(err, ir.ErrInvalidAccountID),
		errors.Is(err, flow.ErrInvalidRate), errors.Is(err, flow.ErrInvalidParties),
		errors.Is(err, flow.ErrInvalidAmount):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http stopped")
	return nil
}
