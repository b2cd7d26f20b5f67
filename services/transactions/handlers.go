package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxListLimit = 500

// TransactionActions define as ações de usuário expostas pela API
type TransactionActions interface {
	CreateRental(ctx context.Context, req CreateRentalRequest) (*Rental, error)
	ConfirmRental(ctx context.Context, id string) (*Rental, error)
	CancelRental(ctx context.Context, id string) (*Rental, error)
	RequestRentalConfirmation(ctx context.Context, id string) error
	DeleteRental(ctx context.Context, id string) error
	GetRental(ctx context.Context, id string) (*Rental, error)
	ListRentals(ctx context.Context, filter RentalFilter) ([]Rental, error)

	CreatePurchase(ctx context.Context, req CreatePurchaseRequest) (*Purchase, error)
	ConfirmPurchase(ctx context.Context, id string) (*Purchase, error)
	CancelPurchase(ctx context.Context, id string) (*Purchase, error)
	DeletePurchase(ctx context.Context, id string) error
	RequestPurchaseConfirmation(ctx context.Context, id string) error
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error)
}

// PaymentNotificationHandler processa as notificações do provedor de pagamento
type PaymentNotificationHandler interface {
	HandleNotification(ctx context.Context, event PaymentEvent) (ReconcileResult, error)
}

// TransactionHandler contém os handlers HTTP
type TransactionHandler struct {
	actions    TransactionActions
	reconciler PaymentNotificationHandler
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewTransactionHandler cria uma nova instância de TransactionHandler
func NewTransactionHandler(actions TransactionActions, reconciler PaymentNotificationHandler, tracer trace.Tracer, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{
		actions:    actions,
		reconciler: reconciler,
		tracer:     tracer,
		logger:     logger,
	}
}

// Register registra as rotas no router
func (h *TransactionHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	r.POST("/api/webhooks/payments", h.PaymentWebhook)

	rentals := r.Group("/api/rentals")
	rentals.POST("", h.CreateRental)
	rentals.GET("", h.ListRentals)
	rentals.GET("/:id", h.GetRental)
	rentals.PATCH("/:id/confirm", h.ConfirmRental)
	rentals.PATCH("/:id/cancel", h.CancelRental)
	rentals.DELETE("/:id", h.DeleteRental)
	rentals.POST("/:id/confirmation-request", h.RequestRentalConfirmation)

	purchases := r.Group("/api/purchases")
	purchases.POST("", h.CreatePurchase)
	purchases.GET("", h.ListPurchases)
	purchases.GET("/:id", h.GetPurchase)
	purchases.PATCH("/:id/confirm", h.ConfirmPurchase)
	purchases.PATCH("/:id/cancel", h.CancelPurchase)
	purchases.DELETE("/:id", h.DeletePurchase)
	purchases.POST("/:id/confirmation-request", h.RequestPurchaseConfirmation)
}

// PaymentWebhook recebe a notificação do MercadoPago. Pagamento já conciliado responde 409;
// 404 só quando o provedor não conhece o pagamento.
func (h *TransactionHandler) PaymentWebhook(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payment_webhook")
	defer span.End()

	var event PaymentEvent
	if err := c.ShouldBindJSON(&event); err != nil && !errors.Is(err, io.EOF) {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// the provider also sends the ids as query parameters
	if event.Type == "" {
		event.Type = c.Query("type")
	}
	if event.Data.ID == "" {
		event.Data.ID = ProviderID(c.Query("data.id"))
	}

	span.SetAttributes(
		attribute.String("payment.event_type", event.Type),
		attribute.String("payment.id", string(event.Data.ID)),
	)

	result, err := h.reconciler.HandleNotification(ctx, event)

	var invalid *InvalidTransitionError
	var validation *ValidationError
	switch {
	case err == nil:
		body := gin.H{"result": string(result.Outcome)}
		if result.Rental != nil {
			body["rental_id"] = result.Rental.ID
		}
		c.JSON(http.StatusOK, body)
	case errors.Is(err, ErrDuplicatePayment):
		body := gin.H{"result": string(OutcomeAlreadyProcessed)}
		if result.Rental != nil {
			body["rental_id"] = result.Rental.ID
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &invalid), errors.As(err, &validation):
		// retrying cannot fix these; acknowledge so the provider stops redelivering
		h.logger.Warn("⚠️ [WEBHOOK] notification ignored", zap.String("payment_id", string(event.Data.ID)), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"result": string(OutcomeIgnored), "reason": err.Error()})
	case errors.Is(err, ErrNotFound):
		// only the provider lookup reports not found here
		span.RecordError(err)
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		// includes ErrStateConflict: the payment is not applied yet and the provider must retry
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CreateRental reserva um veículo
func (h *TransactionHandler) CreateRental(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "create_rental")
	defer span.End()

	var req CreateRentalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("renter_id", req.RenterID),
		attribute.String("vehicle_id", req.VehicleID),
	)

	rental, err := h.actions.CreateRental(ctx, req)
	if err != nil {
		h.writeError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("rental_id", rental.ID))
	c.JSON(http.StatusCreated, rental)
}

func (h *TransactionHandler) ConfirmRental(c *gin.Context) {
	h.rentalAction(c, "confirm_rental", h.actions.ConfirmRental)
}

func (h *TransactionHandler) CancelRental(c *gin.Context) {
	h.rentalAction(c, "cancel_rental", h.actions.CancelRental)
}

// RequestRentalConfirmation reenvia o pedido de confirmação ao locatário
func (h *TransactionHandler) RequestRentalConfirmation(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "request_rental_confirmation")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("rental_id", id))

	if err := h.actions.RequestRentalConfirmation(ctx, id); err != nil {
		h.writeError(c, span, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"result": "sent"})
}

// DeleteRental apaga um aluguel cancelado ou não confirmado
func (h *TransactionHandler) DeleteRental(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "delete_rental")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("rental_id", id))

	if err := h.actions.DeleteRental(ctx, id); err != nil {
		h.writeError(c, span, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TransactionHandler) GetRental(c *gin.Context) {
	h.rentalAction(c, "get_rental", h.actions.GetRental)
}

// ListRentals aceita os filtros state, renter_id, vehicle_id e limit
func (h *TransactionHandler) ListRentals(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "list_rentals")
	defer span.End()

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	rentals, err := h.actions.ListRentals(ctx, RentalFilter{
		State:     RentalState(c.Query("state")),
		RenterID:  c.Query("renter_id"),
		VehicleID: c.Query("vehicle_id"),
		Limit:     limit,
	})
	if err != nil {
		h.writeError(c, span, err)
		return
	}

	span.SetAttributes(attribute.Int("result_count", len(rentals)))
	c.JSON(http.StatusOK, gin.H{"rentals": rentals})
}

// CreatePurchase registra uma compra
func (h *TransactionHandler) CreatePurchase(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "create_purchase")
	defer span.End()

	var req CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("buyer_id", req.BuyerID),
		attribute.String("vehicle_id", req.VehicleID),
	)

	purchase, err := h.actions.CreatePurchase(ctx, req)
	if err != nil {
		h.writeError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("purchase_id", purchase.ID))
	c.JSON(http.StatusCreated, purchase)
}

func (h *TransactionHandler) ConfirmPurchase(c *gin.Context) {
	h.purchaseAction(c, "confirm_purchase", h.actions.ConfirmPurchase)
}

func (h *TransactionHandler) CancelPurchase(c *gin.Context) {
	h.purchaseAction(c, "cancel_purchase", h.actions.CancelPurchase)
}

func (h *TransactionHandler) GetPurchase(c *gin.Context) {
	h.purchaseAction(c, "get_purchase", h.actions.GetPurchase)
}

// DeletePurchase apaga a compra e, se ela já era definitiva, remove o veículo
func (h *TransactionHandler) DeletePurchase(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "delete_purchase")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("purchase_id", id))

	if err := h.actions.DeletePurchase(ctx, id); err != nil {
		h.writeError(c, span, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TransactionHandler) RequestPurchaseConfirmation(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "request_purchase_confirmation")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("purchase_id", id))

	if err := h.actions.RequestPurchaseConfirmation(ctx, id); err != nil {
		h.writeError(c, span, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"result": "sent"})
}

// ListPurchases aceita os filtros state, buyer_id, vehicle_id e limit
func (h *TransactionHandler) ListPurchases(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "list_purchases")
	defer span.End()

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	purchases, err := h.actions.ListPurchases(ctx, PurchaseFilter{
		State:     PurchaseState(c.Query("state")),
		BuyerID:   c.Query("buyer_id"),
		VehicleID: c.Query("vehicle_id"),
		Limit:     limit,
	})
	if err != nil {
		h.writeError(c, span, err)
		return
	}

	span.SetAttributes(attribute.Int("result_count", len(purchases)))
	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

// HealthCheck verifica a saúde do serviço
func (h *TransactionHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "transactions-service",
	})
}

func (h *TransactionHandler) rentalAction(c *gin.Context, operation string, action func(context.Context, string) (*Rental, error)) {
	ctx, span := h.tracer.Start(c.Request.Context(), operation)
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("rental_id", id))

	rental, err := action(ctx, id)
	if err != nil {
		h.writeError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("rental_state", string(rental.State)))
	c.JSON(http.StatusOK, rental)
}

func (h *TransactionHandler) purchaseAction(c *gin.Context, operation string, action func(context.Context, string) (*Purchase, error)) {
	ctx, span := h.tracer.Start(c.Request.Context(), operation)
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("purchase_id", id))

	purchase, err := action(ctx, id)
	if err != nil {
		h.writeError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("purchase_state", string(purchase.State)))
	c.JSON(http.StatusOK, purchase)
}

// writeError traduz os erros de domínio em status HTTP
func (h *TransactionHandler) writeError(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)

	var invalid *InvalidTransitionError
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": validation.Field})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": invalid.State})
	case errors.Is(err, ErrStateConflict),
		errors.Is(err, ErrDuplicatePayment),
		errors.Is(err, ErrVehicleAlreadySold),
		errors.Is(err, ErrVehicleBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrUpstreamUnavailable):
		span.SetStatus(codes.Error, "upstream unavailable")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		span.SetStatus(codes.Error, "internal error")
		h.logger.Error("❌ [HTTP] request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 0 and " + strconv.Itoa(maxListLimit)})
		return 0, false
	}
	return limit, true
}
