package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const paymentEventType = "payment"

// rentalMetadataKey é a chave, nos metadados do pagamento, com os dados do aluguel
const rentalMetadataKey = "rental_data"

// ProviderID aceita o id do pagamento como string ou número JSON
type ProviderID string

func (id *ProviderID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ProviderID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("payment id must be a string or number: %w", err)
	}
	*id = ProviderID(n.String())
	return nil
}

// PaymentEvent é a notificação enviada pelo provedor ao webhook
type PaymentEvent struct {
	Type string `json:"type"`
	Data struct {
		ID ProviderID `json:"id"`
	} `json:"data"`
}

// RentalPayload são os dados do aluguel embutidos nos metadados do pagamento.
// Sem rental_id, os demais campos descrevem o aluguel a ser criado.
type RentalPayload struct {
	RentalID  string     `json:"rental_id"`
	RenterID  string     `json:"renter_id" validate:"required_without=RentalID"`
	VehicleID string     `json:"vehicle_id" validate:"required_without=RentalID"`
	StartAt   *time.Time `json:"start_at" validate:"required_without=RentalID"`
	EndAt     *time.Time `json:"end_at" validate:"required_without=RentalID"`
}

// ReconcileOutcome descreve o que o webhook fez com o evento
type ReconcileOutcome string

const (
	OutcomeIgnored          ReconcileOutcome = "ignored"
	OutcomeConfirmed        ReconcileOutcome = "confirmed"
	OutcomeCreated          ReconcileOutcome = "created"
	OutcomeAlreadyProcessed ReconcileOutcome = "already_processed"
)

type ReconcileResult struct {
	Outcome       ReconcileOutcome
	PaymentID     string
	PaymentStatus string
	Rental        *Rental
}

// PaymentReconciler aplica pagamentos aprovados aos aluguéis exatamente uma vez.
// A unicidade de payment_ref no store é a garantia real contra entregas duplicadas.
type PaymentReconciler struct {
	store         TransactionStore
	provider      PaymentProvider
	notifications *NotificationDispatcher
	validate      *validator.Validate
	metrics       *Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewPaymentReconciler cria uma nova instância de PaymentReconciler
func NewPaymentReconciler(store TransactionStore, provider PaymentProvider, notifications *NotificationDispatcher, metrics *Metrics, logger *zap.Logger) *PaymentReconciler {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &PaymentReconciler{
		store:         store,
		provider:      provider,
		notifications: notifications,
		validate:      validate,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// HandleNotification processa uma entrega do webhook.
// Pagamento já aplicado retorna ErrDuplicatePayment junto com OutcomeAlreadyProcessed.
func (pr *PaymentReconciler) HandleNotification(ctx context.Context, event PaymentEvent) (result ReconcileResult, err error) {
	paymentID := strings.TrimSpace(string(event.Data.ID))

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "payment.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.event_type", event.Type),
		attribute.String("payment.id", paymentID),
	)
	defer func() {
		span.SetAttributes(attribute.String("payment.outcome", string(result.Outcome)))
		if err != nil && !errors.Is(err, ErrDuplicatePayment) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconciliation failed")
		}
		outcome := string(result.Outcome)
		if outcome == "" {
			outcome = "error"
		}
		pr.metrics.RecordReconciliation(ctx, outcome)
	}()

	if event.Type != paymentEventType {
		return ReconcileResult{Outcome: OutcomeIgnored}, nil
	}
	if paymentID == "" {
		return ReconcileResult{}, &ValidationError{Field: "data.id", Message: "is required"}
	}

	logger := pr.logger.With(zap.String("payment_id", paymentID))
	logger.Info("➡️ [WEBHOOK] payment notification received")

	existing, err := pr.store.FindRentalByPaymentRef(ctx, paymentID)
	switch {
	case err == nil:
		logger.Info("ℹ️ [IDEMPOTENCY] payment already applied", zap.String("rental_id", existing.ID))
		return ReconcileResult{Outcome: OutcomeAlreadyProcessed, PaymentID: paymentID, Rental: existing}, ErrDuplicatePayment
	case !errors.Is(err, ErrNotFound):
		return ReconcileResult{}, fmt.Errorf("failed to look up payment reference: %w", err)
	}

	payment, err := pr.provider.GetPayment(ctx, paymentID)
	if err != nil {
		logger.Warn("❌ [WEBHOOK] payment lookup failed", zap.Error(err))
		return ReconcileResult{}, err
	}

	if payment.Status != PaymentStatusApproved {
		// left to expire through the sweep deadline
		logger.Info("ℹ️ [WEBHOOK] payment not approved, no action", zap.String("status", payment.Status))
		return ReconcileResult{Outcome: OutcomeIgnored, PaymentID: paymentID, PaymentStatus: payment.Status}, nil
	}

	payload, err := pr.decodeRentalPayload(payment.Metadata)
	if err != nil {
		logger.Error("❌ [WEBHOOK] approved payment without usable rental data", zap.Error(err))
		return ReconcileResult{}, err
	}

	now := pr.now()
	paidAt := now
	if payment.ApprovedAt != nil {
		paidAt = *payment.ApprovedAt
	}
	amount := decimal.NewNullDecimal(payment.TransactionAmount)

	result = ReconcileResult{PaymentID: paymentID, PaymentStatus: payment.Status}
	if payload.RentalID != "" {
		result.Outcome = OutcomeConfirmed
		result.Rental, err = pr.confirmExisting(ctx, payload.RentalID, paymentID, paidAt, amount)
	} else {
		result.Outcome = OutcomeCreated
		result.Rental, err = pr.createConfirmed(ctx, payload, paymentID, paidAt, amount, now)
	}
	if errors.Is(err, ErrDuplicatePayment) {
		return pr.alreadyProcessed(ctx, paymentID)
	}
	if err != nil {
		logger.Error("❌ [WEBHOOK] reconciliation failed", zap.Error(err))
		return ReconcileResult{}, err
	}

	logger.Info("✅ [WEBHOOK] payment applied",
		zap.String("rental_id", result.Rental.ID),
		zap.String("outcome", string(result.Outcome)),
	)
	pr.notifications.SendToOwner(ctx, result.Rental.VehicleID, KindRentalOwnerAlert, rentalPayload(result.Rental))
	return result, nil
}

func (pr *PaymentReconciler) confirmExisting(ctx context.Context, rentalID, paymentID string, paidAt time.Time, amount decimal.NullDecimal) (*Rental, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		rental, err := pr.store.GetRental(ctx, rentalID)
		if errors.Is(err, ErrNotFound) {
			return nil, &ValidationError{Field: "rental_id", Message: "references an unknown rental " + rentalID}
		}
		if err != nil {
			return nil, err
		}
		if rental.PaymentRef != nil && *rental.PaymentRef == paymentID {
			return nil, ErrDuplicatePayment
		}

		prev := rental.Version()
		if err := rental.ApplyPayment(paymentID, paidAt, amount, pr.now()); err != nil {
			return nil, err
		}

		err = pr.store.UpdateRental(ctx, rental, prev)
		if errors.Is(err, ErrStateConflict) {
			// a racing delivery of this same payment shows up as its ref on the record
			if _, ferr := pr.store.FindRentalByPaymentRef(ctx, paymentID); ferr == nil {
				return nil, ErrDuplicatePayment
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		pr.metrics.RecordTransition(ctx, "rental", string(prev.State), string(rental.State))
		return rental, nil
	}
	return nil, fmt.Errorf("rental %s: %w", rentalID, ErrStateConflict)
}

func (pr *PaymentReconciler) createConfirmed(ctx context.Context, payload RentalPayload, paymentID string, paidAt time.Time, amount decimal.NullDecimal, now time.Time) (*Rental, error) {
	rental, err := NewPaidRental(payload.RenterID, payload.VehicleID, *payload.StartAt, *payload.EndAt, paymentID, paidAt, amount, now)
	if err != nil {
		return nil, err
	}
	if err := pr.store.CreateRental(ctx, rental); err != nil {
		return nil, err
	}
	pr.metrics.RecordTransition(ctx, "rental", "", string(rental.State))
	return rental, nil
}

// alreadyProcessed relê o vencedor da corrida pela referência de pagamento
func (pr *PaymentReconciler) alreadyProcessed(ctx context.Context, paymentID string) (ReconcileResult, error) {
	result := ReconcileResult{Outcome: OutcomeAlreadyProcessed, PaymentID: paymentID}
	if rental, err := pr.store.FindRentalByPaymentRef(ctx, paymentID); err == nil {
		result.Rental = rental
	}
	pr.logger.Info("ℹ️ [IDEMPOTENCY] lost race to a concurrent delivery", zap.String("payment_id", paymentID))
	return result, ErrDuplicatePayment
}

func (pr *PaymentReconciler) decodeRentalPayload(metadata map[string]any) (RentalPayload, error) {
	var payload RentalPayload

	raw, ok := metadata[rentalMetadataKey]
	if !ok || raw == nil {
		return payload, &ValidationError{Field: "metadata." + rentalMetadataKey, Message: "is missing"}
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return payload, &ValidationError{Field: "metadata." + rentalMetadataKey, Message: "is not encodable"}
		}
		data = encoded
	}

	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, &ValidationError{Field: "metadata." + rentalMetadataKey, Message: "is not valid JSON: " + err.Error()}
	}

	if err := pr.validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return payload, &ValidationError{Field: verrs[0].Field(), Message: "failed " + verrs[0].Tag()}
		}
		return payload, &ValidationError{Field: "metadata." + rentalMetadataKey, Message: err.Error()}
	}
	return payload, nil
}
