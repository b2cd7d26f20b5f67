package main

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RentalState representa os estados de um aluguel
type RentalState string

const (
	RentalStateReserved    RentalState = "RESERVED"
	RentalStateConfirmed   RentalState = "CONFIRMED"
	RentalStateInProgress  RentalState = "IN_PROGRESS"
	RentalStateFinished    RentalState = "FINISHED"
	RentalStateUnconfirmed RentalState = "UNCONFIRMED"
	RentalStateCancelled   RentalState = "CANCELLED"
)

// PurchaseState representa os estados de uma compra
type PurchaseState string

const (
	PurchaseStatePending     PurchaseState = "PENDING"
	PurchaseStateConfirmed   PurchaseState = "CONFIRMED"
	PurchaseStateFinished    PurchaseState = "FINISHED"
	PurchaseStateUnconfirmed PurchaseState = "UNCONFIRMED"
	PurchaseStateCancelled   PurchaseState = "CANCELLED"
)

const (
	// PurchaseConfirmWindow é o prazo fixo, a partir da compra, para confirmá-la
	PurchaseConfirmWindow = 24 * time.Hour

	// ReminderWindow antecede o prazo de confirmação de um aluguel
	ReminderWindow = 12 * time.Hour

	// RetentionPeriod é quanto tempo registros UNCONFIRMED/CANCELLED ficam antes de serem apagados
	RetentionPeriod = 7 * 24 * time.Hour

	// DeactivationGracePeriod é quanto tempo um veículo desativado fica antes de ser removido
	DeactivationGracePeriod = 30 * 24 * time.Hour
)

// Rental representa um aluguel de veículo
type Rental struct {
	ID              string              `json:"id" db:"id"`
	ReservedAt      time.Time           `json:"reserved_at" db:"reserved_at"`
	StartAt         time.Time           `json:"start_at" db:"start_at"`
	EndAt           time.Time           `json:"end_at" db:"end_at"`
	State           RentalState         `json:"state" db:"state"`
	ConfirmDeadline *time.Time          `json:"confirm_deadline,omitempty" db:"confirm_deadline"`
	PaidAt          *time.Time          `json:"paid_at,omitempty" db:"paid_at"`
	PaymentRef      *string             `json:"payment_ref,omitempty" db:"payment_ref"`
	AmountPaid      decimal.NullDecimal `json:"amount_paid" db:"amount_paid"`
	RenterID        string              `json:"renter_id" db:"renter_id"`
	VehicleID       string              `json:"vehicle_id" db:"vehicle_id"`
	RatingID        *string             `json:"rating_id,omitempty" db:"rating_id"`
	UpdatedAt       time.Time           `json:"updated_at" db:"updated_at"`
}

// RentalVersion identifica a versão esperada de um aluguel numa escrita compare-and-set
type RentalVersion struct {
	State      RentalState
	PaymentRef *string
}

// Version retorna o estado e a referência de pagamento atuais do aluguel
func (r *Rental) Version() RentalVersion {
	return RentalVersion{State: r.State, PaymentRef: r.PaymentRef}
}

// NewRental cria um aluguel RESERVED validando a janela de locação
func NewRental(renterID, vehicleID string, startAt, endAt, now time.Time) (*Rental, error) {
	if err := validateParties("renter_id", renterID, vehicleID); err != nil {
		return nil, err
	}
	if !startAt.After(now) {
		return nil, &ValidationError{Field: "start_at", Message: "must be in the future"}
	}
	if !endAt.After(startAt) {
		return nil, &ValidationError{Field: "end_at", Message: "must be after start_at"}
	}

	return &Rental{
		ID:              uuid.New().String(),
		ReservedAt:      now,
		StartAt:         startAt,
		EndAt:           endAt,
		State:           RentalStateReserved,
		ConfirmDeadline: ConfirmDeadlineFor(now, startAt),
		RenterID:        renterID,
		VehicleID:       vehicleID,
		UpdatedAt:       now,
	}, nil
}

// NewPaidRental cria um aluguel já CONFIRMED a partir de um pagamento aprovado
func NewPaidRental(renterID, vehicleID string, startAt, endAt time.Time, paymentRef string, paidAt time.Time, amount decimal.NullDecimal, now time.Time) (*Rental, error) {
	if err := validateParties("renter_id", renterID, vehicleID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(paymentRef) == "" {
		return nil, &ValidationError{Field: "payment_ref", Message: "is required"}
	}
	if !endAt.After(startAt) {
		return nil, &ValidationError{Field: "end_at", Message: "must be after start_at"}
	}

	ref := paymentRef
	paid := paidAt
	return &Rental{
		ID:              uuid.New().String(),
		ReservedAt:      now,
		StartAt:         startAt,
		EndAt:           endAt,
		State:           RentalStateConfirmed,
		ConfirmDeadline: ConfirmDeadlineFor(now, startAt),
		PaidAt:          &paid,
		PaymentRef:      &ref,
		AmountPaid:      amount,
		RenterID:        renterID,
		VehicleID:       vehicleID,
		UpdatedAt:       now,
	}, nil
}

// ConfirmDeadlineFor calcula o prazo de confirmação: 70% do intervalo entre a reserva e o início.
// Retorna nil quando o início não é posterior à reserva.
func ConfirmDeadlineFor(reservedAt, startAt time.Time) *time.Time {
	window := startAt.Sub(reservedAt)
	if window <= 0 {
		return nil
	}

	// split to keep window*7 from overflowing on very long windows
	offset := window/10*7 + window%10*7/10
	if offset <= 0 {
		return nil
	}

	deadline := reservedAt.Add(offset)
	return &deadline
}

// Purchase representa uma compra de veículo
type Purchase struct {
	ID              string        `json:"id" db:"id"`
	PurchasedAt     time.Time     `json:"purchased_at" db:"purchased_at"`
	ConfirmDeadline time.Time     `json:"confirm_deadline" db:"confirm_deadline"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
	State           PurchaseState `json:"state" db:"state"`
	BuyerID         string        `json:"buyer_id" db:"buyer_id"`
	VehicleID       string        `json:"vehicle_id" db:"vehicle_id"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// NewPurchase cria uma compra PENDING com prazo de confirmação fixo
func NewPurchase(buyerID, vehicleID string, now time.Time) (*Purchase, error) {
	if err := validateParties("buyer_id", buyerID, vehicleID); err != nil {
		return nil, err
	}

	return &Purchase{
		ID:              uuid.New().String(),
		PurchasedAt:     now,
		ConfirmDeadline: now.Add(PurchaseConfirmWindow),
		State:           PurchaseStatePending,
		BuyerID:         buyerID,
		VehicleID:       vehicleID,
		UpdatedAt:       now,
	}, nil
}

// Vehicle é a visão parcial do veículo usada pelo ciclo de vida das transações
type Vehicle struct {
	ID            string     `json:"id" db:"id"`
	OwnerID       string     `json:"owner_id" db:"owner_id"`
	Images        []string   `json:"images" db:"images"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
}

// Active informa se o veículo não foi desativado
func (v *Vehicle) Active() bool {
	return v.DeactivatedAt == nil
}

func validateParties(userField, userID, vehicleID string) error {
	if strings.TrimSpace(userID) == "" {
		return &ValidationError{Field: userField, Message: "is required"}
	}
	if strings.TrimSpace(vehicleID) == "" {
		return &ValidationError{Field: "vehicle_id", Message: "is required"}
	}
	return nil
}
