package main

import (
	"time"

	"github.com/shopspring/decimal"
)

// RentalTrigger representa os eventos que movem um aluguel
type RentalTrigger string

const (
	RentalTriggerConfirm         RentalTrigger = "confirm"
	RentalTriggerPaymentApproved RentalTrigger = "apply_payment"
	RentalTriggerCancel          RentalTrigger = "cancel"
	RentalTriggerExpire          RentalTrigger = "expire"
	RentalTriggerStart           RentalTrigger = "start"
	RentalTriggerFinish          RentalTrigger = "finish"
)

// PurchaseTrigger representa os eventos que movem uma compra
type PurchaseTrigger string

const (
	PurchaseTriggerConfirm PurchaseTrigger = "confirm"
	PurchaseTriggerCancel  PurchaseTrigger = "cancel"
	PurchaseTriggerExpire  PurchaseTrigger = "expire"
	PurchaseTriggerFinish  PurchaseTrigger = "finish"
)

// NextRentalState decide o próximo estado de um aluguel sem efeitos colaterais.
// Gatilhos temporais só valem quando o relógio já passou do prazo correspondente.
func NextRentalState(r Rental, trigger RentalTrigger, now time.Time) (RentalState, error) {
	switch trigger {
	case RentalTriggerConfirm:
		if r.State == RentalStateReserved {
			return RentalStateConfirmed, nil
		}
	case RentalTriggerPaymentApproved:
		switch r.State {
		case RentalStateReserved:
			return RentalStateConfirmed, nil
		case RentalStateConfirmed, RentalStateInProgress:
			// confirmed by hand before the payment landed; only attach the payment
			if r.PaymentRef == nil {
				return r.State, nil
			}
		}
	case RentalTriggerCancel:
		if r.State == RentalStateReserved {
			return RentalStateCancelled, nil
		}
	case RentalTriggerExpire:
		if r.State == RentalStateReserved && r.ConfirmDeadline != nil && now.After(*r.ConfirmDeadline) {
			return RentalStateUnconfirmed, nil
		}
	case RentalTriggerStart:
		if r.State == RentalStateConfirmed && !now.Before(r.StartAt) {
			return RentalStateInProgress, nil
		}
	case RentalTriggerFinish:
		if r.State == RentalStateInProgress && !now.Before(r.EndAt) {
			return RentalStateFinished, nil
		}
	}

	return r.State, &InvalidTransitionError{
		Entity:  "rental",
		ID:      r.ID,
		State:   string(r.State),
		Trigger: string(trigger),
	}
}

// Apply move o aluguel para o próximo estado; em caso de erro o registro não é alterado
func (r *Rental) Apply(trigger RentalTrigger, now time.Time) error {
	next, err := NextRentalState(*r, trigger, now)
	if err != nil {
		return err
	}
	r.State = next
	r.UpdatedAt = now
	return nil
}

// ApplyPayment confirma o aluguel com os dados do pagamento aprovado
func (r *Rental) ApplyPayment(paymentRef string, paidAt time.Time, amount decimal.NullDecimal, now time.Time) error {
	if err := r.Apply(RentalTriggerPaymentApproved, now); err != nil {
		return err
	}
	ref := paymentRef
	paid := paidAt
	r.PaymentRef = &ref
	r.PaidAt = &paid
	r.AmountPaid = amount
	return nil
}

// RentalDeletable informa se o aluguel já pode ser apagado fisicamente
func RentalDeletable(r Rental, now time.Time) bool {
	return r.State == RentalStateUnconfirmed &&
		r.ConfirmDeadline != nil &&
		now.Sub(*r.ConfirmDeadline) >= RetentionPeriod
}

// NextPurchaseState decide o próximo estado de uma compra sem efeitos colaterais
func NextPurchaseState(p Purchase, trigger PurchaseTrigger, now time.Time) (PurchaseState, error) {
	switch trigger {
	case PurchaseTriggerConfirm:
		if p.State == PurchaseStatePending {
			return PurchaseStateConfirmed, nil
		}
	case PurchaseTriggerCancel:
		if p.State == PurchaseStatePending {
			return PurchaseStateCancelled, nil
		}
	case PurchaseTriggerExpire:
		if p.State == PurchaseStatePending && now.After(p.ConfirmDeadline) {
			return PurchaseStateUnconfirmed, nil
		}
	case PurchaseTriggerFinish:
		if p.State == PurchaseStateConfirmed {
			return PurchaseStateFinished, nil
		}
	}

	return p.State, &InvalidTransitionError{
		Entity:  "purchase",
		ID:      p.ID,
		State:   string(p.State),
		Trigger: string(trigger),
	}
}

// Apply move a compra para o próximo estado; o cancelamento registra cancelledAt
func (p *Purchase) Apply(trigger PurchaseTrigger, now time.Time) error {
	next, err := NextPurchaseState(*p, trigger, now)
	if err != nil {
		return err
	}
	if next == PurchaseStateCancelled {
		cancelledAt := now
		p.CancelledAt = &cancelledAt
	}
	p.State = next
	p.UpdatedAt = now
	return nil
}

// PurchaseDeletable informa se a compra já pode ser apagada fisicamente
func PurchaseDeletable(p Purchase, now time.Time) bool {
	switch p.State {
	case PurchaseStateUnconfirmed:
		return now.Sub(p.ConfirmDeadline) >= RetentionPeriod
	case PurchaseStateCancelled:
		return p.CancelledAt != nil && now.Sub(*p.CancelledAt) >= RetentionPeriod
	}
	return false
}

// ownsVehicle informa se a compra controla o ciclo de vida do veículo
func (p *Purchase) ownsVehicle() bool {
	return p.State == PurchaseStateConfirmed || p.State == PurchaseStateFinished
}
