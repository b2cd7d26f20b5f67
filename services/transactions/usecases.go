package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// maxTransitionAttempts limita as releituras após perder um compare-and-set
const maxTransitionAttempts = 3

// CreateRentalRequest representa a requisição para criar um aluguel
type CreateRentalRequest struct {
	RenterID  string    `json:"renter_id" binding:"required"`
	VehicleID string    `json:"vehicle_id" binding:"required"`
	StartAt   time.Time `json:"start_at" binding:"required"`
	EndAt     time.Time `json:"end_at" binding:"required"`
}

// CreatePurchaseRequest representa a requisição para criar uma compra
type CreatePurchaseRequest struct {
	BuyerID   string `json:"buyer_id" binding:"required"`
	VehicleID string `json:"vehicle_id" binding:"required"`
}

// TransactionUseCase contém as ações de usuário sobre aluguéis e compras
type TransactionUseCase struct {
	store         TransactionStore
	vehicles      VehicleCatalog
	lifecycle     *VehicleLifecycle
	notifications *NotificationDispatcher
	metrics       *Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewTransactionUseCase cria uma nova instância de TransactionUseCase
func NewTransactionUseCase(
	store TransactionStore,
	vehicles VehicleCatalog,
	lifecycle *VehicleLifecycle,
	notifications *NotificationDispatcher,
	metrics *Metrics,
	logger *zap.Logger,
) *TransactionUseCase {
	return &TransactionUseCase{
		store:         store,
		vehicles:      vehicles,
		lifecycle:     lifecycle,
		notifications: notifications,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// CreateRental reserva o veículo e pede a confirmação ao locatário
func (uc *TransactionUseCase) CreateRental(ctx context.Context, req CreateRentalRequest) (*Rental, error) {
	rental, err := NewRental(req.RenterID, req.VehicleID, req.StartAt, req.EndAt, uc.now())
	if err != nil {
		return nil, err
	}
	if err := uc.ensureVehicleAvailable(ctx, req.VehicleID); err != nil {
		return nil, err
	}

	if err := uc.store.CreateRental(ctx, rental); err != nil {
		uc.logger.Error("❌ [CREATE RENTAL] failed", zap.String("vehicle_id", req.VehicleID), zap.Error(err))
		return nil, fmt.Errorf("failed to create rental: %w", err)
	}

	uc.logger.Info("✅ [CREATE RENTAL] reserved",
		zap.String("rental_id", rental.ID),
		zap.String("vehicle_id", rental.VehicleID),
		zap.Timep("confirm_deadline", rental.ConfirmDeadline),
	)
	uc.notifications.Send(ctx, KindRentalConfirmRequest, rental.RenterID, rentalPayload(rental))
	return rental, nil
}

// ConfirmRental confirma um aluguel reservado e avisa o dono do veículo
func (uc *TransactionUseCase) ConfirmRental(ctx context.Context, id string) (*Rental, error) {
	rental, err := uc.transitionRental(ctx, id, RentalTriggerConfirm)
	if err != nil {
		return nil, err
	}
	uc.notifications.SendToOwner(ctx, rental.VehicleID, KindRentalOwnerAlert, rentalPayload(rental))
	return rental, nil
}

// CancelRental cancela um aluguel ainda não confirmado
func (uc *TransactionUseCase) CancelRental(ctx context.Context, id string) (*Rental, error) {
	return uc.transitionRental(ctx, id, RentalTriggerCancel)
}

// RequestRentalConfirmation reenvia o pedido de confirmação enquanto o aluguel está reservado
func (uc *TransactionUseCase) RequestRentalConfirmation(ctx context.Context, id string) error {
	rental, err := uc.store.GetRental(ctx, id)
	if err != nil {
		return err
	}
	if rental.State != RentalStateReserved {
		return &InvalidTransitionError{Entity: "rental", ID: id, State: string(rental.State), Trigger: "request_confirmation"}
	}
	if !uc.notifications.Send(ctx, KindRentalConfirmRequest, rental.RenterID, rentalPayload(rental)) {
		return fmt.Errorf("%w: confirmation request not sent", ErrUpstreamUnavailable)
	}
	return nil
}

// DeleteRental apaga um aluguel cancelado ou não confirmado.
// FINISHED fica retido para a avaliação e aluguéis ativos precisam ser cancelados antes.
func (uc *TransactionUseCase) DeleteRental(ctx context.Context, id string) error {
	rental, err := uc.store.GetRental(ctx, id)
	if err != nil {
		return err
	}
	if rental.State != RentalStateCancelled && rental.State != RentalStateUnconfirmed {
		return &InvalidTransitionError{Entity: "rental", ID: id, State: string(rental.State), Trigger: "delete"}
	}

	if err := uc.store.DeleteRental(ctx, id, rental.State); err != nil {
		uc.logger.Error("❌ [DELETE RENTAL] failed", zap.String("rental_id", id), zap.Error(err))
		return fmt.Errorf("failed to delete rental: %w", err)
	}

	uc.logger.Info("✅ [DELETE RENTAL] deleted",
		zap.String("rental_id", id),
		zap.String("state", string(rental.State)),
	)
	return nil
}

func (uc *TransactionUseCase) GetRental(ctx context.Context, id string) (*Rental, error) {
	return uc.store.GetRental(ctx, id)
}

func (uc *TransactionUseCase) ListRentals(ctx context.Context, filter RentalFilter) ([]Rental, error) {
	return uc.store.ListRentals(ctx, filter)
}

// CreatePurchase registra a compra e pede a confirmação ao comprador
func (uc *TransactionUseCase) CreatePurchase(ctx context.Context, req CreatePurchaseRequest) (*Purchase, error) {
	purchase, err := NewPurchase(req.BuyerID, req.VehicleID, uc.now())
	if err != nil {
		return nil, err
	}
	if err := uc.ensureVehicleAvailable(ctx, req.VehicleID); err != nil {
		return nil, err
	}

	if err := uc.store.CreatePurchase(ctx, purchase); err != nil {
		uc.logger.Error("❌ [CREATE PURCHASE] failed", zap.String("vehicle_id", req.VehicleID), zap.Error(err))
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}

	uc.logger.Info("✅ [CREATE PURCHASE] pending",
		zap.String("purchase_id", purchase.ID),
		zap.String("vehicle_id", purchase.VehicleID),
	)
	uc.notifications.Send(ctx, KindPurchaseConfirmRequest, purchase.BuyerID, purchasePayload(purchase))
	return purchase, nil
}

// ConfirmPurchase confirma a compra e avisa comprador e vendedor
func (uc *TransactionUseCase) ConfirmPurchase(ctx context.Context, id string) (*Purchase, error) {
	purchase, err := uc.transitionPurchase(ctx, id, PurchaseTriggerConfirm)
	if err != nil {
		return nil, err
	}
	payload := purchasePayload(purchase)
	uc.notifications.Send(ctx, KindPurchaseSuccess, purchase.BuyerID, payload)
	uc.notifications.SendToOwner(ctx, purchase.VehicleID, KindVehicleSoldAlert, payload)
	return purchase, nil
}

// CancelPurchase cancela uma compra pendente
func (uc *TransactionUseCase) CancelPurchase(ctx context.Context, id string) (*Purchase, error) {
	return uc.transitionPurchase(ctx, id, PurchaseTriggerCancel)
}

// DeletePurchase apaga a compra. Compras CONFIRMED/FINISHED levam o veículo e suas imagens junto.
func (uc *TransactionUseCase) DeletePurchase(ctx context.Context, id string) error {
	purchase, err := uc.store.GetPurchase(ctx, id)
	if err != nil {
		return err
	}

	cascaded := false
	if purchase.ownsVehicle() {
		if err := uc.lifecycle.OnPurchaseFinalized(ctx, purchase.VehicleID); err != nil {
			return err
		}
		cascaded = true
	}

	err = uc.store.DeletePurchase(ctx, purchase.ID, purchase.State)
	if cascaded && errors.Is(err, ErrNotFound) {
		// already gone with its vehicle
		err = nil
	}
	if err != nil {
		uc.logger.Error("❌ [DELETE PURCHASE] failed", zap.String("purchase_id", id), zap.Error(err))
		return fmt.Errorf("failed to delete purchase: %w", err)
	}

	uc.logger.Info("✅ [DELETE PURCHASE] deleted",
		zap.String("purchase_id", id),
		zap.String("state", string(purchase.State)),
		zap.Bool("vehicle_removed", cascaded),
	)
	return nil
}

// RequestPurchaseConfirmation reenvia o pedido de confirmação enquanto a compra está pendente
func (uc *TransactionUseCase) RequestPurchaseConfirmation(ctx context.Context, id string) error {
	purchase, err := uc.store.GetPurchase(ctx, id)
	if err != nil {
		return err
	}
	if purchase.State != PurchaseStatePending {
		return &InvalidTransitionError{Entity: "purchase", ID: id, State: string(purchase.State), Trigger: "request_confirmation"}
	}
	if !uc.notifications.Send(ctx, KindPurchaseConfirmRequest, purchase.BuyerID, purchasePayload(purchase)) {
		return fmt.Errorf("%w: confirmation request not sent", ErrUpstreamUnavailable)
	}
	return nil
}

func (uc *TransactionUseCase) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	return uc.store.GetPurchase(ctx, id)
}

func (uc *TransactionUseCase) ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error) {
	return uc.store.ListPurchases(ctx, filter)
}

func (uc *TransactionUseCase) ensureVehicleAvailable(ctx context.Context, vehicleID string) error {
	vehicle, err := uc.vehicles.GetVehicle(ctx, vehicleID)
	if errors.Is(err, ErrNotFound) {
		return &ValidationError{Field: "vehicle_id", Message: "references an unknown vehicle"}
	}
	if err != nil {
		return fmt.Errorf("failed to load vehicle: %w", err)
	}
	if !vehicle.Active() {
		return &ValidationError{Field: "vehicle_id", Message: "references a deactivated vehicle"}
	}
	return nil
}

// transitionRental aplica o gatilho com compare-and-set, relendo o registro quando outro escritor chega antes
func (uc *TransactionUseCase) transitionRental(ctx context.Context, id string, trigger RentalTrigger) (*Rental, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		rental, err := uc.store.GetRental(ctx, id)
		if err != nil {
			return nil, err
		}

		prev := rental.Version()
		if err := rental.Apply(trigger, uc.now()); err != nil {
			return nil, err
		}

		err = uc.store.UpdateRental(ctx, rental, prev)
		if errors.Is(err, ErrStateConflict) {
			uc.logger.Info("⏳ [RENTAL] concurrent update, retrying", zap.String("rental_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to %s rental: %w", trigger, err)
		}

		uc.metrics.RecordTransition(ctx, "rental", string(prev.State), string(rental.State))
		uc.logger.Info("✅ [RENTAL] transition applied",
			zap.String("rental_id", id),
			zap.String("from", string(prev.State)),
			zap.String("to", string(rental.State)),
		)
		return rental, nil
	}
	return nil, fmt.Errorf("rental %s: %w", id, ErrStateConflict)
}

func (uc *TransactionUseCase) transitionPurchase(ctx context.Context, id string, trigger PurchaseTrigger) (*Purchase, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		purchase, err := uc.store.GetPurchase(ctx, id)
		if err != nil {
			return nil, err
		}

		from := purchase.State
		if err := purchase.Apply(trigger, uc.now()); err != nil {
			return nil, err
		}

		err = uc.store.UpdatePurchase(ctx, purchase, from)
		if errors.Is(err, ErrStateConflict) {
			uc.logger.Info("⏳ [PURCHASE] concurrent update, retrying", zap.String("purchase_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to %s purchase: %w", trigger, err)
		}

		uc.metrics.RecordTransition(ctx, "purchase", string(from), string(purchase.State))
		uc.logger.Info("✅ [PURCHASE] transition applied",
			zap.String("purchase_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(purchase.State)),
		)
		return purchase, nil
	}
	return nil, fmt.Errorf("purchase %s: %w", id, ErrStateConflict)
}
