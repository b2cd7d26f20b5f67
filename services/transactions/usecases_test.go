package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionUseCase_CreateRental(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	req := CreateRentalRequest{
		RenterID:  "renter-1",
		VehicleID: "v1",
		StartAt:   baseTime.Add(2 * time.Hour),
		EndAt:     baseTime.Add(50 * time.Hour),
	}

	// Act
	rental, err := f.useCase.CreateRental(ctx, req)

	// Assert
	require.NoError(t, err)
	stored := f.store.rental(t, rental.ID)
	assert.Equal(t, RentalStateReserved, stored.State)
	assert.Equal(t, baseTime.Add(84*time.Minute), *stored.ConfirmDeadline)

	sent := f.notifier.ofKind(KindRentalConfirmRequest)
	require.Len(t, sent, 1)
	assert.Equal(t, "renter-1", sent[0].Recipient)
	assert.Equal(t, rental.ID, sent[0].Payload["rental_id"])
}

func TestTransactionUseCase_CreateRental_RejectsInvalidWindowBeforePersisting(t *testing.T) {
	f := newFixture(t)

	_, err := f.useCase.CreateRental(context.Background(), CreateRentalRequest{
		RenterID:  "renter-1",
		VehicleID: "v1",
		StartAt:   baseTime.Add(5 * time.Hour),
		EndAt:     baseTime.Add(2 * time.Hour),
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "end_at", verr.Field)
	assert.Zero(t, f.store.callCount("CreateRental"))
	assert.Empty(t, f.notifier.sent)
}

func TestTransactionUseCase_CreateRental_UnknownOrDeactivatedVehicle(t *testing.T) {
	f := newFixture(t)
	f.store.addVehicle(Vehicle{ID: "v-old", OwnerID: "owner-2", DeactivatedAt: ptrTime(baseTime.Add(-time.Hour))})

	for _, vehicleID := range []string{"missing", "v-old"} {
		_, err := f.useCase.CreateRental(context.Background(), CreateRentalRequest{
			RenterID:  "renter-1",
			VehicleID: vehicleID,
			StartAt:   baseTime.Add(2 * time.Hour),
			EndAt:     baseTime.Add(4 * time.Hour),
		})

		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, vehicleID)
	}
	assert.Zero(t, f.store.rentalCount())
}

func TestTransactionUseCase_CreateRental_NotificationFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errBoom

	rental, err := f.useCase.CreateRental(context.Background(), CreateRentalRequest{
		RenterID:  "renter-1",
		VehicleID: "v1",
		StartAt:   baseTime.Add(2 * time.Hour),
		EndAt:     baseTime.Add(4 * time.Hour),
	})

	require.NoError(t, err)
	assert.True(t, f.store.hasRental(rental.ID))
}

func TestTransactionUseCase_ConfirmRental(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.store.putRental(reservedRental("r1", "v1", baseTime, baseTime.Add(10*time.Hour)))
	f.clock.Advance(time.Hour)

	// Act
	rental, err := f.useCase.ConfirmRental(context.Background(), "r1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, RentalStateConfirmed, rental.State)
	assert.Equal(t, RentalStateConfirmed, f.store.rental(t, "r1").State)

	alerts := f.notifier.ofKind(KindRentalOwnerAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "owner-1", alerts[0].Recipient)
}

func TestTransactionUseCase_ConfirmCancelledRental(t *testing.T) {
	// Arrange
	f := newFixture(t)
	r := reservedRental("r1", "v1", baseTime, baseTime.Add(10*time.Hour))
	r.State = RentalStateCancelled
	f.store.putRental(r)

	// Act
	_, err := f.useCase.ConfirmRental(context.Background(), "r1")

	// Assert
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "CANCELLED", invalid.State)
	assert.Equal(t, RentalStateCancelled, f.store.rental(t, "r1").State)
	assert.Empty(t, f.notifier.sent)
}

func TestTransactionUseCase_ConfirmRental_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.useCase.ConfirmRental(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionUseCase_CancelRental(t *testing.T) {
	f := newFixture(t)
	f.store.putRental(reservedRental("r1", "v1", baseTime, baseTime.Add(10*time.Hour)))

	rental, err := f.useCase.CancelRental(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, RentalStateCancelled, rental.State)

	// a second cancel is rejected, not silently accepted
	_, err = f.useCase.CancelRental(context.Background(), "r1")
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestTransactionUseCase_RequestRentalConfirmation(t *testing.T) {
	f := newFixture(t)
	f.store.putRental(reservedRental("r1", "v1", baseTime, baseTime.Add(10*time.Hour)))

	require.NoError(t, f.useCase.RequestRentalConfirmation(context.Background(), "r1"))
	assert.Len(t, f.notifier.ofKind(KindRentalConfirmRequest), 1)

	f.notifier.err = errBoom
	assert.ErrorIs(t, f.useCase.RequestRentalConfirmation(context.Background(), "r1"), ErrUpstreamUnavailable)
}

func TestTransactionUseCase_RequestRentalConfirmation_NotReserved(t *testing.T) {
	f := newFixture(t)
	r := reservedRental("r1", "v1", baseTime, baseTime.Add(10*time.Hour))
	r.State = RentalStateConfirmed
	f.store.putRental(r)

	err := f.useCase.RequestRentalConfirmation(context.Background(), "r1")

	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestTransactionUseCase_ListRentals(t *testing.T) {
	f := newFixture(t)
	f.store.putRental(reservedRental("r1", "v1", baseTime, baseTime.Add(10*time.Hour)))
	f.store.putRental(reservedRental("r2", "v1", baseTime.Add(time.Minute), baseTime.Add(10*time.Hour)))

	rentals, err := f.useCase.ListRentals(context.Background(), RentalFilter{RenterID: "renter-r2"})

	require.NoError(t, err)
	require.Len(t, rentals, 1)
	assert.Equal(t, "r2", rentals[0].ID)
}

func TestTransactionUseCase_CreatePurchase(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	purchase, err := f.useCase.CreatePurchase(context.Background(), CreatePurchaseRequest{BuyerID: "buyer-1", VehicleID: "v1"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, PurchaseStatePending, f.store.purchase(t, purchase.ID).State)
	assert.Equal(t, baseTime.Add(24*time.Hour), purchase.ConfirmDeadline)

	sent := f.notifier.ofKind(KindPurchaseConfirmRequest)
	require.Len(t, sent, 1)
	assert.Equal(t, "buyer-1", sent[0].Recipient)
}

func TestTransactionUseCase_CreatePurchase_VehicleAlreadySold(t *testing.T) {
	f := newFixture(t)
	_, err := f.useCase.CreatePurchase(context.Background(), CreatePurchaseRequest{BuyerID: "buyer-1", VehicleID: "v1"})
	require.NoError(t, err)

	_, err = f.useCase.CreatePurchase(context.Background(), CreatePurchaseRequest{BuyerID: "buyer-2", VehicleID: "v1"})

	assert.ErrorIs(t, err, ErrVehicleAlreadySold)
}

func TestTransactionUseCase_ConfirmPurchase(t *testing.T) {
	// Arrange
	f := newFixture(t)
	purchase, err := f.useCase.CreatePurchase(context.Background(), CreatePurchaseRequest{BuyerID: "buyer-1", VehicleID: "v1"})
	require.NoError(t, err)
	f.notifier.reset()
	f.clock.Advance(10 * time.Hour)

	// Act
	confirmed, err := f.useCase.ConfirmPurchase(context.Background(), purchase.ID)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, PurchaseStateConfirmed, confirmed.State)

	success := f.notifier.ofKind(KindPurchaseSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, "buyer-1", success[0].Recipient)

	sold := f.notifier.ofKind(KindVehicleSoldAlert)
	require.Len(t, sold, 1)
	assert.Equal(t, "owner-1", sold[0].Recipient)
}

func TestTransactionUseCase_CancelPurchase(t *testing.T) {
	f := newFixture(t)
	purchase, err := f.useCase.CreatePurchase(context.Background(), CreatePurchaseRequest{BuyerID: "buyer-1", VehicleID: "v1"})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	cancelled, err := f.useCase.CancelPurchase(context.Background(), purchase.ID)

	require.NoError(t, err)
	assert.Equal(t, PurchaseStateCancelled, cancelled.State)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, baseTime.Add(time.Hour), *cancelled.CancelledAt)

	_, err = f.useCase.ConfirmPurchase(context.Background(), purchase.ID)
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestTransactionUseCase_DeletePendingPurchase_KeepsVehicle(t *testing.T) {
	f := newFixture(t)
	purchase, err := f.useCase.CreatePurchase(context.Background(), CreatePurchaseRequest{BuyerID: "buyer-1", VehicleID: "v1"})
	require.NoError(t, err)

	require.NoError(t, f.useCase.DeletePurchase(context.Background(), purchase.ID))

	assert.False(t, f.store.hasPurchase(purchase.ID))
	assert.True(t, f.store.hasVehicle("v1"))
}

func TestTransactionUseCase_DeleteConfirmedPurchase_RemovesVehicleAndMedia(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.store.addVehicle(Vehicle{ID: "v2", OwnerID: "owner-2", Images: []string{"a.jpg", "b.jpg"}})
	f.media = newMemoryMediaStore("a.jpg", "b.jpg")
	f.useCase.lifecycle = NewVehicleLifecycle(NewLocalVehicleRemover(f.store, f.media, f.useCase.logger), f.useCase.logger)

	purchase, err := f.useCase.CreatePurchase(context.Background(), CreatePurchaseRequest{BuyerID: "buyer-1", VehicleID: "v2"})
	require.NoError(t, err)
	_, err = f.useCase.ConfirmPurchase(context.Background(), purchase.ID)
	require.NoError(t, err)

	// Act
	err = f.useCase.DeletePurchase(context.Background(), purchase.ID)

	// Assert
	require.NoError(t, err)
	assert.False(t, f.store.hasPurchase(purchase.ID))
	assert.False(t, f.store.hasVehicle("v2"))
	assert.False(t, f.media.isLive("a.jpg"))
	assert.False(t, f.media.inTrash("a.jpg"))
	assert.False(t, f.media.isLive("b.jpg"))
}

func TestTransactionUseCase_DeleteConfirmedPurchase_VehicleBusy(t *testing.T) {
	f := newFixture(t)
	purchase, err := f.useCase.CreatePurchase(context.Background(), CreatePurchaseRequest{BuyerID: "buyer-1", VehicleID: "v1"})
	require.NoError(t, err)
	_, err = f.useCase.ConfirmPurchase(context.Background(), purchase.ID)
	require.NoError(t, err)
	f.store.putRental(reservedRental("r1", "v1", baseTime, baseTime.Add(10*time.Hour)))

	err = f.useCase.DeletePurchase(context.Background(), purchase.ID)

	assert.ErrorIs(t, err, ErrVehicleBusy)
	assert.True(t, f.store.hasPurchase(purchase.ID))
	assert.True(t, f.store.hasVehicle("v1"))
}

func TestTransactionUseCase_TransitionRetriesAfterConflict(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.store.putRental(reservedRental("r1", "v1", baseTime, baseTime.Add(10*time.Hour)))
	racing := &racingStore{memoryStore: f.store, onUpdate: func() {
		// another writer cancels the rental between our read and write
		r := f.store.rental(t, "r1")
		r.State = RentalStateCancelled
		f.store.putRental(r)
	}}
	f.useCase.store = racing

	// Act
	_, err := f.useCase.ConfirmRental(context.Background(), "r1")

	// Assert
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "CANCELLED", invalid.State)
	assert.Equal(t, RentalStateCancelled, f.store.rental(t, "r1").State)
}

// racingStore executa onUpdate uma vez, antes da primeira escrita
type racingStore struct {
	*memoryStore
	onUpdate func()
	fired    bool
}

func (s *racingStore) UpdateRental(ctx context.Context, rental *Rental, expected RentalVersion) error {
	if !s.fired {
		s.fired = true
		s.onUpdate()
	}
	return s.memoryStore.UpdateRental(ctx, rental, expected)
}

func TestTransactionUseCase_DeleteRental(t *testing.T) {
	tests := []struct {
		name    string
		state   RentalState
		deleted bool
	}{
		{"cancelled", RentalStateCancelled, true},
		{"unconfirmed", RentalStateUnconfirmed, true},
		{"reserved", RentalStateReserved, false},
		{"confirmed", RentalStateConfirmed, false},
		{"in progress", RentalStateInProgress, false},
		{"finished keeps its rating", RentalStateFinished, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := newFixture(t)
			r := reservedRental("r1", "v1", baseTime.Add(-time.Hour), baseTime.Add(10*time.Hour))
			r.State = tt.state
			f.store.putRental(r)

			// Act
			err := f.useCase.DeleteRental(context.Background(), "r1")

			// Assert
			if tt.deleted {
				require.NoError(t, err)
				assert.False(t, f.store.hasRental("r1"))
				return
			}
			var invalid *InvalidTransitionError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, string(tt.state), invalid.State)
			assert.True(t, f.store.hasRental("r1"))
		})
	}
}

func TestTransactionUseCase_DeleteRentalUnknown(t *testing.T) {
	f := newFixture(t)

	err := f.useCase.DeleteRental(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}
