package main

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicatePayment    = errors.New("payment already processed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStateConflict indica que outro escritor alterou o registro entre a leitura e a escrita
	ErrStateConflict = errors.New("record changed concurrently")

	ErrVehicleAlreadySold = errors.New("vehicle already has a purchase")
	ErrVehicleBusy        = errors.New("vehicle has active rentals")

	// ErrStoreUnavailable envolve falhas de conexão com o banco; aborta o tick inteiro do sweeper
	ErrStoreUnavailable = errors.New("transaction store unavailable")
)

// InvalidTransitionError é retornado quando o gatilho não é válido no estado atual
type InvalidTransitionError struct {
	Entity  string
	ID      string
	State   string
	Trigger string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s is %s and cannot %s", e.Entity, e.ID, e.State, e.Trigger)
}

// ValidationError representa uma entrada malformada
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}
