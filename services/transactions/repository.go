package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	paymentRefConstraint      = "rentals_payment_ref_key"
	purchaseVehicleConstraint = "purchases_vehicle_id_key"
)

// TransactionStore define a persistência de aluguéis e compras
type TransactionStore interface {
	// CreateRental insere um aluguel; payment_ref repetido retorna ErrDuplicatePayment
	CreateRental(ctx context.Context, rental *Rental) error

	// GetRental busca um aluguel pelo ID
	GetRental(ctx context.Context, id string) (*Rental, error)

	// FindRentalByPaymentRef busca o aluguel que já recebeu o pagamento informado
	FindRentalByPaymentRef(ctx context.Context, paymentRef string) (*Rental, error)

	// UpdateRental grava o aluguel somente se ele ainda estiver na versão esperada
	UpdateRental(ctx context.Context, rental *Rental, expected RentalVersion) error

	// DeleteRental apaga o aluguel somente se ele ainda estiver no estado esperado
	DeleteRental(ctx context.Context, id string, expected RentalState) error

	// ListRentals retorna os aluguéis que satisfazem o filtro
	ListRentals(ctx context.Context, filter RentalFilter) ([]Rental, error)

	// CreatePurchase insere uma compra; veículo já vendido retorna ErrVehicleAlreadySold
	CreatePurchase(ctx context.Context, purchase *Purchase) error

	// GetPurchase busca uma compra pelo ID
	GetPurchase(ctx context.Context, id string) (*Purchase, error)

	// UpdatePurchase grava a compra somente se ela ainda estiver no estado esperado
	UpdatePurchase(ctx context.Context, purchase *Purchase, expected PurchaseState) error

	// DeletePurchase apaga a compra somente se ela ainda estiver no estado esperado
	DeletePurchase(ctx context.Context, id string, expected PurchaseState) error

	// ListPurchases retorna as compras que satisfazem o filtro
	ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error)
}

// VehicleCatalog expõe a parte do cadastro de veículos usada pelas transações
type VehicleCatalog interface {
	GetVehicle(ctx context.Context, id string) (*Vehicle, error)

	// ListDeactivatedVehicles retorna veículos desativados até o corte informado
	ListDeactivatedVehicles(ctx context.Context, cutoff time.Time) ([]Vehicle, error)

	// DeleteVehicle apaga o veículo e, em cascata, sua compra e seus aluguéis.
	// Retorna ErrVehicleBusy enquanto houver aluguéis ativos.
	DeleteVehicle(ctx context.Context, id string) error
}

// RentalFilter seleciona aluguéis; campos vazios não filtram
type RentalFilter struct {
	State     RentalState
	RenterID  string
	VehicleID string

	ConfirmDeadlineAfter      *time.Time // confirm_deadline > t
	ConfirmDeadlineBefore     *time.Time // confirm_deadline < t
	ConfirmDeadlineAtOrBefore *time.Time // confirm_deadline <= t
	StartAtOrBefore           *time.Time
	EndAtOrBefore             *time.Time

	Limit int
}

// PurchaseFilter seleciona compras; campos vazios não filtram
type PurchaseFilter struct {
	State     PurchaseState
	BuyerID   string
	VehicleID string

	ConfirmDeadlineBefore     *time.Time // confirm_deadline < t
	ConfirmDeadlineAtOrBefore *time.Time // confirm_deadline <= t
	CancelledAtOrBefore       *time.Time

	Limit int
}

// pgxPool é o subconjunto de *pgxpool.Pool usado pelo repositório
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implementa TransactionStore e VehicleCatalog usando PostgreSQL
type PostgresRepository struct {
	db pgxPool
}

// NewPostgresRepository cria uma nova instância de PostgresRepository
func NewPostgresRepository(db pgxPool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const rentalColumns = `id, reserved_at, start_at, end_at, state, confirm_deadline, paid_at,
	payment_ref, amount_paid::text, renter_id, vehicle_id, rating_id, updated_at`

// CreateRental insere um aluguel
func (r *PostgresRepository) CreateRental(ctx context.Context, rental *Rental) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO rentals (id, reserved_at, start_at, end_at, state, confirm_deadline, paid_at,
			payment_ref, amount_paid, renter_id, vehicle_id, rating_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10, $11, $12, $13)
	`, rental.ID, rental.ReservedAt, rental.StartAt, rental.EndAt, string(rental.State), rental.ConfirmDeadline,
		rental.PaidAt, rental.PaymentRef, decimalParam(rental.AmountPaid), rental.RenterID, rental.VehicleID,
		rental.RatingID, rental.UpdatedAt)
	return mapWriteError(err)
}

// GetRental busca um aluguel pelo ID
func (r *PostgresRepository) GetRental(ctx context.Context, id string) (*Rental, error) {
	row := r.db.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id)
	rental, err := scanRental(row)
	if err != nil {
		return nil, mapReadError(err, "rental", id)
	}
	return rental, nil
}

// FindRentalByPaymentRef busca o aluguel que já recebeu o pagamento
func (r *PostgresRepository) FindRentalByPaymentRef(ctx context.Context, paymentRef string) (*Rental, error) {
	row := r.db.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE payment_ref = $1`, paymentRef)
	rental, err := scanRental(row)
	if err != nil {
		return nil, mapReadError(err, "payment reference", paymentRef)
	}
	return rental, nil
}

// UpdateRental aplica compare-and-set sobre state e payment_ref
func (r *PostgresRepository) UpdateRental(ctx context.Context, rental *Rental, expected RentalVersion) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE rentals
		SET state = $2, paid_at = $3, payment_ref = $4, amount_paid = $5::text::numeric, rating_id = $6, updated_at = $7
		WHERE id = $1 AND state = $8 AND payment_ref IS NOT DISTINCT FROM $9::text
	`, rental.ID, string(rental.State), rental.PaidAt, rental.PaymentRef, decimalParam(rental.AmountPaid),
		rental.RatingID, rental.UpdatedAt, string(expected.State), expected.PaymentRef)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, "rentals", rental.ID)
	}
	return nil
}

// DeleteRental apaga o aluguel se ainda estiver no estado esperado
func (r *PostgresRepository) DeleteRental(ctx context.Context, id string, expected RentalState) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM rentals WHERE id = $1 AND state = $2`, id, string(expected))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, "rentals", id)
	}
	return nil
}

// ListRentals retorna os aluguéis que satisfazem o filtro
func (r *PostgresRepository) ListRentals(ctx context.Context, filter RentalFilter) ([]Rental, error) {
	var w whereBuilder
	if filter.State != "" {
		w.add("state = $%d", string(filter.State))
	}
	if filter.RenterID != "" {
		w.add("renter_id = $%d", filter.RenterID)
	}
	if filter.VehicleID != "" {
		w.add("vehicle_id = $%d", filter.VehicleID)
	}
	if filter.ConfirmDeadlineAfter != nil {
		w.add("confirm_deadline > $%d", *filter.ConfirmDeadlineAfter)
	}
	if filter.ConfirmDeadlineBefore != nil {
		w.add("confirm_deadline < $%d", *filter.ConfirmDeadlineBefore)
	}
	if filter.ConfirmDeadlineAtOrBefore != nil {
		w.add("confirm_deadline <= $%d", *filter.ConfirmDeadlineAtOrBefore)
	}
	if filter.StartAtOrBefore != nil {
		w.add("start_at <= $%d", *filter.StartAtOrBefore)
	}
	if filter.EndAtOrBefore != nil {
		w.add("end_at <= $%d", *filter.EndAtOrBefore)
	}

	query := `SELECT ` + rentalColumns + ` FROM rentals` + w.sql() + ` ORDER BY reserved_at, id` + limitClause(filter.Limit)
	rows, err := r.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, classifyStoreError(err)
	}

	rentals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Rental, error) {
		rental, err := scanRental(row)
		if err != nil {
			return Rental{}, err
		}
		return *rental, nil
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return rentals, nil
}

const purchaseColumns = `id, purchased_at, confirm_deadline, cancelled_at, state, buyer_id, vehicle_id, updated_at`

// CreatePurchase insere uma compra
func (r *PostgresRepository) CreatePurchase(ctx context.Context, purchase *Purchase) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, purchase.ID, purchase.PurchasedAt, purchase.ConfirmDeadline, purchase.CancelledAt,
		string(purchase.State), purchase.BuyerID, purchase.VehicleID, purchase.UpdatedAt)
	return mapWriteError(err)
}

// GetPurchase busca uma compra pelo ID
func (r *PostgresRepository) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	row := r.db.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
	purchase, err := scanPurchase(row)
	if err != nil {
		return nil, mapReadError(err, "purchase", id)
	}
	return purchase, nil
}

// UpdatePurchase aplica compare-and-set sobre state
func (r *PostgresRepository) UpdatePurchase(ctx context.Context, purchase *Purchase, expected PurchaseState) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE purchases
		SET state = $2, cancelled_at = $3, updated_at = $4
		WHERE id = $1 AND state = $5
	`, purchase.ID, string(purchase.State), purchase.CancelledAt, purchase.UpdatedAt, string(expected))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, "purchases", purchase.ID)
	}
	return nil
}

// DeletePurchase apaga a compra se ainda estiver no estado esperado
func (r *PostgresRepository) DeletePurchase(ctx context.Context, id string, expected PurchaseState) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM purchases WHERE id = $1 AND state = $2`, id, string(expected))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, "purchases", id)
	}
	return nil
}

// ListPurchases retorna as compras que satisfazem o filtro
func (r *PostgresRepository) ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error) {
	var w whereBuilder
	if filter.State != "" {
		w.add("state = $%d", string(filter.State))
	}
	if filter.BuyerID != "" {
		w.add("buyer_id = $%d", filter.BuyerID)
	}
	if filter.VehicleID != "" {
		w.add("vehicle_id = $%d", filter.VehicleID)
	}
	if filter.ConfirmDeadlineBefore != nil {
		w.add("confirm_deadline < $%d", *filter.ConfirmDeadlineBefore)
	}
	if filter.ConfirmDeadlineAtOrBefore != nil {
		w.add("confirm_deadline <= $%d", *filter.ConfirmDeadlineAtOrBefore)
	}
	if filter.CancelledAtOrBefore != nil {
		w.add("cancelled_at <= $%d", *filter.CancelledAtOrBefore)
	}

	query := `SELECT ` + purchaseColumns + ` FROM purchases` + w.sql() + ` ORDER BY purchased_at, id` + limitClause(filter.Limit)
	rows, err := r.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, classifyStoreError(err)
	}

	purchases, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Purchase, error) {
		purchase, err := scanPurchase(row)
		if err != nil {
			return Purchase{}, err
		}
		return *purchase, nil
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return purchases, nil
}

// GetVehicle busca um veículo pelo ID
func (r *PostgresRepository) GetVehicle(ctx context.Context, id string) (*Vehicle, error) {
	var v Vehicle
	err := r.db.QueryRow(ctx, `
		SELECT id, owner_id, images, deactivated_at FROM vehicles WHERE id = $1
	`, id).Scan(&v.ID, &v.OwnerID, &v.Images, &v.DeactivatedAt)
	if err != nil {
		return nil, mapReadError(err, "vehicle", id)
	}
	return &v, nil
}

// ListDeactivatedVehicles retorna veículos com deactivated_at <= cutoff
func (r *PostgresRepository) ListDeactivatedVehicles(ctx context.Context, cutoff time.Time) ([]Vehicle, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, owner_id, images, deactivated_at FROM vehicles
		WHERE deactivated_at IS NOT NULL AND deactivated_at <= $1
		ORDER BY deactivated_at, id
	`, cutoff)
	if err != nil {
		return nil, classifyStoreError(err)
	}

	vehicles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Vehicle, error) {
		var v Vehicle
		err := row.Scan(&v.ID, &v.OwnerID, &v.Images, &v.DeactivatedAt)
		return v, err
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return vehicles, nil
}

// DeleteVehicle apaga o veículo se não houver aluguéis ativos; compra e aluguéis saem em cascata
func (r *PostgresRepository) DeleteVehicle(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM vehicles v
		WHERE v.id = $1 AND NOT EXISTS (
			SELECT 1 FROM rentals r
			WHERE r.vehicle_id = v.id AND r.state IN ('RESERVED', 'CONFIRMED', 'IN_PROGRESS')
		)
	`, id)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM vehicles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classifyStoreError(err)
	}
	if exists {
		return fmt.Errorf("vehicle %s: %w", id, ErrVehicleBusy)
	}
	return fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
}

// missingOrConflict explica por que um compare-and-set não afetou nenhuma linha
func (r *PostgresRepository) missingOrConflict(ctx context.Context, table, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return classifyStoreError(err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, ErrStateConflict)
}

func scanRental(row pgx.Row) (*Rental, error) {
	var (
		rental Rental
		state  string
		amount *string
	)
	err := row.Scan(&rental.ID, &rental.ReservedAt, &rental.StartAt, &rental.EndAt, &state,
		&rental.ConfirmDeadline, &rental.PaidAt, &rental.PaymentRef, &amount, &rental.RenterID,
		&rental.VehicleID, &rental.RatingID, &rental.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rental.State = RentalState(state)

	if amount != nil {
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount_paid %q: %w", *amount, err)
		}
		rental.AmountPaid = decimal.NewNullDecimal(d)
	}
	return &rental, nil
}

func scanPurchase(row pgx.Row) (*Purchase, error) {
	var (
		purchase Purchase
		state    string
	)
	err := row.Scan(&purchase.ID, &purchase.PurchasedAt, &purchase.ConfirmDeadline, &purchase.CancelledAt,
		&state, &purchase.BuyerID, &purchase.VehicleID, &purchase.UpdatedAt)
	if err != nil {
		return nil, err
	}
	purchase.State = PurchaseState(state)
	return &purchase, nil
}

func decimalParam(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// whereBuilder monta cláusulas WHERE com placeholders numerados
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func mapReadError(err error, entity, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, key, ErrNotFound)
	}
	return classifyStoreError(err)
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == paymentRefConstraint:
			return fmt.Errorf("%w: %s", ErrDuplicatePayment, pgErr.Detail)
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == purchaseVehicleConstraint:
			return ErrVehicleAlreadySold
		case pgErr.Code == pgForeignKeyViolation:
			return &ValidationError{Field: "vehicle_id", Message: "references an unknown vehicle"}
		}
	}
	return classifyStoreError(err)
}

// classifyStoreError marca falhas de conexão como ErrStoreUnavailable
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
