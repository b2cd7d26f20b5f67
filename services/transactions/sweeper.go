package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// sweepTask é uma categoria de trabalho do tick com sua própria fronteira de falha
type sweepTask struct {
	name string
	run  func(ctx context.Context, now time.Time) (int, error)
}

// TaskReport resume a execução de uma tarefa do tick
type TaskReport struct {
	Name     string        `json:"name"`
	Affected int           `json:"affected"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// SweepReport resume um tick completo
type SweepReport struct {
	StartedAt time.Time    `json:"started_at"`
	Tasks     []TaskReport `json:"tasks"`
	Aborted   bool         `json:"aborted"`
}

// Failed retorna as tarefas que terminaram com erro
func (r SweepReport) Failed() []TaskReport {
	var failed []TaskReport
	for _, t := range r.Tasks {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

// Sweeper avança e expira transações com base apenas no tempo decorrido
type Sweeper struct {
	store         TransactionStore
	vehicles      VehicleCatalog
	lifecycle     *VehicleLifecycle
	notifications *NotificationDispatcher
	metrics       *Metrics
	logger        *zap.Logger
	taskTimeout   time.Duration
	now           func() time.Time

	mu    sync.Mutex
	tasks []sweepTask
}

// NewSweeper cria o sweeper com as tarefas na ordem do tick: transições antes das exclusões
func NewSweeper(
	store TransactionStore,
	vehicles VehicleCatalog,
	lifecycle *VehicleLifecycle,
	notifications *NotificationDispatcher,
	metrics *Metrics,
	logger *zap.Logger,
	taskTimeout time.Duration,
) *Sweeper {
	s := &Sweeper{
		store:         store,
		vehicles:      vehicles,
		lifecycle:     lifecycle,
		notifications: notifications,
		metrics:       metrics,
		logger:        logger,
		taskTimeout:   taskTimeout,
		now:           time.Now,
	}

	s.tasks = []sweepTask{
		{name: "expire-rentals", run: s.expireRentals},
		{name: "remind-rentals", run: s.remindRentals},
		{name: "start-rentals", run: s.startRentals},
		{name: "finish-rentals", run: s.finishRentals},
		{name: "expire-purchases", run: s.expirePurchases},
		{name: "finish-purchases", run: s.finishPurchases},
		{name: "delete-unconfirmed-rentals", run: s.deleteUnconfirmedRentals},
		{name: "delete-unconfirmed-purchases", run: s.deleteUnconfirmedPurchases},
		{name: "delete-cancelled-purchases", run: s.deleteCancelledPurchases},
		{name: "remove-deactivated-vehicles", run: s.removeDeactivatedVehicles},
	}
	return s
}

// Tick executa uma passada completa. Ticks concorrentes no mesmo processo são serializados.
func (s *Sweeper) Tick(ctx context.Context) SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "sweeper.tick")
	defer span.End()

	report := SweepReport{StartedAt: now}
	started := time.Now()

	for _, task := range s.tasks {
		if ctx.Err() != nil {
			report.Aborted = true
			break
		}

		tr := s.runTask(ctx, task, now)
		report.Tasks = append(report.Tasks, tr)

		if errors.Is(tr.Err, ErrStoreUnavailable) {
			s.logger.Error("❌ [SWEEP] store unavailable, aborting tick", zap.String("task", task.name), zap.Error(tr.Err))
			report.Aborted = true
			break
		}
	}

	if report.Aborted {
		span.SetStatus(codes.Error, "tick aborted")
	}
	s.metrics.RecordTick(ctx, time.Since(started), report.Aborted)
	s.logger.Info("🧹 [SWEEP] tick finished",
		zap.Time("now", now),
		zap.Int("tasks", len(report.Tasks)),
		zap.Int("failed", len(report.Failed())),
		zap.Bool("aborted", report.Aborted),
	)
	return report
}

func (s *Sweeper) runTask(ctx context.Context, task sweepTask, now time.Time) (tr TaskReport) {
	tr.Name = task.name
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "sweeper."+task.name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			tr.Err = fmt.Errorf("task %s panicked: %v", task.name, r)
		}
		tr.Duration = time.Since(started)
		span.SetAttributes(attribute.Int("sweep.affected", tr.Affected))
		if tr.Err != nil {
			span.RecordError(tr.Err)
			span.SetStatus(codes.Error, "task failed")
			s.logger.Error("❌ [SWEEP] task failed", zap.String("task", task.name), zap.Error(tr.Err))
		} else if tr.Affected > 0 {
			s.logger.Info("✅ [SWEEP] task done", zap.String("task", task.name), zap.Int("affected", tr.Affected))
		}
		s.metrics.RecordSweepTask(ctx, task.name, tr.Affected, tr.Err)
	}()

	tr.Affected, tr.Err = task.run(ctx, now)
	return tr
}

func (s *Sweeper) expireRentals(ctx context.Context, now time.Time) (int, error) {
	rentals, err := s.store.ListRentals(ctx, RentalFilter{State: RentalStateReserved, ConfirmDeadlineBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("list overdue reserved rentals: %w", err)
	}
	return s.transitionRentals(ctx, rentals, RentalTriggerExpire, now, nil)
}

// remindRentals avisa locatários cujo prazo vence nas próximas horas; não muda estado
func (s *Sweeper) remindRentals(ctx context.Context, now time.Time) (int, error) {
	until := now.Add(ReminderWindow)
	rentals, err := s.store.ListRentals(ctx, RentalFilter{
		State:                 RentalStateReserved,
		ConfirmDeadlineAfter:  &now,
		ConfirmDeadlineBefore: &until,
	})
	if err != nil {
		return 0, fmt.Errorf("list rentals near deadline: %w", err)
	}

	sent := 0
	for i := range rentals {
		if s.notifications.Send(ctx, KindRentalReminder, rentals[i].RenterID, rentalPayload(&rentals[i])) {
			sent++
		}
	}
	return sent, nil
}

func (s *Sweeper) startRentals(ctx context.Context, now time.Time) (int, error) {
	rentals, err := s.store.ListRentals(ctx, RentalFilter{State: RentalStateConfirmed, StartAtOrBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("list confirmed rentals due to start: %w", err)
	}
	return s.transitionRentals(ctx, rentals, RentalTriggerStart, now, nil)
}

func (s *Sweeper) finishRentals(ctx context.Context, now time.Time) (int, error) {
	rentals, err := s.store.ListRentals(ctx, RentalFilter{State: RentalStateInProgress, EndAtOrBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("list rentals due to finish: %w", err)
	}
	return s.transitionRentals(ctx, rentals, RentalTriggerFinish, now, func(ctx context.Context, r *Rental) {
		payload := rentalPayload(r)
		s.notifications.Send(ctx, KindRatingRequest, r.RenterID, payload)
		s.notifications.SendToOwner(ctx, r.VehicleID, KindRatingRequest, payload)
	})
}

func (s *Sweeper) expirePurchases(ctx context.Context, now time.Time) (int, error) {
	purchases, err := s.store.ListPurchases(ctx, PurchaseFilter{State: PurchaseStatePending, ConfirmDeadlineBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("list overdue pending purchases: %w", err)
	}
	return s.transitionPurchases(ctx, purchases, PurchaseTriggerExpire, now, nil)
}

func (s *Sweeper) finishPurchases(ctx context.Context, now time.Time) (int, error) {
	purchases, err := s.store.ListPurchases(ctx, PurchaseFilter{State: PurchaseStateConfirmed})
	if err != nil {
		return 0, fmt.Errorf("list confirmed purchases: %w", err)
	}
	return s.transitionPurchases(ctx, purchases, PurchaseTriggerFinish, now, func(ctx context.Context, p *Purchase) {
		payload := purchasePayload(p)
		s.notifications.Send(ctx, KindRatingRequest, p.BuyerID, payload)
		s.notifications.SendToOwner(ctx, p.VehicleID, KindRatingRequest, payload)
	})
}

func (s *Sweeper) deleteUnconfirmedRentals(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-RetentionPeriod)
	rentals, err := s.store.ListRentals(ctx, RentalFilter{State: RentalStateUnconfirmed, ConfirmDeadlineAtOrBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("list expired unconfirmed rentals: %w", err)
	}

	deleted := 0
	for _, r := range rentals {
		if !RentalDeletable(r, now) {
			continue
		}
		ok, err := s.tolerate(s.store.DeleteRental(ctx, r.ID, r.State), zap.String("rental_id", r.ID))
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (s *Sweeper) deleteUnconfirmedPurchases(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-RetentionPeriod)
	purchases, err := s.store.ListPurchases(ctx, PurchaseFilter{State: PurchaseStateUnconfirmed, ConfirmDeadlineAtOrBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("list expired unconfirmed purchases: %w", err)
	}
	return s.deletePurchases(ctx, purchases, now)
}

func (s *Sweeper) deleteCancelledPurchases(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-RetentionPeriod)
	purchases, err := s.store.ListPurchases(ctx, PurchaseFilter{State: PurchaseStateCancelled, CancelledAtOrBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("list expired cancelled purchases: %w", err)
	}
	return s.deletePurchases(ctx, purchases, now)
}

func (s *Sweeper) removeDeactivatedVehicles(ctx context.Context, now time.Time) (int, error) {
	vehicles, err := s.vehicles.ListDeactivatedVehicles(ctx, now.Add(-DeactivationGracePeriod))
	if err != nil {
		return 0, fmt.Errorf("list deactivated vehicles: %w", err)
	}

	removed := 0
	for _, v := range vehicles {
		ok, err := s.tolerate(s.lifecycle.OnDeactivationExpired(ctx, v.ID), zap.String("vehicle_id", v.ID))
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *Sweeper) deletePurchases(ctx context.Context, purchases []Purchase, now time.Time) (int, error) {
	deleted := 0
	for _, p := range purchases {
		if !PurchaseDeletable(p, now) {
			continue
		}
		ok, err := s.tolerate(s.store.DeletePurchase(ctx, p.ID, p.State), zap.String("purchase_id", p.ID))
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// transitionRentals aplica o gatilho a cada aluguel lido nesta categoria, uma vez por registro
func (s *Sweeper) transitionRentals(ctx context.Context, rentals []Rental, trigger RentalTrigger, now time.Time, after func(context.Context, *Rental)) (int, error) {
	applied := 0
	for i := range rentals {
		r := &rentals[i]
		prev := r.Version()
		if err := r.Apply(trigger, now); err != nil {
			s.logger.Debug("ℹ️ [SWEEP] rental skipped", zap.String("rental_id", r.ID), zap.Error(err))
			continue
		}

		ok, err := s.tolerate(s.store.UpdateRental(ctx, r, prev), zap.String("rental_id", r.ID))
		if err != nil {
			return applied, err
		}
		if !ok {
			continue
		}

		applied++
		s.metrics.RecordTransition(ctx, "rental", string(prev.State), string(r.State))
		if after != nil {
			after(ctx, r)
		}
	}
	return applied, nil
}

func (s *Sweeper) transitionPurchases(ctx context.Context, purchases []Purchase, trigger PurchaseTrigger, now time.Time, after func(context.Context, *Purchase)) (int, error) {
	applied := 0
	for i := range purchases {
		p := &purchases[i]
		from := p.State
		if err := p.Apply(trigger, now); err != nil {
			s.logger.Debug("ℹ️ [SWEEP] purchase skipped", zap.String("purchase_id", p.ID), zap.Error(err))
			continue
		}

		ok, err := s.tolerate(s.store.UpdatePurchase(ctx, p, from), zap.String("purchase_id", p.ID))
		if err != nil {
			return applied, err
		}
		if !ok {
			continue
		}

		applied++
		s.metrics.RecordTransition(ctx, "purchase", string(from), string(p.State))
		if after != nil {
			after(ctx, p)
		}
	}
	return applied, nil
}

// tolerate separa falhas de um único registro, que são registradas e puladas,
// das falhas que encerram a categoria (store fora do ar ou prazo da tarefa esgotado).
func (s *Sweeper) tolerate(err error, field zap.Field) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false, err
	}
	s.logger.Warn("⚠️ [SWEEP] record skipped", field, zap.Error(err))
	return false, nil
}
