package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// memoryStore implementa TransactionStore e VehicleCatalog em memória com as mesmas
// garantias do PostgreSQL: unicidade de payment_ref, uma compra por veículo,
// compare-and-set e exclusão em cascata.
type memoryStore struct {
	mu        sync.Mutex
	rentals   map[string]Rental
	purchases map[string]Purchase
	vehicles  map[string]Vehicle

	// failures injeta erros por método
	failures map[string]error
	calls    map[string]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		rentals:   make(map[string]Rental),
		purchases: make(map[string]Purchase),
		vehicles:  make(map[string]Vehicle),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (s *memoryStore) failOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

func (s *memoryStore) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *memoryStore) enter(method string) error {
	s.calls[method]++
	return s.failures[method]
}

func (s *memoryStore) addVehicle(v Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[v.ID] = v
}

func (s *memoryStore) putRental(r Rental) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rentals[r.ID] = r
}

func (s *memoryStore) putPurchase(p Purchase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchases[p.ID] = p
}

func (s *memoryStore) rental(t *testing.T, id string) Rental {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[id]
	require.True(t, ok, "rental %s not found", id)
	return r
}

func (s *memoryStore) purchase(t *testing.T, id string) Purchase {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	require.True(t, ok, "purchase %s not found", id)
	return p
}

func (s *memoryStore) hasRental(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rentals[id]
	return ok
}

func (s *memoryStore) hasPurchase(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.purchases[id]
	return ok
}

func (s *memoryStore) hasVehicle(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.vehicles[id]
	return ok
}

func (s *memoryStore) rentalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rentals)
}

func (s *memoryStore) CreateRental(_ context.Context, rental *Rental) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateRental"); err != nil {
		return err
	}
	if _, ok := s.vehicles[rental.VehicleID]; !ok {
		return &ValidationError{Field: "vehicle_id", Message: "references an unknown vehicle"}
	}
	if rental.PaymentRef != nil && s.refTaken(*rental.PaymentRef, rental.ID) {
		return ErrDuplicatePayment
	}
	if _, ok := s.rentals[rental.ID]; ok {
		return fmt.Errorf("rental %s already exists", rental.ID)
	}
	s.rentals[rental.ID] = *rental
	return nil
}

func (s *memoryStore) GetRental(_ context.Context, id string) (*Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetRental"); err != nil {
		return nil, err
	}
	r, ok := s.rentals[id]
	if !ok {
		return nil, fmt.Errorf("rental %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *memoryStore) FindRentalByPaymentRef(_ context.Context, paymentRef string) (*Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindRentalByPaymentRef"); err != nil {
		return nil, err
	}
	for _, r := range s.rentals {
		if r.PaymentRef != nil && *r.PaymentRef == paymentRef {
			found := r
			return &found, nil
		}
	}
	return nil, fmt.Errorf("payment reference %s: %w", paymentRef, ErrNotFound)
}

func (s *memoryStore) UpdateRental(_ context.Context, rental *Rental, expected RentalVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateRental"); err != nil {
		return err
	}
	current, ok := s.rentals[rental.ID]
	if !ok {
		return fmt.Errorf("rentals %s: %w", rental.ID, ErrNotFound)
	}
	if current.State != expected.State || !sameRef(current.PaymentRef, expected.PaymentRef) {
		return fmt.Errorf("rentals %s: %w", rental.ID, ErrStateConflict)
	}
	if rental.PaymentRef != nil && s.refTaken(*rental.PaymentRef, rental.ID) {
		return ErrDuplicatePayment
	}
	s.rentals[rental.ID] = *rental
	return nil
}

func (s *memoryStore) DeleteRental(_ context.Context, id string, expected RentalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteRental"); err != nil {
		return err
	}
	current, ok := s.rentals[id]
	if !ok {
		return fmt.Errorf("rentals %s: %w", id, ErrNotFound)
	}
	if current.State != expected {
		return fmt.Errorf("rentals %s: %w", id, ErrStateConflict)
	}
	delete(s.rentals, id)
	return nil
}

func (s *memoryStore) ListRentals(_ context.Context, f RentalFilter) ([]Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListRentals"); err != nil {
		return nil, err
	}

	var out []Rental
	for _, r := range s.rentals {
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.RenterID != "" && r.RenterID != f.RenterID {
			continue
		}
		if f.VehicleID != "" && r.VehicleID != f.VehicleID {
			continue
		}
		if !deadlineMatches(r.ConfirmDeadline, f.ConfirmDeadlineAfter, f.ConfirmDeadlineBefore, f.ConfirmDeadlineAtOrBefore) {
			continue
		}
		if f.StartAtOrBefore != nil && r.StartAt.After(*f.StartAtOrBefore) {
			continue
		}
		if f.EndAtOrBefore != nil && r.EndAt.After(*f.EndAtOrBefore) {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ReservedAt.Before(out[j].ReservedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) CreatePurchase(_ context.Context, purchase *Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreatePurchase"); err != nil {
		return err
	}
	if _, ok := s.vehicles[purchase.VehicleID]; !ok {
		return &ValidationError{Field: "vehicle_id", Message: "references an unknown vehicle"}
	}
	for _, p := range s.purchases {
		if p.VehicleID == purchase.VehicleID {
			return ErrVehicleAlreadySold
		}
	}
	s.purchases[purchase.ID] = *purchase
	return nil
}

func (s *memoryStore) GetPurchase(_ context.Context, id string) (*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetPurchase"); err != nil {
		return nil, err
	}
	p, ok := s.purchases[id]
	if !ok {
		return nil, fmt.Errorf("purchase %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *memoryStore) UpdatePurchase(_ context.Context, purchase *Purchase, expected PurchaseState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdatePurchase"); err != nil {
		return err
	}
	current, ok := s.purchases[purchase.ID]
	if !ok {
		return fmt.Errorf("purchases %s: %w", purchase.ID, ErrNotFound)
	}
	if current.State != expected {
		return fmt.Errorf("purchases %s: %w", purchase.ID, ErrStateConflict)
	}
	s.purchases[purchase.ID] = *purchase
	return nil
}

func (s *memoryStore) DeletePurchase(_ context.Context, id string, expected PurchaseState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeletePurchase"); err != nil {
		return err
	}
	current, ok := s.purchases[id]
	if !ok {
		return fmt.Errorf("purchases %s: %w", id, ErrNotFound)
	}
	if current.State != expected {
		return fmt.Errorf("purchases %s: %w", id, ErrStateConflict)
	}
	delete(s.purchases, id)
	return nil
}

func (s *memoryStore) ListPurchases(_ context.Context, f PurchaseFilter) ([]Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListPurchases"); err != nil {
		return nil, err
	}

	var out []Purchase
	for _, p := range s.purchases {
		if f.State != "" && p.State != f.State {
			continue
		}
		if f.BuyerID != "" && p.BuyerID != f.BuyerID {
			continue
		}
		if f.VehicleID != "" && p.VehicleID != f.VehicleID {
			continue
		}
		deadline := p.ConfirmDeadline
		if !deadlineMatches(&deadline, nil, f.ConfirmDeadlineBefore, f.ConfirmDeadlineAtOrBefore) {
			continue
		}
		if f.CancelledAtOrBefore != nil && (p.CancelledAt == nil || p.CancelledAt.After(*f.CancelledAtOrBefore)) {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PurchasedAt.Equal(out[j].PurchasedAt) {
			return out[i].PurchasedAt.Before(out[j].PurchasedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) GetVehicle(_ context.Context, id string) (*Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetVehicle"); err != nil {
		return nil, err
	}
	v, ok := s.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return &v, nil
}

func (s *memoryStore) ListDeactivatedVehicles(_ context.Context, cutoff time.Time) ([]Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListDeactivatedVehicles"); err != nil {
		return nil, err
	}
	var out []Vehicle
	for _, v := range s.vehicles {
		if v.DeactivatedAt != nil && !v.DeactivatedAt.After(cutoff) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) DeleteVehicle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteVehicle"); err != nil {
		return err
	}
	if _, ok := s.vehicles[id]; !ok {
		return fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	for _, r := range s.rentals {
		if r.VehicleID == id && (r.State == RentalStateReserved || r.State == RentalStateConfirmed || r.State == RentalStateInProgress) {
			return fmt.Errorf("vehicle %s: %w", id, ErrVehicleBusy)
		}
	}

	delete(s.vehicles, id)
	for rid, r := range s.rentals {
		if r.VehicleID == id {
			delete(s.rentals, rid)
		}
	}
	for pid, p := range s.purchases {
		if p.VehicleID == id {
			delete(s.purchases, pid)
		}
	}
	return nil
}

func (s *memoryStore) refTaken(ref, ownerID string) bool {
	for id, r := range s.rentals {
		if id != ownerID && r.PaymentRef != nil && *r.PaymentRef == ref {
			return true
		}
	}
	return false
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deadlineMatches(deadline, after, before, atOrBefore *time.Time) bool {
	if after == nil && before == nil && atOrBefore == nil {
		return true
	}
	if deadline == nil {
		return false
	}
	if after != nil && !deadline.After(*after) {
		return false
	}
	if before != nil && !deadline.Before(*before) {
		return false
	}
	if atOrBefore != nil && deadline.After(*atOrBefore) {
		return false
	}
	return true
}

// sentNotification registra uma chamada ao Notifier
type sentNotification struct {
	Kind      NotificationKind
	Recipient string
	Payload   map[string]any
}

// recordingNotifier guarda as notificações enviadas; err faz todas falharem
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, kind NotificationKind, recipient string, payload map[string]any) (SendReceipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return SendReceipt{}, n.err
	}
	n.sent = append(n.sent, sentNotification{Kind: kind, Recipient: recipient, Payload: payload})
	return SendReceipt{MessageID: fmt.Sprintf("msg-%d", len(n.sent)), SentAt: baseTime}, nil
}

func (n *recordingNotifier) ofKind(kind NotificationKind) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

// memoryMediaStore simula o diretório de uploads
type memoryMediaStore struct {
	mu            sync.Mutex
	live          map[string]bool
	trash         map[string]bool
	quarantineErr map[string]error
	purgeErr      error
}

func newMemoryMediaStore(names ...string) *memoryMediaStore {
	m := &memoryMediaStore{live: map[string]bool{}, trash: map[string]bool{}, quarantineErr: map[string]error{}}
	for _, n := range names {
		m.live[n] = true
	}
	return m
}

func (m *memoryMediaStore) Quarantine(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.quarantineErr[name]; err != nil {
		return err
	}
	if m.live[name] {
		delete(m.live, name)
		m.trash[name] = true
	}
	return nil
}

func (m *memoryMediaStore) Restore(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trash[name] {
		delete(m.trash, name)
		m.live[name] = true
	}
	return nil
}

func (m *memoryMediaStore) Purge(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purgeErr != nil {
		return m.purgeErr
	}
	delete(m.trash, name)
	return nil
}

func (m *memoryMediaStore) isLive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[name]
}

func (m *memoryMediaStore) inTrash(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trash[name]
}

// MockPaymentProvider simula o provedor de pagamentos
type MockPaymentProvider struct {
	mock.Mock
}

func (m *MockPaymentProvider) GetPayment(ctx context.Context, id string) (*PaymentDetails, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentDetails), args.Error(1)
}

// testClock é um relógio manual compartilhado pelos componentes sob teste
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture monta o serviço completo sobre fakes em memória
type fixture struct {
	store      *memoryStore
	notifier   *recordingNotifier
	media      *memoryMediaStore
	provider   *MockPaymentProvider
	clock      *testClock
	useCase    *TransactionUseCase
	reconciler *PaymentReconciler
	sweeper    *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	metrics, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	f := &fixture{
		store:    newMemoryStore(),
		notifier: &recordingNotifier{},
		media:    newMemoryMediaStore(),
		provider: new(MockPaymentProvider),
		clock:    &testClock{now: baseTime},
	}

	notifications := NewNotificationDispatcher(f.notifier, f.store, time.Second, metrics, logger)
	lifecycle := NewVehicleLifecycle(NewLocalVehicleRemover(f.store, f.media, logger), logger)

	f.useCase = NewTransactionUseCase(f.store, f.store, lifecycle, notifications, metrics, logger)
	f.useCase.now = f.clock.Now

	f.reconciler = NewPaymentReconciler(f.store, f.provider, notifications, metrics, logger)
	f.reconciler.now = f.clock.Now

	f.sweeper = NewSweeper(f.store, f.store, lifecycle, notifications, metrics, logger, 5*time.Second)
	f.sweeper.now = f.clock.Now

	f.store.addVehicle(Vehicle{ID: "v1", OwnerID: "owner-1"})
	return f
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func ptrString(s string) *string {
	return &s
}

// reservedRental cria um aluguel RESERVED com prazo de confirmação explícito
func reservedRental(id, vehicleID string, reservedAt, startAt time.Time) Rental {
	return Rental{
		ID:              id,
		ReservedAt:      reservedAt,
		StartAt:         startAt,
		EndAt:           startAt.Add(48 * time.Hour),
		State:           RentalStateReserved,
		ConfirmDeadline: ConfirmDeadlineFor(reservedAt, startAt),
		RenterID:        "renter-" + id,
		VehicleID:       vehicleID,
		UpdatedAt:       reservedAt,
	}
}

var errBoom = errors.New("boom")
