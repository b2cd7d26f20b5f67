package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// NotificationKind identifica o tipo de mensagem enviada ao usuário
type NotificationKind string

const (
	KindRentalConfirmRequest   NotificationKind = "rental-confirm-request"
	KindRentalReminder         NotificationKind = "rental-reminder"
	KindRentalOwnerAlert       NotificationKind = "rental-owner-alert"
	KindRatingRequest          NotificationKind = "rating-request"
	KindPurchaseConfirmRequest NotificationKind = "purchase-confirm-request"
	KindPurchaseSuccess        NotificationKind = "purchase-success"
	KindVehicleSoldAlert       NotificationKind = "vehicle-sold-alert"
)

// SendReceipt confirma que a notificação foi aceita pelo transporte
type SendReceipt struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Notifier entrega notificações; a renderização e o envio de e-mail ficam com o consumidor
type Notifier interface {
	Notify(ctx context.Context, kind NotificationKind, recipient string, payload map[string]any) (SendReceipt, error)
}

type notificationMessage struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Recipient string           `json:"recipient"`
	Payload   map[string]any   `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// amqpChannel é o subconjunto de *amqp.Channel usado pelo publicador
type amqpChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// RabbitMQNotifier publica cada notificação num exchange topic, com routing key igual ao tipo
type RabbitMQNotifier struct {
	mu       sync.Mutex
	ch       amqpChannel
	exchange string
	now      func() time.Time
}

// NewRabbitMQNotifier declara o exchange e coloca o canal em modo confirm
func NewRabbitMQNotifier(conn *amqp.Connection, exchange string) (*RabbitMQNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return newRabbitMQNotifier(ch, exchange), nil
}

func newRabbitMQNotifier(ch amqpChannel, exchange string) *RabbitMQNotifier {
	return &RabbitMQNotifier{ch: ch, exchange: exchange, now: time.Now}
}

// Notify publica a mensagem e aguarda a confirmação do broker
func (n *RabbitMQNotifier) Notify(ctx context.Context, kind NotificationKind, recipient string, payload map[string]any) (SendReceipt, error) {
	msg := notificationMessage{
		ID:        uuid.New().String(),
		Kind:      kind,
		Recipient: recipient,
		Payload:   payload,
		CreatedAt: n.now(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("failed to encode notification: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	confirm, err := n.ch.PublishWithDeferredConfirmWithContext(ctx, n.exchange, string(kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         string(kind),
		Body:         body,
	})
	if err != nil {
		return SendReceipt{}, fmt.Errorf("%w: publish %s: %w", ErrUpstreamUnavailable, kind, err)
	}

	// nil when the channel is not in confirm mode
	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return SendReceipt{}, fmt.Errorf("%w: confirm %s: %w", ErrUpstreamUnavailable, kind, err)
		}
		if !acked {
			return SendReceipt{}, fmt.Errorf("%w: broker nacked %s", ErrUpstreamUnavailable, kind)
		}
	}

	return SendReceipt{MessageID: msg.ID, SentAt: msg.CreatedAt}, nil
}

func (n *RabbitMQNotifier) Close() error {
	return n.ch.Close()
}

// LogNotifier apenas registra as notificações; usado quando não há broker configurado
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, kind NotificationKind, recipient string, payload map[string]any) (SendReceipt, error) {
	receipt := SendReceipt{MessageID: uuid.New().String(), SentAt: time.Now()}
	n.logger.Info("📨 [NOTIFY]",
		zap.String("kind", string(kind)),
		zap.String("recipient", recipient),
		zap.Any("payload", payload),
		zap.String("message_id", receipt.MessageID),
	)
	return receipt, nil
}

// NotificationDispatcher resolve destinatários e envia notificações sem propagar falhas.
// O estado já gravado é a fonte da verdade; a notificação é best-effort.
type NotificationDispatcher struct {
	notifier Notifier
	vehicles VehicleCatalog
	timeout  time.Duration
	metrics  *Metrics
	logger   *zap.Logger
}

// NewNotificationDispatcher cria uma nova instância de NotificationDispatcher
func NewNotificationDispatcher(notifier Notifier, vehicles VehicleCatalog, timeout time.Duration, metrics *Metrics, logger *zap.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		notifier: notifier,
		vehicles: vehicles,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger,
	}
}

// Send envia a notificação e informa se ela foi aceita
func (d *NotificationDispatcher) Send(ctx context.Context, kind NotificationKind, recipient string, payload map[string]any) bool {
	// survive the caller's cancellation, the transition is already committed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	receipt, err := d.notifier.Notify(ctx, kind, recipient, payload)
	d.metrics.RecordNotification(ctx, kind, err)
	if err != nil {
		d.logger.Warn("❌ [NOTIFY] delivery failed",
			zap.String("kind", string(kind)),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
		return false
	}

	d.logger.Debug("✅ [NOTIFY] sent",
		zap.String("kind", string(kind)),
		zap.String("recipient", recipient),
		zap.String("message_id", receipt.MessageID),
	)
	return true
}

// SendToOwner envia a notificação ao dono do veículo
func (d *NotificationDispatcher) SendToOwner(ctx context.Context, vehicleID string, kind NotificationKind, payload map[string]any) bool {
	vehicle, err := d.vehicles.GetVehicle(context.WithoutCancel(ctx), vehicleID)
	if err != nil {
		d.logger.Warn("❌ [NOTIFY] cannot resolve vehicle owner",
			zap.String("kind", string(kind)),
			zap.String("vehicle_id", vehicleID),
			zap.Error(err),
		)
		return false
	}
	return d.Send(ctx, kind, vehicle.OwnerID, payload)
}

func rentalPayload(r *Rental) map[string]any {
	payload := map[string]any{
		"rental_id":  r.ID,
		"vehicle_id": r.VehicleID,
		"renter_id":  r.RenterID,
		"state":      string(r.State),
		"start_at":   r.StartAt,
		"end_at":     r.EndAt,
	}
	if r.ConfirmDeadline != nil {
		payload["confirm_deadline"] = *r.ConfirmDeadline
	}
	if r.PaymentRef != nil {
		payload["payment_ref"] = *r.PaymentRef
	}
	return payload
}

func purchasePayload(p *Purchase) map[string]any {
	return map[string]any{
		"purchase_id":      p.ID,
		"vehicle_id":       p.VehicleID,
		"buyer_id":         p.BuyerID,
		"state":            string(p.State),
		"confirm_deadline": p.ConfirmDeadline,
	}
}
