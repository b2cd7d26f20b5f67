package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const PaymentStatusApproved = "approved"

// PaymentDetails é o resultado da consulta de um pagamento no provedor
type PaymentDetails struct {
	ID                string          `json:"-"`
	Status            string          `json:"status"`
	ApprovedAt        *time.Time      `json:"date_approved"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	Metadata          map[string]any  `json:"metadata"`
}

// PaymentProvider consulta pagamentos no provedor externo
type PaymentProvider interface {
	GetPayment(ctx context.Context, id string) (*PaymentDetails, error)
}

// MercadoPagoClient consulta /v1/payments/{id} atrás de um circuit breaker
type MercadoPagoClient struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewMercadoPagoClient cria uma nova instância de MercadoPagoClient
func NewMercadoPagoClient(baseURL, accessToken string, timeout time.Duration, logger *zap.Logger) *MercadoPagoClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mercadopago",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// an unknown payment is a valid answer from a healthy provider
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("⚠️ [PAYMENT PROVIDER] circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &MercadoPagoClient{client: client, breaker: breaker, logger: logger}
}

// GetPayment busca o pagamento; ErrNotFound quando o provedor não o conhece
func (c *MercadoPagoClient) GetPayment(ctx context.Context, id string) (*PaymentDetails, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, id)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: payment provider circuit open: %w", ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	return result.(*PaymentDetails), nil
}

func (c *MercadoPagoClient) fetch(ctx context.Context, id string) (*PaymentDetails, error) {
	var details PaymentDetails
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&details).
		Get("/v1/payments/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: payment lookup %s: %w", ErrUpstreamUnavailable, id, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	case resp.IsError():
		c.logger.Warn("❌ [PAYMENT PROVIDER] lookup rejected",
			zap.String("payment_id", id),
			zap.Int("status", resp.StatusCode()),
		)
		return nil, fmt.Errorf("%w: payment provider returned %d", ErrUpstreamUnavailable, resp.StatusCode())
	}

	details.ID = id
	return &details, nil
}
