package main

import (
	"context"
	"fmt"

	"github.com/dtm-labs/client/dtmcli"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// VehicleSagaRequest é o payload enviado às ações SAGA do serviço de veículos
type VehicleSagaRequest struct {
	VehicleID string `json:"vehicle_id"`
	// Manual trace context propagation (DTM doesn't propagate W3C headers)
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// DTMVehicleRemover delega a remoção a um serviço de veículos remoto, orquestrada pelo DTM
type DTMVehicleRemover struct {
	server     string
	vehicleURL string
	logger     *zap.Logger
}

// NewDTMVehicleRemover cria uma nova instância de DTMVehicleRemover
func NewDTMVehicleRemover(server, vehicleURL string, logger *zap.Logger) *DTMVehicleRemover {
	return &DTMVehicleRemover{server: server, vehicleURL: vehicleURL, logger: logger}
}

// RemoveVehicle submete a SAGA quarentena → exclusão → expurgo e aguarda o resultado
func (d *DTMVehicleRemover) RemoveVehicle(ctx context.Context, vehicleID string) error {
	gid, err := d.newGid()
	if err != nil {
		return err
	}

	ctx, span := startDTMSagaSpan(ctx, "remove_vehicle", gid)
	defer span.End()

	req := &VehicleSagaRequest{VehicleID: vehicleID}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		req.TraceID = sc.TraceID().String()
		req.SpanID = sc.SpanID().String()
	}

	branches := []dtmBranch{
		{name: "quarantine_media", action: "/api/vehicles/media/quarantine", compensate: "/api/vehicles/media/restore"},
		{name: "delete_vehicle", action: "/api/vehicles/delete"},
		{name: "purge_media", action: "/api/vehicles/media/purge"},
	}

	saga := dtmcli.NewSaga(d.server, gid)
	for _, b := range branches {
		compensate := ""
		if b.compensate != "" {
			compensate = d.vehicleURL + b.compensate
		}
		saga.Add(d.vehicleURL+b.action, compensate, req)
	}
	saga.WaitResult = true
	recordDTMBranches(span, d.vehicleURL, branches)

	d.logger.Info("🚀 [REMOVE VEHICLE] submitting SAGA",
		zap.String("gid", gid),
		zap.String("vehicle_id", vehicleID),
		zap.String("trace_id", req.TraceID),
	)

	if err := saga.Submit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "saga failed")
		return fmt.Errorf("%w: vehicle removal saga %s: %w", ErrUpstreamUnavailable, gid, err)
	}

	span.SetStatus(codes.Ok, "saga succeeded")
	return nil
}

// newGid converte o panic de MustGenGid em erro
func (d *DTMVehicleRemover) newGid() (gid string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: dtm gid: %v", ErrUpstreamUnavailable, r)
		}
	}()
	return dtmcli.MustGenGid(d.server), nil
}
