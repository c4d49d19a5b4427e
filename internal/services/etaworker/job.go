package etaworker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipTrack/internal/models"
)

type ShipmentRepository interface {
	GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error)
}

type Calculator interface {
	RecalculateETA(ctx context.Context, sh *models.Shipment) (*time.Time, error)
}

type Job struct {
	shipments ShipmentRepository
	calc      Calculator
}

func NewJob(shipments ShipmentRepository, calc Calculator) *Job {
	return &Job{shipments: shipments, calc: calc}
}

// Run recalculates one shipment's ETA. A vanished shipment or a lane-less
// shipment is not an error.
func (j *Job) Run(ctx context.Context, shipmentID uint64, reason string) error {
	sh, err := j.shipments.GetShipmentByID(ctx, shipmentID)
	if errors.Is(err, models.ErrNotFound) {
		slog.Warn("eta recalculation skipped: shipment not found", "shipment_id", shipmentID, "reason", reason)
		return nil
	}
	if err != nil {
		slog.Error("eta recalculation failed", "shipment_id", shipmentID, "reason", reason, "err", err)
		return errors.Wrap(err, "load shipment")
	}

	eta, err := j.calc.RecalculateETA(ctx, sh)
	if err != nil {
		slog.Error("eta recalculation failed", "shipment_id", shipmentID, "reason", reason, "err", err)
		return err
	}
	if eta == nil {
		slog.Warn("eta not calculated: no active lane", "shipment_id", shipmentID, "reason", reason)
		return nil
	}

	slog.Info("eta recalculated", "shipment_id", shipmentID, "reason", reason, "eta", eta.Format(time.RFC3339))
	return nil
}
