// Package notify hands donor notifications to the outside world and takes
// donor replies back in. Transport mechanics (push, SMS, email) live behind
// the broker.
package notify

import (
	"context"

	"blood-request-engine/internal/entity"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Dispatcher interface {
	// Notify should return after a short acknowledgement from the transport.
	Notify(ctx context.Context, donorId string, summary entity.RequestSummary) (entity.DeliveryResult, error)
}

// LogDispatcher only writes the notification to the log. Used in development
// and when no broker is configured.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Notify(_ context.Context, donorId string, summary entity.RequestSummary) (entity.DeliveryResult, error) {
	ref := uuid.NewString()
	d.log.Info("donor notified",
		zap.String("donor_id", donorId),
		zap.String("request_id", summary.RequestId),
		zap.String("blood_type", string(summary.BloodType)),
		zap.String("urgency", string(summary.Urgency)),
		zap.Int("tier", summary.Tier),
		zap.String("provider_ref", ref))

	return entity.DeliveryResult{Delivered: true, ProviderRef: ref}, nil
}
