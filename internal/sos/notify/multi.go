package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/example/sosdispatch/internal/sos/domain"
)

// Multi fans one page out to several notifiers. Every notifier is tried.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, driverIDs []uuid.UUID, req domain.SOSRequest) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, driverIDs, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
