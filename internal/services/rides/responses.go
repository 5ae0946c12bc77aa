package rides

import (
	"context"
	"errors"

	"github.com/BearBump/RideDispatch/internal/broker/messages"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
)

// ApplyDriverResponse handles a driver answer that arrived over Kafka.
// Business outcomes (lost race, unknown ride, bad input, rate limit) are logged and
// swallowed so the message gets committed; anything else is returned.
func (s *Service) ApplyDriverResponse(ctx context.Context, m messages.DriverResponse) error {
	sum, err := s.DriverResponse(ctx, DriverResponseInput{
		RideIdentifier: m.RideIdentifier,
		Driver:         assignment.DriverIdentity{Phone: m.DriverPhone, Name: m.DriverName},
		Response:       m.Response,
	})
	switch {
	case err == nil:
		s.log.Info("driver response applied",
			"ride_id", sum.ID,
			"response", m.Response,
			"status", string(sum.Status),
		)
		return nil
	case isBusinessOutcome(err):
		s.log.Info("driver response rejected",
			"ride", m.RideIdentifier,
			"response", m.Response,
			"error", err.Error(),
		)
		return nil
	}
	return err
}

func isBusinessOutcome(err error) bool {
	for _, target := range []error{
		errs.ErrConflict,
		errs.ErrNotFound,
		errs.ErrValidation,
		errs.ErrRateLimited,
		errs.ErrInvalidTransition,
		errs.ErrStateGuard,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
