package channel

import (
	"context"
	"errors"
)

// Request is an opaque outbound notification. Transports never look inside Payload.
type Request struct {
	Endpoint string
	Payload  []byte
}

type Ack struct {
	MessageID string
}

type Transport interface {
	Send(ctx context.Context, req Request) (Ack, error)
	HealthProbe(ctx context.Context) error
}

// PermanentError marks a failure that a retry cannot fix (bad request, auth).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
