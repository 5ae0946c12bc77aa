package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BearBump/RideDispatch/internal/integrations/channel"
)

// Transport is an in-process channel for local runs and tests.
// Send results can be scripted with FailNext / SetDown, otherwise every send succeeds.
type Transport struct {
	name string

	mu       sync.Mutex
	delay    time.Duration
	failNext int
	down     bool
	unhealth bool
	sent     []channel.Request
	calls    int
	probes   int
}

func New(name string) *Transport { return &Transport{name: name} }

// WithDelay makes every Send and HealthProbe block for d or until ctx is done.
func (t *Transport) WithDelay(d time.Duration) *Transport {
	t.mu.Lock()
	t.delay = d
	t.mu.Unlock()
	return t
}

// FailNext makes the next n sends fail.
func (t *Transport) FailNext(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

// SetDown makes every send and probe fail until called with false.
func (t *Transport) SetDown(down bool) {
	t.mu.Lock()
	t.down = down
	t.mu.Unlock()
}

// SetUnhealthy affects probes only.
func (t *Transport) SetUnhealthy(v bool) {
	t.mu.Lock()
	t.unhealth = v
	t.mu.Unlock()
}

func (t *Transport) Send(ctx context.Context, req channel.Request) (channel.Ack, error) {
	t.mu.Lock()
	t.calls++
	n := t.calls
	delay := t.delay
	fail := t.down || t.failNext > 0
	if t.failNext > 0 {
		t.failNext--
	}
	t.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return channel.Ack{}, err
	}
	if fail {
		return channel.Ack{}, fmt.Errorf("fake %s: send failed", t.name)
	}

	t.mu.Lock()
	t.sent = append(t.sent, channel.Request{Endpoint: req.Endpoint, Payload: append([]byte(nil), req.Payload...)})
	t.mu.Unlock()
	return channel.Ack{MessageID: fmt.Sprintf("%s-%d", t.name, n)}, nil
}

func (t *Transport) HealthProbe(ctx context.Context) error {
	t.mu.Lock()
	t.probes++
	delay := t.delay
	bad := t.down || t.unhealth
	t.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return err
	}
	if bad {
		return fmt.Errorf("fake %s: unhealthy", t.name)
	}
	return nil
}

func (t *Transport) Sent() []channel.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]channel.Request, len(t.sent))
	copy(out, t.sent)
	return out
}

// Calls counts Send invocations, failed ones included.
func (t *Transport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *Transport) Probes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probes
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
