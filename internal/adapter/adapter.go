// Package adapter routes outbound service calls through per-service
// timeouts, a transient retry budget and a circuit breaker.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/engagement/orchestration/internal/metrics"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/logger"
	"github.com/engagement/orchestration/pkg/tracing"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultAttempts  = 3
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second

	retryBase = 100 * time.Millisecond
	retryMax  = 2 * time.Second
)

// Endpoint configures one external service. Zero values fall back to
// defaults.
type Endpoint struct {
	// BaseURL of the service. Ignored when Transport is set.
	BaseURL string

	// AuthToken is sent as X-Internal-Token on every request.
	AuthToken string

	// Timeout bounds one transport attempt.
	Timeout time.Duration

	// MaxRetries bounds transport attempts per invoke, including the
	// first. Only transient failures burn the budget; rejections return
	// immediately.
	MaxRetries int

	// BreakerThreshold opens the circuit after this many consecutive
	// failed invokes.
	BreakerThreshold uint32

	// Cooldown is how long the circuit stays open before admitting a
	// probe call.
	Cooldown time.Duration

	// Transport overrides the HTTP transport built from BaseURL.
	Transport Transport
}

type service struct {
	name      string
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	attempts  int
}

// Adapter is the single gateway for calls to external services. Each
// registered service carries its own breaker, so one failing dependency
// never blocks calls to the others.
type Adapter struct {
	log     *logger.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	services map[string]*service
}

func New(log *logger.Logger, m *metrics.Metrics) *Adapter {
	return &Adapter{
		log:      log,
		metrics:  m,
		services: make(map[string]*service),
	}
}

// Register adds a service endpoint. Services are registered at boot; a
// duplicate name is rejected.
func (a *Adapter) Register(name string, ep Endpoint) error {
	if name == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "service name is required")
	}
	transport := ep.Transport
	if transport == nil {
		if ep.BaseURL == "" {
			return apierrors.Newf(apierrors.CodeInvalidParam, "service %s needs a base URL or a transport", name)
		}
		transport = NewHTTPTransport(ep.BaseURL, ep.AuthToken)
	}
	if ep.Timeout <= 0 {
		ep.Timeout = defaultTimeout
	}
	if ep.MaxRetries <= 0 {
		ep.MaxRetries = defaultAttempts
	}
	if ep.BreakerThreshold == 0 {
		ep.BreakerThreshold = defaultThreshold
	}
	if ep.Cooldown <= 0 {
		ep.Cooldown = defaultCooldown
	}

	svc := &service{
		name:      name,
		transport: transport,
		timeout:   ep.Timeout,
		attempts:  ep.MaxRetries,
	}
	threshold := ep.BreakerThreshold
	svc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     ep.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// A rejection means the dependency is up and said no. Only
		// transient outcomes count against the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || !apierrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.metrics.SetBreakerState(name, breakerStateValue(to))
			a.log.Warnf("circuit state changed", map[string]interface{}{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.services[name]; ok {
		return apierrors.Newf(apierrors.CodeAlreadyExists, "service %s already registered", name)
	}
	a.services[name] = svc
	a.metrics.SetBreakerState(name, breakerStateValue(gobreaker.StateClosed))
	return nil
}

// Invoke calls the operation on the named service. The payload is marshaled
// to JSON and the raw response body is returned. The breaker observes whole
// invokes, after the retry budget inside has been spent; an open circuit
// fails fast without touching the transport.
func (a *Adapter) Invoke(ctx context.Context, serviceName, operation string, payload any) (json.RawMessage, error) {
	a.mu.RLock()
	svc, ok := a.services[serviceName]
	a.mu.RUnlock()
	if !ok {
		return nil, apierrors.Newf(apierrors.CodeServiceNotFound, "service %s is not registered", serviceName)
	}
	if operation == "" {
		return nil, apierrors.New(apierrors.CodeInvalidParam, "operation is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeInvalidParam, "marshal %s payload: %v", operation, err)
	}

	ctx, span := tracing.StartClientSpan(ctx, "adapter.invoke "+serviceName+"/"+operation)
	defer span.End()

	start := time.Now()
	raw, err := svc.breaker.Execute(func() (interface{}, error) {
		return a.call(ctx, svc, operation, body)
	})
	a.metrics.ObserveInvokeDuration(serviceName, time.Since(start))
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = apierrors.Newf(apierrors.CodeCircuitOpen, "%s: circuit open", serviceName)
		}
		tracing.SetError(ctx, err)
		a.metrics.IncInvokeError(serviceName, string(apierrors.GetCode(err)))
		a.log.WithError(err).Warnf("invoke failed", map[string]interface{}{
			"service":   serviceName,
			"operation": operation,
		})
		return nil, err
	}
	return raw.([]byte), nil
}

// State reports the circuit state for the named service.
func (a *Adapter) State(name string) (gobreaker.State, error) {
	a.mu.RLock()
	svc, ok := a.services[name]
	a.mu.RUnlock()
	if !ok {
		return 0, apierrors.Newf(apierrors.CodeServiceNotFound, "service %s is not registered", name)
	}
	return svc.breaker.State(), nil
}

// Services lists registered service names, sorted.
func (a *Adapter) Services() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.services))
	for name := range a.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// call spends the transient retry budget against the transport. Rejections
// return immediately; cancellation during backoff surfaces the last failure.
func (a *Adapter) call(ctx context.Context, svc *service, operation string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= svc.attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, svc.timeout)
		resp, err := svc.transport.Do(actx, operation, body)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !apierrors.IsRetryable(err) || attempt == svc.attempts {
			break
		}
		a.log.WithError(err).Debugf("transport retry", map[string]interface{}{
			"service":   svc.name,
			"operation": operation,
			"attempt":   attempt,
		})
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(retryBackoff(attempt)):
		}
	}
	return nil, lastErr
}

// retryBackoff doubles the delay per attempt with ±20% jitter so retries
// from concurrent invokes do not stampede a recovering dependency.
func retryBackoff(attempt int) time.Duration {
	d := float64(retryBase) * math.Pow(2, float64(attempt-1))
	if limit := float64(retryMax); d > limit {
		d = limit
	}
	return time.Duration(d * (0.8 + rand.Float64()*0.4))
}

// breakerStateValue encodes states for the gauge: 0=closed, 1=half-open,
// 2=open.
func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
