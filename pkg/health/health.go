// Package health aggregates dependency checks behind live/ready/health
// endpoints. Critical checks gate readiness; optional checks are reported
// on the health sweep without affecting the overall status.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/engagement/orchestration/pkg/response"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status   Status        `json:"status"`
	Latency  time.Duration `json:"latency"`
	Message  string        `json:"message,omitempty"`
	Optional bool          `json:"optional,omitempty"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

// Health holds the registered checkers. Registration happens at boot,
// before the handlers are mounted, so the slices are not locked.
type Health struct {
	critical []Checker
	optional []Checker
	ready    atomic.Bool
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{}
}

// Register adds a critical checker. A critical dependency that is down
// degrades readiness.
func (h *Health) Register(c Checker) {
	if c != nil {
		h.critical = append(h.critical, c)
	}
}

// RegisterOptional adds a checker that shows up on the health sweep but
// never changes the overall status.
func (h *Health) RegisterOptional(c Checker) {
	if c != nil {
		h.optional = append(h.optional, c)
	}
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live only reports that the process responds.
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready reports whether the service accepts work. Only critical
// dependencies are swept.
func (h *Health) Ready(ctx context.Context) Response {
	deps := sweep(ctx, h.critical)
	status := summarize(deps)
	if !h.IsReady() {
		status = StatusDown
	}
	return Response{Status: status, Dependencies: deps}
}

// Health sweeps every dependency. Optional results are folded into the
// report flagged as such; the overall status counts critical checks only.
func (h *Health) Health(ctx context.Context) Response {
	deps := sweep(ctx, h.critical)
	status := summarize(deps)
	if !h.IsReady() && status == StatusUp {
		status = StatusDown
	}

	if extra := sweep(ctx, h.optional); len(extra) > 0 {
		if deps == nil {
			deps = make(map[string]CheckResult, len(extra))
		}
		for name, res := range extra {
			res.Optional = true
			deps[name] = res
		}
	}
	return Response{Status: status, Dependencies: deps}
}

// sweep runs the checkers in parallel and collects results by name.
func sweep(ctx context.Context, checkers []Checker) map[string]CheckResult {
	if len(checkers) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult, len(checkers))
	)
	for _, c := range checkers {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := c.Name()
			if name == "" {
				name = "unknown"
			}
			res := runOne(ctx, c)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// runOne bounds a single check. A checker that ignores its context cannot
// stall the sweep; its late result lands in the buffered channel and is
// dropped.
func runOne(ctx context.Context, c Checker) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() { done <- c.Check(cctx) }()

	var res CheckResult
	select {
	case res = <-done:
	case <-cctx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	return res
}

// summarize folds dependency results into one service status. A down
// dependency degrades the service; the process itself still responds.
func summarize(deps map[string]CheckResult) Status {
	out := StatusUp
	for _, r := range deps {
		if r.Status != StatusUp {
			out = StatusDegraded
		}
	}
	return out
}

func statusCode(s Status) int {
	if s == StatusUp {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Live()
		response.WriteJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		response.WriteJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Health(r.Context())
		response.WriteJSON(w, statusCode(resp.Status), resp)
	}
}
