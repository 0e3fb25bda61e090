package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"
)

type postgresChecker struct {
	db *sql.DB
}

func NewPostgresChecker(db *sql.DB) Checker {
	return &postgresChecker{db: db}
}

func (c *postgresChecker) Name() string { return "postgres" }

func (c *postgresChecker) Check(ctx context.Context) CheckResult {
	if c == nil || c.db == nil {
		return CheckResult{Status: StatusDown, Message: "database handle is nil"}
	}
	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusDown, Latency: time.Since(start), Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: time.Since(start)}
}

// RedisPingCmd is the slice of go-redis' status command the checker needs.
type RedisPingCmd interface {
	Err() error
}

type RedisClient interface {
	Ping(ctx context.Context) RedisPingCmd
}

type redisChecker struct {
	client RedisClient
}

func NewRedisChecker(client RedisClient) Checker {
	return &redisChecker{client: client}
}

func (c *redisChecker) Name() string { return "redis" }

func (c *redisChecker) Check(ctx context.Context) CheckResult {
	if c == nil || c.client == nil {
		return CheckResult{Status: StatusDown, Message: "redis client is nil"}
	}
	start := time.Now()
	cmd := c.client.Ping(ctx)
	lat := time.Since(start)
	if cmd == nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: "nil ping response"}
	}
	if err := cmd.Err(); err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: lat}
}

type httpChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPChecker probes url with a GET. Any status below 400 counts as up.
func NewHTTPChecker(name, url string) Checker {
	if name == "" {
		name = "http"
	}
	return &httpChecker{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: defaultCheckTimeout},
	}
}

func (c *httpChecker) Name() string { return c.name }

func (c *httpChecker) Check(ctx context.Context) CheckResult {
	if c == nil || c.url == "" {
		return CheckResult{Status: StatusDown, Message: "probe url is empty"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return CheckResult{Status: StatusDown, Message: err.Error()}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	lat := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return CheckResult{Status: StatusDown, Latency: lat, Message: resp.Status}
	}
	return CheckResult{Status: StatusUp, Latency: lat, Message: resp.Status}
}

type loopChecker struct {
	name    string
	monitor *LoopMonitor
	maxAge  time.Duration
}

// NewLoopChecker exposes a LoopMonitor as a Checker. A loop that has not
// ticked within maxAge reports down.
func NewLoopChecker(name string, m *LoopMonitor, maxAge time.Duration) Checker {
	if name == "" {
		name = "loop"
	}
	return &loopChecker{name: name, monitor: m, maxAge: maxAge}
}

func (c *loopChecker) Name() string { return c.name }

func (c *loopChecker) Check(ctx context.Context) CheckResult {
	if c == nil || c.monitor == nil {
		return CheckResult{Status: StatusDown, Message: "nil monitor"}
	}
	ok, age, lastErr := c.monitor.Healthy(time.Now(), c.maxAge)
	res := CheckResult{Status: StatusUp, Latency: age}
	if !ok {
		res.Status = StatusDown
		res.Message = fmt.Sprintf("no tick for %s", age)
		if age == 0 {
			res.Message = "never ticked"
		}
	}
	if lastErr != "" && res.Message == "" {
		res.Message = lastErr
	}
	return res
}
