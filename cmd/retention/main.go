// Command retention prunes the Redis hot stores. Event stream entries
// older than the event retention window are trimmed, and terminal saga
// executions past the saga retention window are copied to the Postgres
// archive and then deleted. Dead letter streams are never touched; they
// hold failures that still need an operator.
//
// Exit codes:
//
//	0 - sweep completed
//	1 - sweep completed but some executions were left unarchived (--alert)
//	2 - operational error (bad flags, connection failure, aborted sweep)
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/engagement/orchestration/internal/archive"
	"github.com/engagement/orchestration/internal/config"
	"github.com/engagement/orchestration/internal/eventstore"
	"github.com/engagement/orchestration/internal/saga"
	pkgredis "github.com/engagement/orchestration/pkg/redis"
	"github.com/engagement/orchestration/pkg/snowflake"
)

type retentionConfig struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	DBURL          string
	Channels       []string
	EventRetention time.Duration
	SagaRetention  time.Duration
	BatchSize      int
	DryRun         bool
	Alert          bool
	Verbose        bool
	ReportPath     string
	CronSpec       string
	WorkerID       int64
}

type (
	dbOpener    func(dsn string) (*sql.DB, error)
	redisOpener func(cfg retentionConfig) (*redis.Client, error)
)

// sweepStores carries the stores one sweep operates on. archiver may be
// nil when no archive database is configured; the saga sweep is skipped
// then, because an execution must never be deleted before it is archived.
type sweepStores struct {
	events     *eventstore.RedisStore
	executions *saga.RedisExecutionStore
	archiver   *archive.Archiver
}

type sweepResult struct {
	RunAt         time.Time        `json:"runAt"`
	DryRun        bool             `json:"dryRun"`
	EventCutoff   time.Time        `json:"eventCutoff"`
	SagaCutoff    time.Time        `json:"sagaCutoff"`
	EventsTrimmed map[string]int64 `json:"eventsTrimmed"`
	SagasExamined int              `json:"sagasExamined"`
	SagasArchived int              `json:"sagasArchived"`
	SagasDeleted  int              `json:"sagasDeleted"`
	// SagasSkipped counts executions still in the hot store after the
	// sweep, whether the archive write or the delete failed.
	SagasSkipped int `json:"sagasSkipped"`
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitFunc(runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, openPostgres, openRedis))
}

func openPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func openRedis(cfg retentionConfig) (*redis.Client, error) {
	rc := pkgredis.DefaultConfig
	rc.Addr = cfg.RedisAddr
	rc.Password = cfg.RedisPassword
	rc.DB = cfg.RedisDB

	tlsCfg, err := pkgredis.TLSConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("redis tls: %w", err)
	}
	rc.TLS = tlsCfg

	client, err := pkgredis.NewClient(&rc)
	if err != nil {
		return nil, err
	}
	return client.Client, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, openDB dbOpener, openRDB redisOpener) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(errOut, "✗ %v\n", err)
		return 2
	}

	if cfg.CronSpec != "" {
		return runScheduled(ctx, cfg, out, errOut, openDB, openRDB)
	}
	return runOnce(ctx, cfg, out, errOut, openDB, openRDB)
}

// parseFlags layers command line flags over the environment defaults, so
// a deployment can set REDIS_ADDR once and operators can still override
// windows per invocation.
func parseFlags(args []string) (retentionConfig, error) {
	base := config.Load()

	dbDefault := ""
	if base.ArchiveEnabled {
		dbDefault = base.DSN()
	}

	var (
		cfg      retentionConfig
		channels string
	)

	fs := flag.NewFlagSet("retention", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.RedisAddr, "redis-addr", base.RedisAddr, "redis address holding the event streams and hot executions")
	fs.StringVar(&cfg.RedisPassword, "redis-password", base.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", base.RedisDB, "redis database")
	fs.StringVar(&cfg.DBURL, "db-url", dbDefault, "PostgreSQL connection string for the archive (empty skips the saga sweep)")
	fs.StringVar(&channels, "channels", strings.Join(base.EventChannels, ","), "comma-separated event channels to trim")
	fs.DurationVar(&cfg.EventRetention, "event-retention", base.EventRetention, "drop stream entries older than this")
	fs.DurationVar(&cfg.SagaRetention, "saga-retention", base.SagaRetention, "archive terminal sagas that finished before this")
	fs.IntVar(&cfg.BatchSize, "batch", 200, "terminal sagas fetched per batch")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "report what would be removed without touching anything")
	fs.BoolVar(&cfg.Alert, "alert", true, "exit non-zero when sagas are left unarchived")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "print per-channel and per-saga detail")
	fs.StringVar(&cfg.ReportPath, "report", "", "write a JSON report to this path")
	fs.StringVar(&cfg.CronSpec, "cron", "", "cron expression for scheduled sweeps (runs once immediately, then on schedule)")
	fs.Int64Var(&cfg.WorkerID, "worker-id", base.WorkerID, "snowflake worker ID for archive row IDs")

	if err := fs.Parse(args); err != nil {
		return retentionConfig{}, err
	}

	cfg.Channels = splitChannels(channels)
	if len(cfg.Channels) == 0 {
		return retentionConfig{}, errors.New("--channels must name at least one channel")
	}
	if cfg.EventRetention <= 0 {
		return retentionConfig{}, errors.New("--event-retention must be positive")
	}
	if cfg.SagaRetention <= 0 {
		return retentionConfig{}, errors.New("--saga-retention must be positive")
	}
	if cfg.BatchSize <= 0 {
		return retentionConfig{}, errors.New("--batch must be positive")
	}
	return cfg, nil
}

func splitChannels(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runScheduled(ctx context.Context, cfg retentionConfig, out, errOut io.Writer, openDB dbOpener, openRDB redisOpener) int {
	// scheduled sweeps must survive archive hiccups; the next run retries
	runCfg := cfg
	runCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CronSpec)
	if err != nil {
		fmt.Fprintf(errOut, "✗ Invalid cron expression %q: %v\n", cfg.CronSpec, err)
		return 2
	}

	fmt.Fprintf(out, "Starting scheduled retention sweeps (%s)\n", cfg.CronSpec)
	if code := runOnce(ctx, runCfg, out, errOut, openDB, openRDB); code == 2 {
		return 2
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		fmt.Fprintf(out, "\nScheduled sweep at %s\n", time.Now().UTC().Format(time.RFC3339))
		runOnce(ctx, runCfg, out, errOut, openDB, openRDB)
	}))
	c.Start()

	<-ctx.Done()
	c.Stop()
	fmt.Fprintln(out, "Scheduler stopped")
	return 0
}

func runOnce(ctx context.Context, cfg retentionConfig, out, errOut io.Writer, openDB dbOpener, openRDB redisOpener) int {
	rdb, err := openRDB(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "✗ Redis connection failed: %v\n", err)
		return 2
	}
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		fmt.Fprintf(errOut, "✗ Redis ping failed: %v\n", err)
		return 2
	}

	stores := sweepStores{
		events:     eventstore.NewRedisStore(rdb),
		executions: saga.NewRedisExecutionStore(rdb, 0),
	}

	if cfg.DBURL != "" {
		db, err := openDB(cfg.DBURL)
		if err != nil {
			fmt.Fprintf(errOut, "✗ PostgreSQL connection failed: %v\n", err)
			return 2
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(errOut, "✗ PostgreSQL ping failed: %v\n", err)
			return 2
		}

		if _, err := db.ExecContext(ctx, archive.CreateTableSQL); err != nil {
			fmt.Fprintf(errOut, "✗ Archive schema check failed: %v\n", err)
			return 2
		}

		ids, err := snowflake.New(cfg.WorkerID)
		if err != nil {
			fmt.Fprintf(errOut, "✗ ID generator init failed: %v\n", err)
			return 2
		}
		archiver, err := archive.New(db, ids, archive.WithSynchronousWrite())
		if err != nil {
			fmt.Fprintf(errOut, "✗ Archiver init failed: %v\n", err)
			return 2
		}
		defer archiver.Close()
		stores.archiver = archiver
	}

	res, err := runSweep(ctx, stores, cfg, out, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "✗ Retention sweep failed: %v\n", err)
		return 2
	}

	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, res); err != nil {
			fmt.Fprintf(errOut, "✗ Failed to write report: %v\n", err)
			return 2
		}
		fmt.Fprintf(out, "Report written to %s\n", cfg.ReportPath)
	}

	switch {
	case res.SagasSkipped > 0:
		fmt.Fprintf(out, "✗ Retention sweep left %d sagas in the hot store\n", res.SagasSkipped)
		if cfg.Alert {
			return 1
		}
	case cfg.DryRun:
		fmt.Fprintf(out, "✓ Dry run complete: %d terminal sagas eligible, streams untouched\n", res.SagasExamined)
	default:
		fmt.Fprintf(out, "✓ Retention sweep complete: trimmed %d events, archived %d sagas, deleted %d\n",
			totalTrimmed(res), res.SagasArchived, res.SagasDeleted)
	}
	return 0
}

// runSweep is the sweep itself, separated from connection handling so
// tests can drive it against miniredis and sqlmock directly.
func runSweep(ctx context.Context, stores sweepStores, cfg retentionConfig, out, errOut io.Writer) (*sweepResult, error) {
	now := time.Now().UTC()
	res := &sweepResult{
		RunAt:         now,
		DryRun:        cfg.DryRun,
		EventCutoff:   now.Add(-cfg.EventRetention),
		SagaCutoff:    now.Add(-cfg.SagaRetention),
		EventsTrimmed: make(map[string]int64, len(cfg.Channels)),
	}

	for _, channel := range cfg.Channels {
		if cfg.DryRun {
			// still reads the stream, so a dry run surfaces connectivity
			// or key-type problems before anyone schedules the real thing
			n, err := stores.events.Len(ctx, channel)
			if err != nil {
				return nil, fmt.Errorf("inspect channel %s: %w", channel, err)
			}
			res.EventsTrimmed[channel] = 0
			if cfg.Verbose {
				fmt.Fprintf(out, "  %s: %d entries, would trim those before %s\n",
					channel, n, res.EventCutoff.Format(time.RFC3339))
			}
			continue
		}

		trimmed, err := stores.events.Trim(ctx, channel, res.EventCutoff)
		if err != nil {
			return nil, fmt.Errorf("trim channel %s: %w", channel, err)
		}
		res.EventsTrimmed[channel] = trimmed
		if cfg.Verbose {
			fmt.Fprintf(out, "  %s: trimmed %d entries\n", channel, trimmed)
		}
	}

	if stores.archiver == nil {
		fmt.Fprintln(out, "Archive database not configured, leaving terminal sagas in place")
		return res, nil
	}

	// ListTerminalBefore always returns the oldest page, so track what this
	// sweep has already handled: failed executions stay indexed and would
	// otherwise be retried forever.
	seen := make(map[string]bool)
	for {
		batch, err := stores.executions.ListTerminalBefore(ctx, res.SagaCutoff, int64(cfg.BatchSize))
		if err != nil {
			return nil, fmt.Errorf("list terminal sagas: %w", err)
		}

		handled := 0
		for _, exec := range batch {
			if seen[exec.SagaID] {
				continue
			}
			seen[exec.SagaID] = true
			handled++
			res.SagasExamined++

			if cfg.DryRun {
				if cfg.Verbose {
					fmt.Fprintf(out, "  would archive saga %s (%s, finished %s)\n",
						exec.SagaID, exec.Status, exec.FinishedAt.UTC().Format(time.RFC3339))
				}
				continue
			}

			if err := stores.archiver.Archive(ctx, exec); err != nil {
				res.SagasSkipped++
				fmt.Fprintf(errOut, "✗ Archive failed for saga %s: %v\n", exec.SagaID, err)
				continue
			}
			res.SagasArchived++

			if err := stores.executions.Delete(ctx, exec.SagaID); err != nil {
				res.SagasSkipped++
				fmt.Fprintf(errOut, "✗ Delete failed for saga %s: %v\n", exec.SagaID, err)
				continue
			}
			res.SagasDeleted++
			if cfg.Verbose {
				fmt.Fprintf(out, "  archived saga %s (%s)\n", exec.SagaID, exec.Status)
			}
		}

		if handled == 0 || len(batch) < cfg.BatchSize {
			break
		}
	}

	if cfg.DryRun && res.SagasExamined >= cfg.BatchSize {
		fmt.Fprintln(out, "  (batch limit reached, more sagas may be eligible)")
	}
	return res, nil
}

func totalTrimmed(res *sweepResult) int64 {
	var n int64
	for _, v := range res.EventsTrimmed {
		n += v
	}
	return n
}

func writeReport(path string, res *sweepResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
