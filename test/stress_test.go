package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"lienflow/conflict"
	"lienflow/contract"
	"lienflow/notify"
	"lienflow/test/actors"
	"lienflow/test/chaos"
	"lienflow/test/infra"
	"lienflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestConflictConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	lenders := mustSeedLenders(t, ctx, pool)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	contractRepo := contract.NewRepository(pool)
	notifyRepo := notify.NewRepository(pool)
	ledger := conflict.NewLedger(conflict.NewRepository(pool), notifyRepo)
	submitSvc := contract.NewService(pool, contractRepo, ledger)
	statusSvc := contract.NewStatusService(pool, contractRepo, ledger)

	sender := &actors.FlakySender{FailPercent: 15}
	dispatcher := notify.NewDispatcher(logger, notifyRepo, sender, notify.DispatcherConfig{
		BatchSize:   20,
		ClaimTTL:    10 * time.Second,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	})

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	props := actors.Properties()

	// lenders battling over the same shared property pool
	for i := 0; i < *flConcurrency; i++ {
		l := lenders[i%len(lenders)]
		g.Go(func() error {
			return actors.Submitter(ctx2, submitSvc, l.id, l.name, props, stop)
		})
		g.Go(func() error {
			return actors.Transitioner(ctx2, pool, statusSvc, l.id, stop)
		})
	}

	// competing outbox drains
	for i := 0; i < 2; i++ {
		g.Go(func() error { return actors.DispatchWorker(ctx2, dispatcher, stop) })
	}

	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	t.Logf("deliveries: ok=%d failed=%d (seed=%d)", sender.Delivered.Load(), sender.Failed.Load(), seed)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seededLender struct {
	id   string
	name string
}

func mustSeedLenders(t *testing.T, ctx context.Context, pool *pgxpool.Pool) []seededLender {
	t.Helper()
	names := []string{"Alpha Capital", "Beta Funding", "Gamma Lending"}
	out := make([]seededLender, 0, len(names))
	for i, name := range names {
		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO lenders (name, api_key_id, api_key_hash, webhook_url, webhook_secret)
			VALUES ($1, $2, 'stress-hash', 'https://example.invalid/hooks', 'stress-secret')
			RETURNING id`,
			fmt.Sprintf("%s %d", name, rand.Int63()), fmt.Sprintf("stress-key-%d-%d", i, rand.Int63()),
		).Scan(&id)
		if err != nil {
			t.Fatalf("seed lender %s: %v", name, err)
		}
		out = append(out, seededLender{id: id, name: name})
	}
	return out
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"contracts", `SELECT id, lender_id, external_id, status, signed_date FROM contracts ORDER BY created_at DESC LIMIT 50`},
		{"conflict_links", `SELECT id, contract_lo, contract_hi, matched_on, status, created_at FROM conflict_links ORDER BY created_at DESC LIMIT 50`},
		{"notification_events", `SELECT id, lender_id, event_type, status, attempts, created_at FROM notification_events ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
