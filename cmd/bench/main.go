package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/driftmend/driftmend/internal/history"
	"github.com/driftmend/driftmend/internal/queue"
	"github.com/driftmend/driftmend/internal/statedb"
)

func main() {
	dir, _ := os.MkdirTemp("", "driftmend-bench-*")
	defer func() { _ = os.RemoveAll(dir) }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := statedb.Open(filepath.Join(dir, "bench.db"))
	if err != nil {
		panic(err)
	}
	defer func() { _ = db.Close() }()

	q, err := queue.New(db, 10, logger)
	if err != nil {
		panic(err)
	}
	hist, err := history.New(db, logger)
	if err != nil {
		panic(err)
	}

	checks := []string{"critical_service", "config_checksum", "firewall", "time_sync", "mount_options", "ntp_peers"}
	outcomes := []string{"success", "success", "success", "success", "failure", "escalated"}
	statuses := []string{"uploaded", "uploaded", "uploaded", "pending", "pending", "rejected"}

	scales := []int{1000, 10000, 50000, 100000, 500000}

	fmt.Println("=== STATE DB SCALING BENCHMARK (queue + remediation history) ===")
	fmt.Println()

	written := 0
	for _, target := range scales {
		toWrite := target - written
		if toWrite <= 0 {
			continue
		}

		start := time.Now()
		batchSize := 500
		for i := 0; i < toWrite; i += batchSize {
			end := i + batchSize
			if end > toWrite {
				end = toWrite
			}
			tx, _ := db.Begin()
			for j := i; j < end; j++ {
				idx := written + j
				ts := time.Now().Add(-time.Duration(idx) * time.Second).UTC().Format(time.RFC3339Nano)
				check := checks[idx%len(checks)]

				_, _ = tx.Exec(
					`INSERT INTO evidence_queue (queue_id, bundle_id, bundle_path, signature_path, retry_count, next_retry_at, status, created_at) VALUES (?,?,?,?,?,?,?,?)`,
					fmt.Sprintf("q-%07d", idx), fmt.Sprintf("b-%07d", idx),
					fmt.Sprintf("/var/lib/driftmend/evidence/b-%07d.json", idx),
					fmt.Sprintf("/var/lib/driftmend/evidence/b-%07d.sig", idx),
					idx%4, ts, statuses[idx%len(statuses)], ts,
				)
				_, _ = tx.Exec(
					`INSERT INTO remediations (check_id, host_id, platform, tier, action, outcome, escalated, error, pattern_signature, started_at, ended_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
					check, fmt.Sprintf("host-%d", idx%50), "linux",
					1+idx%3, "restart_service", outcomes[idx%len(outcomes)], 0, "",
					history.PatternSignature(check, "linux", "restart_service"), ts, ts,
				)
			}
			_ = tx.Commit()
		}
		written = target
		fillTime := time.Since(start)
		insertRate := float64(toWrite) / fillTime.Seconds()

		// Update query planner statistics after bulk insert
		_, _ = db.Exec("ANALYZE")

		type benchmark struct {
			name string
			fn   func()
		}
		benchmarks := []benchmark{
			{"Queue stats", func() { _, _ = q.Stats() }},
			{"Pending (ready only)", func() { _, _ = q.ListPending(true) }},
			{"Prunable uploaded", func() { _, _ = q.PruneUploaded(365 * 24 * time.Hour) }},
			{"Recent similar (5)", func() { _, _ = hist.RecentSimilar("firewall", "linux", 5) }},
			{"Tier-2 aggregate", func() { _, _ = hist.AggregateTier2() }},
		}

		fi, _ := os.Stat(filepath.Join(dir, "bench.db"))
		wal, _ := os.Stat(filepath.Join(dir, "bench.db-wal"))
		dbMB := float64(fi.Size()) / (1024 * 1024)
		walMB := float64(0)
		if wal != nil {
			walMB = float64(wal.Size()) / (1024 * 1024)
		}

		fmt.Printf("--- %dk rows/table | %.0f MB | %.0f ins/sec ---\n",
			written/1000, dbMB+walMB, insertRate)

		iters := 20
		if written >= 500000 {
			iters = 5
		}
		for _, b := range benchmarks {
			start := time.Now()
			for range iters {
				b.fn()
			}
			elapsed := time.Since(start)
			avgMs := float64(elapsed.Microseconds()) / float64(iters) / 1000.0
			fmt.Printf("  %-22s %7.1f ms\n", b.name, avgMs)
		}
		fmt.Println()
	}
}
