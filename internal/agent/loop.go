// Package agent runs the driftmend main loop: claim spooled drift
// events, resolve each through the tier pipeline, seal and queue
// evidence, drain the upload queue, sync rules, poll update orders, and
// check in with the central service.
//
// The loop is deliberately boring: one cycle at a time, jittered sleeps
// between cycles, panic recovery with a fixed backoff, and exactly one
// fatal condition (a tampered signing key).
package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/driftmend/driftmend/internal/drift"
	"github.com/driftmend/driftmend/internal/evidence"
	"github.com/driftmend/driftmend/internal/flap"
	"github.com/driftmend/driftmend/internal/identity"
	"github.com/driftmend/driftmend/internal/metrics"
	"github.com/driftmend/driftmend/internal/queue"
	"github.com/driftmend/driftmend/internal/remedy"
	"github.com/driftmend/driftmend/internal/rules"
	"github.com/driftmend/driftmend/internal/tickets"
	"github.com/driftmend/driftmend/internal/transport"
	"github.com/driftmend/driftmend/internal/update"
)

// Options wires the loop's collaborators. Transport and the update
// agent may be nil: the loop then runs fully offline.
type Options struct {
	HostID        string
	AgentVersion  string
	Interval      time.Duration
	JitterPct     int
	CycleBackoff  time.Duration
	Retention     time.Duration
	SyncedCache   string
	CheckinEvery  int           // check in every N cycles
	UpdateEvery   time.Duration // update verification interval, decoupled from cycles
	Source        drift.Source
	Flap          *flap.Detector
	Pipeline      *remedy.Pipeline
	Builder       *evidence.Builder
	Queue         *queue.Store
	Tickets       *tickets.Store
	Rules         *rules.Store
	Transport     *transport.Client
	Updates       *update.Agent
	OrdersPubkey  ed25519.PublicKey
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Loop is the agent main loop.
type Loop struct {
	opts      Options
	started   time.Time
	cycles    int
	flapTrips int
	now       func() time.Time
}

// New creates the loop.
func New(opts Options) *Loop {
	if opts.CheckinEvery <= 0 {
		opts.CheckinEvery = 1
	}
	if opts.UpdateEvery <= 0 {
		opts.UpdateEvery = 10 * time.Minute
	}
	return &Loop{opts: opts, now: time.Now}
}

// Run executes cycles until ctx is cancelled. It returns early only for
// the fatal key-tamper condition; every other error is logged and the
// loop continues after a fixed backoff.
func (l *Loop) Run(ctx context.Context) error {
	l.started = l.now()
	l.opts.Logger.Info("agent loop starting",
		"host_id", l.opts.HostID, "interval", l.opts.Interval.String())

	if l.opts.Updates != nil {
		if err := l.opts.Updates.OnBoot(ctx); err != nil {
			if errors.Is(err, identity.ErrKeyTampered) {
				return err
			}
			l.opts.Logger.Error("update boot handling failed", "error", err)
		}
		go l.updateLoop(ctx)
	}

	for {
		err := l.runCycle(ctx)
		if errors.Is(err, identity.ErrKeyTampered) {
			l.opts.Logger.Error("signing key integrity check failed, halting", "error", err)
			return err
		}

		wait := l.jitteredInterval()
		if err != nil {
			l.opts.Logger.Error("cycle failed, backing off", "error", err)
			wait = l.opts.CycleBackoff
		}

		select {
		case <-ctx.Done():
			l.opts.Logger.Info("agent loop stopping")
			return nil
		case <-time.After(wait):
		}
	}
}

// runCycle executes one cycle with panic recovery. A panicking check or
// runbook must not take the whole agent down.
func (l *Loop) runCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	err = l.cycle(ctx)
	return err
}

func (l *Loop) cycle(ctx context.Context) error {
	l.cycles++

	if err := l.handleEvents(ctx); err != nil {
		return err
	}
	l.drainQueue(ctx)
	l.syncRules(ctx)
	if err := l.pollOrders(ctx); err != nil {
		return err
	}
	if l.cycles%l.opts.CheckinEvery == 0 {
		l.checkin(ctx)
	}
	l.pruneEvidence()
	l.updateGauges()

	l.opts.Metrics.Cycles.Inc()
	return nil
}

// updateLoop runs update verification on its own interval so commit and
// rollback timing never depends on the main cycle's pace.
func (l *Loop) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(l.opts.UpdateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.opts.Updates.Tick(ctx); err != nil {
				l.opts.Logger.Error("update verification tick failed", "error", err)
			}
		}
	}
}

// handleEvents claims pending drift events and resolves each through
// the tier pipeline, sealing evidence for every handled event.
func (l *Loop) handleEvents(ctx context.Context) error {
	events, err := l.opts.Source.Pending()
	if err != nil {
		l.opts.Logger.Error("reading drift events", "error", err)
		return nil
	}

	for _, ev := range events {
		disp := l.opts.Flap.ObserveDetection(ev.Key())
		if disp.ForceEscalate {
			l.flapTrips++
			l.opts.Metrics.FlapTrips.Inc()
		} else if disp.InCooldown {
			l.opts.Logger.Info("detection suppressed by cooldown",
				"key", ev.Key(), "until", l.opts.Flap.CooldownUntil(ev.Key()))
			continue
		}

		res, err := l.opts.Pipeline.Resolve(ctx, ev, disp.ForceEscalate)
		if err != nil {
			l.opts.Logger.Error("resolving drift event", "key", ev.Key(), "error", err)
			continue
		}
		l.opts.Flap.ObserveResolution(ev.Key(), res.Outcome == remedy.OutcomeSuccess)
		l.opts.Metrics.Events.WithLabelValues(
			fmt.Sprintf("%d", res.Tier), string(res.Outcome)).Inc()

		if err := l.sealAndQueue(ctx, ev, res); err != nil {
			if errors.Is(err, identity.ErrKeyTampered) {
				return err
			}
			l.opts.Logger.Error("sealing evidence", "key", ev.Key(), "error", err)
		}
	}
	return nil
}

// sealAndQueue builds, persists, and enqueues the evidence bundle, then
// makes one immediate upload attempt. Persist-then-enqueue happens
// before the attempt so a crash mid-upload re-delivers from the queue.
func (l *Loop) sealAndQueue(ctx context.Context, ev drift.Event, res remedy.Result) error {
	bundle, err := l.opts.Builder.Build(ev, res)
	if err != nil {
		return err
	}
	bundlePath, sigPath, err := l.opts.Builder.Persist(bundle)
	if err != nil {
		return err
	}
	if err := l.opts.Queue.Enqueue(bundle.BundleID, bundlePath, sigPath); err != nil {
		return err
	}
	l.uploadOne(ctx, bundle.BundleID, bundlePath, sigPath)
	return nil
}

// drainQueue retries every pending entry whose backoff has elapsed.
func (l *Loop) drainQueue(ctx context.Context) {
	entries, err := l.opts.Queue.ListPending(true)
	if err != nil {
		l.opts.Logger.Error("listing upload queue", "error", err)
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		l.uploadOne(ctx, e.BundleID, e.BundlePath, e.SignaturePath)
	}
}

func (l *Loop) uploadOne(ctx context.Context, bundleID, bundlePath, sigPath string) {
	if l.opts.Transport == nil {
		return
	}
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		l.opts.Logger.Error("reading bundle for upload", "bundle_id", bundleID, "error", err)
		return
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		l.opts.Logger.Error("reading signature for upload", "bundle_id", bundleID, "error", err)
		return
	}

	status, err := l.opts.Transport.UploadEvidence(ctx, bundleID, data, string(sig))
	if err != nil {
		l.opts.Metrics.UploadRetries.Inc()
		if qerr := l.opts.Queue.MarkFailed(bundleID, err.Error()); qerr != nil {
			l.opts.Logger.Error("marking upload failure", "bundle_id", bundleID, "error", qerr)
		}
		return
	}

	switch status {
	case transport.UploadAccepted, transport.UploadDuplicate:
		if err := l.opts.Queue.MarkUploaded(bundleID); err != nil {
			l.opts.Logger.Error("marking upload done", "bundle_id", bundleID, "error", err)
		}
		l.opts.Logger.Info("evidence uploaded", "bundle_id", bundleID, "status", status.String())
	case transport.UploadRejected:
		if err := l.opts.Queue.MarkRejected(bundleID, "rejected by central service"); err != nil {
			l.opts.Logger.Error("marking upload rejected", "bundle_id", bundleID, "error", err)
		}
	}
}

// syncRules fetches the synced rule feed and swaps it in atomically. A
// malformed feed is rejected whole; the cached copy on disk keeps the
// last good set across restarts.
func (l *Loop) syncRules(ctx context.Context) {
	if l.opts.Transport == nil {
		return
	}
	raw, err := l.opts.Transport.SyncRules(ctx)
	if err != nil {
		l.opts.Logger.Warn("rule sync failed, keeping current set", "error", err)
		return
	}
	rs, err := rules.ParseJSON(raw, rules.SourceSynced)
	if err != nil {
		l.opts.Logger.Error("rejecting malformed synced rules", "error", err)
		return
	}
	l.opts.Rules.ReplaceSynced(rs)
	if l.opts.SyncedCache != "" {
		if err := rules.SaveFile(l.opts.SyncedCache, rs); err != nil {
			l.opts.Logger.Error("caching synced rules", "error", err)
		}
	}
}

// pollOrders fetches verified update orders and applies the first one.
// The transport already dropped anything unverified or expired.
func (l *Loop) pollOrders(ctx context.Context) error {
	if l.opts.Transport == nil || l.opts.Updates == nil || l.opts.OrdersPubkey == nil {
		return nil
	}
	orders, err := l.opts.Transport.PollOrders(ctx, l.opts.HostID, l.opts.OrdersPubkey, l.now())
	if err != nil {
		l.opts.Logger.Warn("polling update orders failed", "error", err)
		return nil
	}
	for _, o := range orders {
		if err := l.opts.Updates.Apply(ctx, o); err != nil {
			l.opts.Logger.Error("applying update order", "order_id", o.OrderID, "error", err)
			continue
		}
		// Apply ends in a reboot request; one order per cycle.
		return nil
	}
	return nil
}

func (l *Loop) checkin(ctx context.Context) {
	if l.opts.Transport == nil {
		return
	}
	stats, err := l.opts.Queue.Stats()
	if err != nil {
		l.opts.Logger.Error("reading queue stats", "error", err)
	}
	open, err := l.opts.Tickets.OpenCount()
	if err != nil {
		l.opts.Logger.Error("counting open tickets", "error", err)
	}

	h := transport.Health{
		HostID:         l.opts.HostID,
		AgentVersion:   l.opts.AgentVersion,
		QueueDepth:     stats.Pending,
		QueueExhausted: stats.Exhausted,
		OpenTickets:    open,
		FlapTrips:      l.flapTrips,
		UptimeSeconds:  int64(l.now().Sub(l.started).Seconds()),
		Timestamp:      l.now().UTC(),
	}
	if l.opts.Updates != nil {
		h.ActivePartition = string(l.opts.Updates.State().ActivePartition)
	}
	if err := l.opts.Transport.Checkin(ctx, h); err != nil {
		l.opts.Logger.Warn("check-in failed", "error", err)
	}
}

// pruneEvidence removes uploaded bundles past the retention period,
// deleting their files along with the queue rows.
func (l *Loop) pruneEvidence() {
	pruned, err := l.opts.Queue.PruneUploaded(l.opts.Retention)
	if err != nil {
		l.opts.Logger.Error("pruning uploaded evidence", "error", err)
		return
	}
	for _, e := range pruned {
		for _, path := range []string{e.BundlePath, e.SignaturePath} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				l.opts.Logger.Warn("removing pruned evidence file", "path", path, "error", err)
			}
		}
	}
	if len(pruned) > 0 {
		l.opts.Logger.Info("evidence pruned", "count", len(pruned))
	}
}

func (l *Loop) updateGauges() {
	stats, err := l.opts.Queue.Stats()
	if err != nil {
		return
	}
	l.opts.Metrics.QueueDepth.Set(float64(stats.Pending))
	l.opts.Metrics.QueueExhaust.Set(float64(stats.Exhausted))
	if open, err := l.opts.Tickets.OpenCount(); err == nil {
		l.opts.Metrics.OpenTickets.Set(float64(open))
	}
}

// jitteredInterval spreads cycle starts across the fleet so thousands
// of agents never poll the central service in lockstep.
func (l *Loop) jitteredInterval() time.Duration {
	if l.opts.JitterPct <= 0 {
		return l.opts.Interval
	}
	span := int64(l.opts.Interval) * int64(l.opts.JitterPct) / 100
	if span <= 0 {
		return l.opts.Interval
	}
	return l.opts.Interval + time.Duration(rand.Int63n(2*span)-span)
}
