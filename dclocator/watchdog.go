package dclocator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"f0oster/admirror/pipeline"
	"f0oster/admirror/store"
)

// PipelineFactory builds a fresh pipeline (fresh queues, cleared fault
// flags) for each run against a DC. The base DN comes from the selected
// DC's Root DSE.
type PipelineFactory func(baseDN string) *pipeline.Pipeline

// Watchdog owns the pipeline lifecycle: it starts the first pipeline against
// a located DC and restarts against a new DC whenever a feed faults. The
// in-memory store is never dropped; the re-bulk-load sweeps it instead, and
// change-notified entities survive by the store's priority rule.
type Watchdog struct {
	locator *Locator
	st      *store.Store
	build   PipelineFactory
	log     *slog.Logger

	// Interval between fault polls.
	Interval time.Duration

	current  *pipeline.Pipeline
	lastHost string
}

const defaultWatchdogInterval = 5 * time.Minute

func NewWatchdog(locator *Locator, st *store.Store, build PipelineFactory, log *slog.Logger) *Watchdog {
	return &Watchdog{
		locator:  locator,
		st:       st,
		build:    build,
		log:      log,
		Interval: defaultWatchdogInterval,
	}
}

// Run blocks until the context ends or a fatal feed error surfaces.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.startPipeline(ctx, nil); err != nil {
		return err
	}
	defer func() {
		if w.current != nil {
			w.current.Stop()
		}
	}()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := w.current.Fault()
			if err == nil {
				continue
			}
			if pipeline.IsFatal(err) {
				return fmt.Errorf("pipeline failed permanently: %w", err)
			}
			w.log.Warn("pipeline fault, switching domain controller", "err", err)
			failed := w.current
			failedHost := w.lastHost
			w.current = nil
			failed.Stop()
			w.st.MarkAllAsDetecting()
			if err := w.startPipeline(ctx, map[string]bool{failedHost: true}); err != nil {
				return err
			}
		}
	}
}

// Pipeline returns the currently running pipeline, nil before the first
// start completes.
func (w *Watchdog) Pipeline() *pipeline.Pipeline {
	return w.current
}

// changeNotifyTimeout bounds each read on the notification search. The
// stream is expected to idle for long stretches, so the bound is generous.
const changeNotifyTimeout = 48 * time.Hour

func (w *Watchdog) startPipeline(ctx context.Context, exclude map[string]bool) error {
	if exclude == nil {
		exclude = make(map[string]bool)
	}
	for {
		res, err := w.locator.LocateWithBackoff(ctx, exclude)
		if err != nil {
			return fmt.Errorf("domain controller selection failed: %w", err)
		}
		w.st.SetDomainFlatName(res.FlatName)

		// A DC that passed the probe can still refuse the feed connections;
		// exclude it and select again.
		bulkConn, err := w.locator.Dial(res.Host)
		if err != nil {
			w.log.Warn("bulk-load connection failed", "host", res.Host, "err", err)
			exclude[res.Host] = true
			continue
		}
		notifyConn, err := w.locator.Dial(res.Host)
		if err != nil {
			w.log.Warn("change-notify connection failed", "host", res.Host, "err", err)
			bulkConn.Close()
			exclude[res.Host] = true
			continue
		}
		notifyConn.SetTimeout(changeNotifyTimeout)

		p := w.build(res.BaseDN)
		p.Start(ctx, bulkConn, notifyConn)
		w.current = p
		w.lastHost = res.Host
		w.log.Info("pipeline started", "host", res.Host)
		return nil
	}
}
