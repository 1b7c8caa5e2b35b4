// Package pipeline feeds the store: a paged bulk-load enumeration and an
// open-ended change-notification search run as producer goroutines into
// bounded queues, drained by a single consumer that owns every store write.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/metrics"
	"f0oster/admirror/snapshot"
	"f0oster/admirror/store"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the subset of *ldap.Conn the feeds use. Tests substitute fakes.
type Conn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchAsync(ctx context.Context, req *ldap.SearchRequest, bufferSize int) ldap.Response
	Close() error
}

// Exporter is the pluggable SQL sink: it accepts the serialized entity list
// each snapshot cycle. Nil disables export.
type Exporter interface {
	ExportSnapshot(ctx context.Context, entities []*activedirectory.Entity) error
}

type Config struct {
	BaseDN           string
	Attributes       []string
	PageSize         uint32
	QueueSize        int
	SnapshotPath     string
	SnapshotInterval time.Duration
}

const (
	DefaultPageSize         = 1000
	DefaultQueueSize        = 2048
	DefaultSnapshotInterval = 5 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
}

// Pipeline ties one bulk-load/change-notify pair to the store. A pipeline
// runs against a single DC; the watchdog builds a fresh one after a fault.
type Pipeline struct {
	st       *store.Store
	codec    *snapshot.Codec
	exporter Exporter
	log      *slog.Logger
	cfg      Config

	bulkQ   chan *activedirectory.Record
	notifyQ chan *activedirectory.Record

	bulkFault   faultFlag
	notifyFault faultFlag
	bulkOK      atomic.Bool
	loadDone    atomic.Bool

	cBulk   metrics.Counter
	cNotify metrics.Counter
	cSnapIO metrics.Counter

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	snapOnce sync.Once

	bulkConn   Conn
	notifyConn Conn
}

func New(st *store.Store, codec *snapshot.Codec, exporter Exporter, cfg Config, log *slog.Logger, sink metrics.Sink) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		st:       st,
		codec:    codec,
		exporter: exporter,
		log:      log,
		cfg:      cfg,
		bulkQ:    make(chan *activedirectory.Record, cfg.QueueSize),
		notifyQ:  make(chan *activedirectory.Record, cfg.QueueSize),
		cBulk:    sink.Counter("bulk_records_total"),
		cNotify:  sink.Counter("notify_records_total"),
		cSnapIO:  sink.Counter("snapshot_io_failures_total"),
	}
}

// Start launches both feeds and the consumer. The two connections are owned
// by the pipeline from here on and closed by Stop.
func (p *Pipeline) Start(ctx context.Context, bulkConn, notifyConn Conn) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.bulkConn = bulkConn
	p.notifyConn = notifyConn

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		p.runBulkLoad(ctx, bulkConn)
	}()
	go func() {
		defer p.wg.Done()
		p.runChangeNotify(ctx, notifyConn)
	}()
	go func() {
		defer p.wg.Done()
		// No recover here: a consumer panic means the store's invariants
		// can no longer be trusted and the process must restart.
		p.runConsumer(ctx)
	}()
}

// Stop cancels the shared context, waits for the feeds and consumer to
// drain, and closes the connections.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.bulkConn != nil {
		_ = p.bulkConn.Close()
	}
	if p.notifyConn != nil {
		_ = p.notifyConn.Close()
	}
}

// InitialLoadComplete reports whether the bulk enumeration has finished and
// the post-load sweep has run.
func (p *Pipeline) InitialLoadComplete() bool {
	return p.loadDone.Load()
}

// Fault returns the first feed error observed, nil while healthy.
func (p *Pipeline) Fault() error {
	if err := p.bulkFault.get(); err != nil {
		return err
	}
	return p.notifyFault.get()
}

// IsFatal reports whether a feed error is a permanent configuration or
// authentication failure that a DC switch will not cure.
func IsFatal(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultAuthMethodNotSupported) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultInappropriateAuthentication)
}

func (p *Pipeline) runConsumer(ctx context.Context) {
	bulkQ, notifyQ := p.bulkQ, p.notifyQ
	for bulkQ != nil || notifyQ != nil {
		select {
		case rec, ok := <-bulkQ:
			if !ok {
				bulkQ = nil
				if p.bulkOK.Load() {
					p.finishBulkLoad(ctx)
				}
				continue
			}
			p.st.ApplyRecord(rec, store.SourceBulkLoad)
			p.cBulk.Inc()
		case rec, ok := <-notifyQ:
			if !ok {
				notifyQ = nil
				continue
			}
			p.st.ApplyRecord(rec, store.SourceChangeNotify)
			p.cNotify.Inc()
		case <-ctx.Done():
			p.drain(bulkQ, store.SourceBulkLoad)
			p.drain(notifyQ, store.SourceChangeNotify)
			return
		}
	}
}

// drain applies whatever the cancelled feeds already enqueued.
func (p *Pipeline) drain(q chan *activedirectory.Record, source store.Source) {
	if q == nil {
		return
	}
	for {
		select {
		case rec, ok := <-q:
			if !ok {
				return
			}
			p.st.ApplyRecord(rec, source)
		default:
			return
		}
	}
}

func (p *Pipeline) finishBulkLoad(ctx context.Context) {
	p.st.ResolveAllDeferred()
	deleted := p.st.DeleteUndetected()
	p.loadDone.Store(true)
	p.log.Info("initial load complete",
		"entities", p.st.Len(),
		"swept", deleted,
		"deferred", len(p.st.DeferredObjects()),
	)

	if p.cfg.SnapshotPath != "" {
		p.snapOnce.Do(func() {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.runSnapshotWriter(ctx)
			}()
		})
	}
}

// runSnapshotWriter persists the store periodically and hands the same
// capture to the SQL exporter. Failures count and log but never stop the
// pipeline; the next cycle retries.
func (p *Pipeline) runSnapshotWriter(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entities := p.st.Entities()
			if err := p.codec.Write(p.cfg.SnapshotPath, entities); err != nil {
				p.cSnapIO.Inc()
				p.log.Error("snapshot write failed", "err", err)
			}
			if p.exporter != nil {
				if err := p.exporter.ExportSnapshot(ctx, entities); err != nil {
					p.log.Error("snapshot export failed", "err", err)
				}
			}
		}
	}
}

// faultFlag latches the first error a feed reports.
type faultFlag struct {
	mu  sync.Mutex
	err error
}

func (f *faultFlag) set(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
}

func (f *faultFlag) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
