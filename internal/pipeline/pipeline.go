package pipeline

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/adapter/source"
	"github.com/couchcryptid/uscrn-ingest/internal/adapter/store"
	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/couchcryptid/uscrn-ingest/internal/observability"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Lister enumerates candidate files for a year selection.
type Lister interface {
	Enumerate(ctx context.Context, sel domain.YearSelector) iter.Seq2[domain.FileDescriptor, error]
}

// Fetcher downloads one file, optionally conditional on a prior Last-Modified.
type Fetcher interface {
	Download(ctx context.Context, url string, ifModifiedSince time.Time) (source.Content, error)
}

// Store is the ledger and observation repository.
type Store interface {
	Ping(ctx context.Context) error
	GetProcessedFile(ctx context.Context, filename string) (domain.ProcessedFile, error)
	IngestFile(ctx context.Context, d domain.FileDescriptor, records []domain.Observation, stats domain.FileStats) (domain.FileStats, error)
	RecordFailure(ctx context.Context, d domain.FileDescriptor, stats domain.FileStats) (int, error)
	RecordRejection(ctx context.Context, d domain.FileDescriptor, reason string) error
}

// Publisher announces committed files. Failures are logged, never retried.
type Publisher interface {
	PublishIngested(ctx context.Context, ev domain.IngestionEvent) error
}

// Archiver writes a columnar copy of a committed file.
type Archiver interface {
	Archive(ctx context.Context, d domain.FileDescriptor, records []domain.Observation) error
}

// Config is the cycle-level behavior taken from the service configuration.
type Config struct {
	Years                    domain.YearSelector
	Filter                   *domain.LocationFilter
	FailureThreshold         float64
	DownloadConcurrency      int
	RepeatedFailureThreshold int
}

// Option configures optional side outputs.
type Option func(*Pipeline)

// WithPublisher emits one event per committed file.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithArchiver writes a Parquet copy of every committed file.
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

// Pipeline runs ingestion cycles: list, filter, consult the ledger, download,
// parse, and persist each file as one transaction.
type Pipeline struct {
	lister    Lister
	fetcher   Fetcher
	store     Store
	publisher Publisher
	archiver  Archiver
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics

	ready atomic.Bool
	last  atomic.Pointer[CycleSummary]
}

// New creates a Pipeline with the given stages and observability.
func New(l Lister, f Fetcher, s Store, cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	if cfg.DownloadConcurrency < 1 {
		cfg.DownloadConcurrency = 1
	}
	if cfg.RepeatedFailureThreshold < 1 {
		cfg.RepeatedFailureThreshold = 3
	}
	p := &Pipeline{
		lister:  l,
		fetcher: f,
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckReadiness returns nil once the store answers and at least one cycle
// has finished.
func (p *Pipeline) CheckReadiness(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return err
	}
	if !p.ready.Load() {
		return errors.New("no ingestion cycle has finished yet")
	}
	return nil
}

// LastSummary returns the summary of the most recent cycle.
func (p *Pipeline) LastSummary() (CycleSummary, bool) {
	s := p.last.Load()
	if s == nil {
		return CycleSummary{}, false
	}
	return *s, true
}

// candidate is a file that survived filtering and the ledger check.
type candidate struct {
	desc     domain.FileDescriptor
	decision domain.FilterDecision
	prior    *domain.ProcessedFile
	since    time.Time
}

type fetched struct {
	content source.Content
	err     error
}

// RunCycle performs one ingestion cycle. Cancellation is observed between
// files; a file already being persisted is always finished.
func (p *Pipeline) RunCycle(ctx context.Context) CycleSummary {
	sum := CycleSummary{
		ID:        uuid.NewString(),
		StartedAt: domain.Now(),
		Years:     p.cfg.Years.String(),
	}
	logger := p.logger.With("cycle_id", sum.ID)
	logger.Info("cycle started", "years", sum.Years)

	p.metrics.CycleInProgress.Set(1)
	defer p.metrics.CycleInProgress.Set(0)

	cands := p.plan(ctx, logger, &sum)
	if ctx.Err() != nil {
		sum.Stopped = true
	} else {
		p.ingest(ctx, logger, cands, &sum)
	}

	sum.Duration = domain.Now().Sub(sum.StartedAt)
	p.finish(logger, sum)
	return sum
}

// plan lists the configured years and keeps the files that need work.
func (p *Pipeline) plan(ctx context.Context, logger *slog.Logger, sum *CycleSummary) []candidate {
	currentYear := domain.CurrentYear()
	var cands []candidate

	for d, err := range p.lister.Enumerate(ctx, p.cfg.Years) {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			sum.ListErrors++
			p.metrics.ListErrors.Inc()
			logger.Warn("listing failed, continuing with remaining years", "error", err)
			continue
		}

		decision := p.cfg.Filter.Match(d)
		if decision == domain.NoMatch {
			sum.Filtered++
			p.metrics.Files.WithLabelValues(outcomeFiltered).Inc()
			continue
		}

		c := candidate{desc: d, decision: decision}
		prior, err := p.store.GetProcessedFile(ctx, d.Filename)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			sum.Failed++
			p.metrics.Files.WithLabelValues(outcomeFailed).Inc()
			logger.Error("ledger lookup failed", "file", d.Filename, "error", err)
			continue
		default:
			c.prior = &prior
		}

		if c.prior != nil {
			st := c.prior.Status
			switch {
			case st.Terminal() && d.Year != currentYear,
				st == domain.StatusRejected && c.prior.URL == d.URL:
				sum.Skipped++
				p.metrics.Files.WithLabelValues(outcomeSkipped).Inc()
				continue
			case st.Committed() && c.prior.LastModified != nil:
				c.since = *c.prior.LastModified
			}
		}
		cands = append(cands, c)
	}
	logger.Info("candidates selected", "files", len(cands), "filtered", sum.Filtered, "skipped", sum.Skipped)
	return cands
}

// ingest downloads ahead of processing through a bounded window and handles
// files strictly in listing order. The window slot of a file is released only
// after the file is processed, which also bounds buffered bodies.
func (p *Pipeline) ingest(ctx context.Context, logger *slog.Logger, cands []candidate, sum *CycleSummary) {
	if len(cands) == 0 {
		return
	}

	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan fetched, len(cands))
	for i := range results {
		results[i] = make(chan fetched, 1)
	}
	window := make(chan struct{}, p.cfg.DownloadConcurrency)

	g, gctx := errgroup.WithContext(dlCtx)
	g.Go(func() error {
		for i, c := range cands {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			g.Go(func() error {
				content, err := p.fetcher.Download(gctx, c.desc.URL, c.since)
				results[i] <- fetched{content: content, err: err}
				return nil
			})
		}
		return nil
	})

	repeated := 0
	for i, c := range cands {
		if ctx.Err() != nil {
			sum.Stopped = true
			break
		}
		var r fetched
		select {
		case r = <-results[i]:
		case <-ctx.Done():
			sum.Stopped = true
		}
		if sum.Stopped {
			break
		}

		if p.processFile(ctx, logger, sum, c, r) {
			repeated++
		}
		<-window
	}

	cancel()
	_ = g.Wait()
	sum.RepeatedFailures = repeated
	p.metrics.RepeatedFailed.Set(float64(repeated))
}

// processFile handles one downloaded file and reports whether it has now
// failed repeatedly. Persistence ignores cancellation of ctx so an in-flight
// file is never half-handled.
func (p *Pipeline) processFile(ctx context.Context, logger *slog.Logger, sum *CycleSummary, c candidate, r fetched) bool {
	d := c.desc
	log := logger.With("file", d.Filename, "year", d.Year)
	persistCtx := context.WithoutCancel(ctx)
	sum.Attempted++

	if r.err != nil {
		var fe *source.FetchError
		if errors.As(r.err, &fe) {
			p.metrics.FetchErrors.WithLabelValues(fe.Kind.String()).Inc()
			if fe.Kind == source.UntrustedOrigin {
				sum.Rejected++
				p.metrics.Files.WithLabelValues(outcomeRejected).Inc()
				log.Warn("file rejected by origin policy", "url", d.URL, "error", r.err, "security", true)
				if err := p.store.RecordRejection(persistCtx, d, r.err.Error()); err != nil {
					log.Error("record rejection failed", "error", err)
				}
				return false
			}
		}
		sum.Failed++
		p.metrics.Files.WithLabelValues(outcomeFailed).Inc()
		log.Warn("download failed, will retry next cycle", "url", d.URL, "error", r.err)
		return false
	}

	if r.content.NotModified {
		sum.Unchanged++
		p.metrics.Files.WithLabelValues(outcomeUnchanged).Inc()
		log.Debug("file not modified at origin")
		return false
	}
	p.metrics.DownloadBytes.Add(float64(len(r.content.Body)))

	fp := Fingerprint(r.content.Body)
	if c.prior != nil && c.prior.Status.Committed() && c.prior.Fingerprint == fp {
		sum.Unchanged++
		p.metrics.Files.WithLabelValues(outcomeUnchanged).Inc()
		log.Debug("file content unchanged")
		return false
	}

	tr := transformFile(r.content, fp, c.decision, p.cfg)
	p.metrics.ParseFailures.Add(float64(tr.stats.ParseFailures))
	for _, lf := range tr.sample {
		log.Debug("line rejected", "line", lf.Line, "reason", lf.Reason, "text", lf.Text)
	}

	if !tr.accepted {
		sum.Failed++
		p.metrics.Files.WithLabelValues(outcomeFailed).Inc()
		log.Warn("file not accepted, will retry next cycle",
			"reason", tr.stats.Reason,
			"rows_seen", tr.stats.RowsSeen,
			"parse_failures", tr.stats.ParseFailures,
		)
		n, err := p.store.RecordFailure(persistCtx, d, tr.stats)
		if err != nil {
			log.Error("record failure failed", "error", err)
			return false
		}
		if n >= p.cfg.RepeatedFailureThreshold {
			log.Error("file keeps failing", "consecutive_failures", n, "reason", tr.stats.Reason)
			return true
		}
		return false
	}

	stats, err := p.store.IngestFile(persistCtx, d, tr.records, tr.stats)
	if err != nil {
		sum.Failed++
		p.metrics.Files.WithLabelValues(outcomeFailed).Inc()
		log.Error("persist failed, transaction rolled back", "error", err)
		return false
	}

	sum.Succeeded++
	sum.RowsInserted += stats.Inserted
	sum.RowsUpdated += stats.Updated
	p.metrics.Files.WithLabelValues(outcomeSucceeded).Inc()
	p.metrics.RowsInserted.Add(float64(stats.Inserted))
	p.metrics.RowsUpdated.Add(float64(stats.Updated))
	log.Info("file ingested",
		"status", stats.Status,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"parse_failures", stats.ParseFailures,
	)

	p.emit(persistCtx, log, sum.ID, d, stats, tr.records)
	return false
}

// emit feeds the optional side outputs after a commit.
func (p *Pipeline) emit(ctx context.Context, log *slog.Logger, cycleID string, d domain.FileDescriptor, stats domain.FileStats, records []domain.Observation) {
	if p.archiver != nil && len(records) > 0 {
		if err := p.archiver.Archive(ctx, d, records); err != nil {
			p.metrics.ArchiveErrors.Inc()
			log.Warn("archive failed", "error", err)
		}
	}
	if p.publisher != nil {
		if err := p.publisher.PublishIngested(ctx, domain.NewIngestionEvent(cycleID, d, stats, records)); err != nil {
			p.metrics.PublishErrors.Inc()
			log.Warn("publish failed", "error", err)
		}
	}
}

func (p *Pipeline) finish(logger *slog.Logger, sum CycleSummary) {
	result := "completed"
	if sum.Stopped {
		result = "stopped"
	} else {
		p.metrics.LastCycleSuccess.Set(float64(domain.Now().Unix()))
	}
	p.metrics.CyclesTotal.WithLabelValues(result).Inc()
	p.metrics.CycleDuration.Observe(sum.Duration.Seconds())

	p.last.Store(&sum)
	p.ready.Store(true)

	logger.Info("cycle finished",
		"result", result,
		"duration", sum.Duration,
		"attempted", sum.Attempted,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"unchanged", sum.Unchanged,
		"rejected", sum.Rejected,
		"filtered", sum.Filtered,
		"list_errors", sum.ListErrors,
	)
}
