// Package pipeline drives emails through normalize, extract, link, classify,
// write, and validate stages with a bounded worker pool.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/collabiq/collabiq/internal/adapter/observability"
	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/dlq"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/linker"
	"github.com/collabiq/collabiq/internal/llm"
	"github.com/collabiq/collabiq/internal/persist"
	"github.com/collabiq/collabiq/internal/resilience"
)

// Controller owns one pipeline run at a time. A single controller instance
// per data root is assumed; there is no cross-process coordination.
type Controller struct {
	cfg        config.Config
	mail       domain.MailSource
	kb         domain.KnowledgeBase
	users      domain.UserDirectory
	orch       *llm.Orchestrator
	linker     *linker.Linker
	normalizer *Normalizer
	classifier *Classifier
	writer     *Writer
	dlqStore   *dlq.Store
	processed  *dlq.ProcessedIndex
	exec       *resilience.Executor
	retry      resilience.RetryConfig

	// OnRunFinished, when set, observes every completed run (reporting).
	OnRunFinished func(domain.RunRecord)

	mu      sync.Mutex
	halted  bool
	lastRun *domain.RunRecord
}

// NewController wires the pipeline.
func NewController(
	cfg config.Config,
	mail domain.MailSource,
	kb domain.KnowledgeBase,
	users domain.UserDirectory,
	orch *llm.Orchestrator,
	lk *linker.Linker,
	dlqStore *dlq.Store,
	processed *dlq.ProcessedIndex,
	exec *resilience.Executor,
	retry resilience.RetryConfig,
) *Controller {
	return &Controller{
		cfg:        cfg,
		mail:       mail,
		kb:         kb,
		users:      users,
		orch:       orch,
		linker:     lk,
		normalizer: NewNormalizer(),
		classifier: NewClassifier(orch),
		writer:     NewWriter(cfg, kb, processed, exec, retry),
		dlqStore:   dlqStore,
		processed:  processed,
		exec:       exec,
		retry:      retry,
	}
}

// Halted reports whether a critical failure has stopped fetching.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Resume clears the halted flag after operator intervention.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.halted = false
	c.mu.Unlock()
	slog.Info("pipeline fetching resumed")
}

// LastRun returns the most recent run record, if any.
func (c *Controller) LastRun() *domain.RunRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRun == nil {
		return nil
	}
	cp := *c.lastRun
	return &cp
}

func (c *Controller) setHalted() {
	c.mu.Lock()
	c.halted = true
	c.mu.Unlock()
}

// NewRunID returns an ISO-ordered run identifier: lexicographic order equals
// chronological order.
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// RunOnce fetches one batch and drains it through the pipeline. The returned
// RunRecord is also persisted under runs/.
func (c *Controller) RunOnce(ctx context.Context) (domain.RunRecord, error) {
	if c.Halted() {
		return domain.RunRecord{}, fmt.Errorf("op=pipeline.RunOnce: fetching halted after critical failure")
	}
	if c.cfg.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunDeadline)
		defer cancel()
	}

	run := domain.RunRecord{
		RunID:     NewRunID(time.Now()),
		StartedAt: time.Now().UTC(),
		Status:    "running",
	}
	c.saveRun(&run)
	slog.Info("run started", slog.String("run_id", run.RunID))

	var msgs []domain.RawMessage
	err := c.exec.Do(ctx, "gmail", c.retry, func(ctx context.Context) error {
		var lerr error
		msgs, lerr = c.mail.ListNew(ctx, c.cfg.MailQuery(), c.cfg.FetchLimit)
		return lerr
	})
	if err != nil {
		if domain.Classify(err) == domain.ClassCritical {
			c.setHalted()
			slog.Error("critical mail failure, halting fetch", slog.Any("error", err))
		}
		run.Status = "failed"
		run.Errors = append(run.Errors, domain.ErrorRecord{
			Stage:    domain.StageFetch,
			Severity: domain.SeverityFor(domain.Classify(err)),
			Message:  err.Error(),
			Hint:     "check mail credentials and connectivity",
		})
		c.finishRun(&run)
		return run, fmt.Errorf("op=pipeline.RunOnce: %w", err)
	}
	run.Counters.Received = len(msgs)

	// Linking context is shared across the batch: one companies fetch, one
	// user fetch, one schema discovery.
	lctx, err := c.loadLinkContext(ctx)
	if err != nil {
		run.Status = "failed"
		run.Errors = append(run.Errors, domain.ErrorRecord{
			Stage:    domain.StageLink,
			Severity: domain.SeverityFor(domain.Classify(err)),
			Message:  err.Error(),
		})
		c.finishRun(&run)
		return run, fmt.Errorf("op=pipeline.RunOnce: %w", err)
	}

	queueSize := c.cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	queue := make(chan domain.RawMessage, queueSize)

	type result struct {
		state domain.EmailState
		errs  []domain.ErrorRecord
	}
	results := make(chan result, len(msgs))

	var wg sync.WaitGroup
	for range c.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range queue {
				state, errs := c.processEmail(ctx, run.RunID, msg, lctx)
				results <- result{state: state, errs: errs}
			}
		}()
	}

feed:
	for _, msg := range msgs {
		select {
		case queue <- msg:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()
	close(results)

	for r := range results {
		observability.EmailsProcessedTotal.WithLabelValues(string(r.state)).Inc()
		switch r.state {
		case domain.StateValidated:
			run.Counters.Processed++
		case domain.StateSkipped:
			run.Counters.Skipped++
		case domain.StateCancelled:
			run.Counters.Cancelled++
		default:
			run.Counters.Failed++
		}
		run.Errors = append(run.Errors, r.errs...)
	}

	switch {
	case ctx.Err() != nil:
		run.Status = "cancelled"
	case run.Counters.Failed > 0:
		run.Status = "completed_with_errors"
	default:
		run.Status = "completed"
	}
	c.finishRun(&run)
	slog.Info("run finished",
		slog.String("run_id", run.RunID),
		slog.String("status", run.Status),
		slog.Int("received", run.Counters.Received),
		slog.Int("processed", run.Counters.Processed),
		slog.Int("skipped", run.Counters.Skipped),
		slog.Int("failed", run.Counters.Failed))
	return run, nil
}

// linkContext is the per-run snapshot used by the link stage.
type linkContext struct {
	companies []domain.CompanyRecord
	users     []domain.WorkspaceUser
	typeTags  []string
}

func (c *Controller) loadLinkContext(ctx context.Context) (*linkContext, error) {
	var schema domain.Schema
	err := c.exec.Do(ctx, "notion", c.retry, func(ctx context.Context) error {
		var derr error
		schema, derr = c.kb.DiscoverSchema(ctx, c.cfg.NotionDatabaseID, false)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("discover schema: %w", err)
	}
	var rows []domain.Record
	err = c.exec.Do(ctx, "notion", c.retry, func(ctx context.Context) error {
		var lerr error
		rows, lerr = c.kb.ListRecords(ctx, c.cfg.NotionCompaniesDBID, nil, 0)
		return lerr
	})
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	companies := make([]domain.CompanyRecord, 0, len(rows))
	for _, r := range rows {
		companies = append(companies, companyFromRecord(r))
	}
	var users []domain.WorkspaceUser
	err = c.exec.Do(ctx, "notion", c.retry, func(ctx context.Context) error {
		var uerr error
		users, uerr = c.users.ListUsers(ctx)
		return uerr
	})
	if err != nil {
		// Person resolution is best effort; company linking still works.
		slog.Warn("workspace user list unavailable", slog.Any("error", err))
	}
	return &linkContext{companies: companies, users: users, typeTags: schema.TypeTags}, nil
}

// companyFromRecord flattens a companies-database row. Affiliate/portfolio
// flags read from checkbox properties or from a type-like select value.
func companyFromRecord(r domain.Record) domain.CompanyRecord {
	c := domain.CompanyRecord{ID: r.ID, Source: "kb"}
	for _, key := range []string{"Name", "name", "Company", "이름"} {
		if v, ok := r.Fields[key]; ok && v != "" {
			c.Name = v
			break
		}
	}
	typeValue := strings.ToLower(r.Fields["Type"])
	c.IsAffiliate = r.Fields["Affiliate"] == "true" || strings.Contains(typeValue, "affiliate")
	c.IsPortfolio = r.Fields["Portfolio"] == "true" || strings.Contains(typeValue, "portfolio")
	return c
}

// processEmail runs all stages for one message and returns its terminal
// state. Failures are recorded in the DLQ keyed by (email_id, stage).
func (c *Controller) processEmail(ctx context.Context, runID string, msg domain.RawMessage, lctx *linkContext) (domain.EmailState, []domain.ErrorRecord) {
	log := slog.With(slog.String("email_id", msg.ID), slog.String("run_id", runID))

	if _, seen := c.processed.Seen(msg.ID); seen && c.cfg.OnDuplicate == string(domain.DuplicateSkip) {
		log.Debug("already processed, skipping")
		return domain.StateSkipped, nil
	}
	if ctx.Err() != nil {
		return domain.StateCancelled, nil
	}

	// A stage error observed after the run context ended is a cancellation,
	// not a failure; the email stays out of the DLQ and is refetched next run.
	failOrCancel := func(stage domain.Stage, err error, payload any) (domain.EmailState, []domain.ErrorRecord) {
		if ctx.Err() != nil {
			log.Info("run cancelled mid-stage", slog.String("stage", string(stage)))
			return domain.StateCancelled, nil
		}
		return domain.StateFailed, c.fail(log, msg.ID, stage, err, payload)
	}

	// Normalize.
	start := time.Now()
	cleaned := c.normalizer.Clean(msg)
	observability.ObserveStage(string(domain.StageNormalize), time.Since(start))
	if cleaned.IsEmpty {
		log.Info("body empty after normalization, skipping")
		return domain.StateSkipped, nil
	}

	// Extract.
	entities, err := runStage(ctx, domain.StageExtract, c.cfg.StageTimeout, func(sctx context.Context) (domain.ExtractedEntities, error) {
		return c.orch.Extract(sctx, domain.ExtractInput{
			EmailID: msg.ID,
			Body:    cleaned.Body,
			Context: "Subject: " + msg.Subject,
		})
	})
	if err != nil {
		return failOrCancel(domain.StageExtract, err, cleaned)
	}
	c.snapshotExtraction(runID, entities)

	// Link.
	rec := LinkedRecord{EmailID: msg.ID, Entities: entities}
	start = time.Now()
	if entities.Startup != nil {
		rec.StartupMatch = c.linker.MatchCompany(*entities.Startup, lctx.companies)
	}
	if entities.Partner != nil {
		rec.PartnerMatch = c.linker.MatchCompany(*entities.Partner, lctx.companies)
	}
	if entities.Person != nil {
		rec.PersonMatch = c.linker.MatchPerson(*entities.Person, lctx.users)
	}
	observability.ObserveStage(string(domain.StageLink), time.Since(start))

	// Classify. The type hint comes from the accepted startup match, the
	// partner match otherwise.
	hint := "neither"
	if m := bestAccepted(rec.StartupMatch, rec.PartnerMatch); m != nil {
		hint = hintFor(*m, lctx.companies)
	}
	classification, err := runStage(ctx, domain.StageClassify, c.cfg.StageTimeout, func(sctx context.Context) (domain.Classification, error) {
		cl, _, cerr := c.classifier.Classify(sctx, domain.ClassifyInput{
			EmailID:  msg.ID,
			Body:     cleaned.Body,
			Entities: entities,
		}, hint, lctx.typeTags)
		return cl, cerr
	})
	if err != nil {
		return failOrCancel(domain.StageClassify, err, rec)
	}
	rec.Classification = classification

	// Write.
	written, skipped, err := c.writeStage(ctx, runID, rec)
	if err != nil {
		return failOrCancel(domain.StageWrite, err, rec)
	}
	if skipped {
		return domain.StateSkipped, nil
	}

	// Validate.
	start = time.Now()
	err = c.writer.Validate(ctx, rec, written)
	observability.ObserveStage(string(domain.StageValidate), time.Since(start))
	if err != nil {
		return failOrCancel(domain.StageValidate, err, rec)
	}

	log.Info("email processed",
		slog.String("record_id", written.ID),
		slog.String("provider", entities.Provider))
	return domain.StateValidated, nil
}

// runStage wraps one stage call with the stage timeout and duration metric.
func runStage[T any](ctx context.Context, stage domain.Stage, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := fn(sctx)
	observability.ObserveStage(string(stage), time.Since(start))
	return out, err
}

func (c *Controller) writeStage(ctx context.Context, runID string, rec LinkedRecord) (domain.Record, bool, error) {
	sctx := ctx
	if c.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, c.cfg.StageTimeout)
		defer cancel()
	}
	start := time.Now()
	written, skipped, err := c.writer.Write(sctx, runID, rec)
	observability.ObserveStage(string(domain.StageWrite), time.Since(start))
	return written, skipped, err
}

// fail records a stage failure: DLQ entry, metrics, critical halt, and the
// run-level error record.
func (c *Controller) fail(log *slog.Logger, emailID string, stage domain.Stage, err error, payload any) []domain.ErrorRecord {
	class := domain.Classify(err)
	severity := domain.SeverityFor(class)
	// A failed read-back means the stored row no longer matches what was
	// written; that outranks an ordinary permanent failure.
	if stage == domain.StageValidate && class != domain.ClassCritical {
		severity = domain.SeverityHigh
	}
	observability.RecordStageFailure(string(stage), class.String())
	log.Error("stage failed",
		slog.String("stage", string(stage)),
		slog.String("class", class.String()),
		slog.Any("error", err))

	if class == domain.ClassCritical {
		c.setHalted()
		log.Error("critical failure, halting fetch")
	}

	body, merr := json.Marshal(payload)
	if merr != nil {
		body = []byte(fmt.Sprintf("%+v", payload))
	}
	if _, derr := c.dlqStore.Add(emailID, stage, severity, body, domain.DLQError{
		Type:       class.String(),
		Message:    err.Error(),
		HTTPStatus: domain.HTTPStatusOf(err),
	}); derr != nil {
		log.Error("dlq write failed", slog.Any("error", derr))
	}

	return []domain.ErrorRecord{{
		EmailID:  emailID,
		Stage:    stage,
		Severity: severity,
		Message:  err.Error(),
		Hint:     hintForClass(class),
	}}
}

func hintForClass(class domain.ErrorClass) string {
	switch class {
	case domain.ClassCritical:
		return "check credentials; fetching is halted until resumed"
	case domain.ClassPermanent:
		return "inspect the payload in the dead letter queue"
	default:
		return "will succeed on replay once the upstream recovers"
	}
}

// bestAccepted returns the first accepted company match, preferring startup.
func bestAccepted(matches ...domain.MatchResult) *domain.MatchResult {
	for i := range matches {
		if matches[i].Decision == domain.MatchAccept {
			return &matches[i]
		}
	}
	return nil
}

// hintFor resolves a matched company back to its affiliate/portfolio hint.
func hintFor(m domain.MatchResult, companies []domain.CompanyRecord) string {
	for _, c := range companies {
		if c.ID == m.MatchedID {
			return c.ClassificationHint()
		}
	}
	return "neither"
}

// snapshotExtraction persists the raw extraction for audit under
// extractions/<run_id>/.
func (c *Controller) snapshotExtraction(runID string, e domain.ExtractedEntities) {
	path := filepath.Join(c.cfg.DataDir, "extractions", runID, sanitizeFile(e.EmailID)+".json")
	if err := persist.WriteJSON(path, e); err != nil {
		slog.Warn("extraction snapshot failed",
			slog.String("email_id", e.EmailID),
			slog.Any("error", err))
	}
}

func (c *Controller) saveRun(run *domain.RunRecord) {
	c.mu.Lock()
	cp := *run
	c.lastRun = &cp
	c.mu.Unlock()
	path := filepath.Join(c.cfg.DataDir, "runs", run.RunID+".json")
	if err := persist.WriteJSON(path, run); err != nil {
		slog.Error("run record persist failed",
			slog.String("run_id", run.RunID),
			slog.Any("error", err))
	}
}

func (c *Controller) finishRun(run *domain.RunRecord) {
	now := time.Now().UTC()
	run.EndedAt = &now
	c.saveRun(run)
	if c.OnRunFinished != nil {
		c.OnRunFinished(*run)
	}
}

// Daemon loops RunOnce on the configured interval, cleaning the DLQ on its
// own schedule. A halted pipeline keeps the daemon alive so the admin surface
// stays reachable.
func (c *Controller) Daemon(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.DaemonInterval
	}
	slog.Info("daemon started", slog.Duration("interval", interval))

	cleanup := time.NewTicker(c.cfg.DLQCleanupInterval)
	defer cleanup.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	run := func() {
		if c.Halted() {
			slog.Warn("pipeline halted, skipping run")
			return
		}
		if _, err := c.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run failed", slog.Any("error", err))
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			slog.Info("daemon stopping")
			return ctx.Err()
		case <-tick.C:
			run()
		case <-cleanup.C:
			if n, err := c.dlqStore.Cleanup(c.cfg.DLQMaxAge); err != nil {
				slog.Error("dlq cleanup failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("dlq entries expired", slog.Int("removed", n))
			}
		}
	}
}

func sanitizeFile(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
