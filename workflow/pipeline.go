package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/mmdatafocus/gstrecon_backend/narrative"
	"github.com/mmdatafocus/gstrecon_backend/reconcile"
	"github.com/mmdatafocus/gstrecon_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	TriggerUpload = "upload"
	TriggerManual = "manual"
	TriggerPubSub = "pubsub"
	TriggerCLI    = "cli"

	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"

	DefaultConcurrency = 4
	MaxConcurrency     = 8
)

// AuditStore is what a run reads the graph from and writes audit entries to.
type AuditStore interface {
	reconcile.SnapshotSource
	UpsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

type Narrator interface {
	Explain(ctx context.Context, f reconcile.Finding) narrative.Narrative
}

// RunSummary is the outcome of one pipeline run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Nodes      int       `json:"nodes"`
	Findings   int       `json:"findings"`
	Saved      int       `json:"saved"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// Orchestrator runs snapshot -> detect -> narrate -> persist.
type Orchestrator struct {
	store       AuditStore
	detector    *reconcile.Detector
	narrator    Narrator
	recMu       sync.RWMutex
	recorder    RunRecorder
	events      EventPublisher
	concurrency int
	logger      *logrus.Logger

	running atomic.Int32
	wg      sync.WaitGroup
}

type Option func(*Orchestrator)

func WithRunRecorder(r RunRecorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func WithEventPublisher(p EventPublisher) Option { return func(o *Orchestrator) { o.events = p } }

// WithConcurrency bounds concurrent narrative calls; values are clamped to 1..MaxConcurrency.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

func NewOrchestrator(store AuditStore, detector *reconcile.Detector, narrator Narrator, logger *logrus.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = config.GetLogger()
	}
	o := &Orchestrator{
		store:       store,
		detector:    detector,
		narrator:    narrator,
		concurrency: DefaultConcurrency,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if o.concurrency > MaxConcurrency {
		o.concurrency = MaxConcurrency
	}
	if o.recorder == nil {
		o.recorder = NewMemoryRunRecorder()
	}
	return o
}

// Trigger starts a run in the background and returns its id immediately.
// The run is detached from the caller's context; it is not cancellable.
func (o *Orchestrator) Trigger(trigger string) string {
	runID := uuid.NewString()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.Background(), runID, trigger)
	}()
	return runID
}

// Wait blocks until every triggered run has finished. Used at shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Running reports how many runs are in flight.
func (o *Orchestrator) Running() int {
	return int(o.running.Load())
}

// SetRunRecorder swaps the recorder, e.g. once redis becomes reachable after startup.
func (o *Orchestrator) SetRunRecorder(r RunRecorder) {
	if r == nil {
		return
	}
	o.recMu.Lock()
	o.recorder = r
	o.recMu.Unlock()
}

func (o *Orchestrator) runRecorder() RunRecorder {
	o.recMu.RLock()
	defer o.recMu.RUnlock()
	return o.recorder
}

func (o *Orchestrator) LastRun(ctx context.Context) (*RunSummary, error) {
	return o.runRecorder().Last(ctx)
}

// Run executes one pipeline run synchronously.
func (o *Orchestrator) Run(ctx context.Context, trigger string) RunSummary {
	return o.run(ctx, uuid.NewString(), trigger)
}

func (o *Orchestrator) run(ctx context.Context, runID, trigger string) RunSummary {
	o.running.Add(1)
	defer o.running.Add(-1)

	ctx = utils.SetRunIdInContext(ctx, runID)
	ctx = utils.SetTriggerInContext(ctx, trigger)
	ctx, span := otel.Tracer("gstrecon/workflow").Start(ctx, "reconciliation.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("run_id", runID), attribute.String("trigger", trigger)))
	defer span.End()

	log := o.logger.WithFields(logrus.Fields{"run_id": runID, "trigger": trigger})
	summary := RunSummary{RunID: runID, Trigger: trigger, StartedAt: time.Now().UTC()}
	log.Info("reconciliation pipeline started")

	g, err := reconcile.BuildSnapshot(ctx, o.store)
	if err != nil {
		config.LogError(o.logger, "pipeline.go", "run", "building graph snapshot", runID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		summary.Status = RunStatusFailed
		summary.Error = err.Error()
		o.finish(ctx, &summary)
		return summary
	}
	summary.Nodes = g.Len()

	findings := o.detector.Detect(ctx, g)
	summary.Findings = len(findings)
	log.WithField("findings", len(findings)).Info("detected mismatches")

	saved, failed := o.persist(ctx, findings)
	summary.Saved = saved
	summary.Failed = failed
	summary.Status = RunStatusCompleted
	span.SetAttributes(attribute.Int("findings", len(findings)), attribute.Int("saved", saved), attribute.Int("failed", failed))

	o.finish(ctx, &summary)
	log.WithFields(logrus.Fields{"saved": saved, "failed": failed}).Info("reconciliation pipeline complete")
	return summary
}

// persist narrates and upserts every finding. Findings sharing an audit key are handled
// in detection order by one worker so the last one wins; distinct keys run concurrently.
// Only the winning finding of a key goes to the narrator; the ones it overwrites get the
// template narrative so thousands of cycles do not queue thousands of generator calls.
func (o *Orchestrator) persist(ctx context.Context, findings []reconcile.Finding) (int, int) {
	var saved, failed atomic.Int64

	var eg errgroup.Group
	eg.SetLimit(o.concurrency)
	for _, group := range groupByKey(findings) {
		eg.Go(func() error {
			for i, f := range group {
				var n narrative.Narrative
				if i == len(group)-1 {
					n = o.narrator.Explain(ctx, f)
				} else {
					n = narrative.Fallback(f)
				}
				entry := NewAuditEntry(f, n)
				if err := o.store.UpsertAuditEntry(ctx, entry); err != nil {
					config.LogError(o.logger, "pipeline.go", "persist", "upserting audit entry",
						map[string]string{"inv_no": f.InvNo, "mismatch_type": string(f.Type)}, err)
					failed.Add(1)
					continue
				}
				saved.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return int(saved.Load()), int(failed.Load())
}

func (o *Orchestrator) finish(ctx context.Context, summary *RunSummary) {
	summary.FinishedAt = time.Now().UTC()
	if err := o.runRecorder().Record(ctx, *summary); err != nil {
		config.LogError(o.logger, "pipeline.go", "finish", "recording run summary", summary.RunID, err)
	}
	if o.events != nil {
		if err := o.events.PublishRunCompleted(ctx, *summary); err != nil {
			config.LogError(o.logger, "pipeline.go", "finish", "publishing run event", summary.RunID, err)
		}
	}
}

func groupByKey(findings []reconcile.Finding) [][]reconcile.Finding {
	index := map[reconcile.AuditKey]int{}
	var groups [][]reconcile.Finding
	for _, f := range findings {
		k := f.Key()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], f)
	}
	return groups
}

// NewAuditEntry combines a finding with its narrative into the row that gets upserted.
func NewAuditEntry(f reconcile.Finding, n narrative.Narrative) *models.AuditEntry {
	return &models.AuditEntry{
		InvNo:         f.InvNo,
		MismatchType:  f.Type,
		SupplierGstin: f.SupplierGstin,
		BuyerGstin:    f.BuyerGstin,
		Severity:      f.Severity,
		Amount:        f.Amount,
		Period:        f.Period,
		Description:   n.Description,
		RootCause:     n.RootCause,
		TraversalPath: models.JoinTraversalPath(f.TraversalPath),
		Status:        models.AuditStatusFlagged,
	}
}
