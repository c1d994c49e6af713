// Package worker implements the import pipeline execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/committer"
	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/fetch"
	"github.com/JakeFAU/webimporter/internal/importer"
	"github.com/JakeFAU/webimporter/internal/jobs"
	"github.com/JakeFAU/webimporter/internal/metrics"
	"github.com/JakeFAU/webimporter/internal/progress"
)

// ErrTooManyRedirects is recorded when a redirect chain exceeds the job's
// limit.
var ErrTooManyRedirects = errors.New("too many redirects")

const defaultMaxRedirects = 5

var tracer = otel.Tracer("github.com/JakeFAU/webimporter/internal/worker")

// Config controls Worker behavior.
type Config struct {
	// BlobPrefix is prepended to stored content paths.
	BlobPrefix string `mapstructure:"blob_prefix"`
	// HeadersPrefix is prepended to HTTP header names copied into metadata.
	HeadersPrefix string        `mapstructure:"headers_prefix"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	// MaxRedirects applies when a job asks to follow redirects without a
	// limit of its own.
	MaxRedirects int `mapstructure:"max_redirects"`
}

// Detector decides whether a plain fetch should be retried in a browser.
type Detector interface {
	ShouldPromote(resp fetch.Response) bool
}

// Importer runs a document through the import pipeline.
type Importer interface {
	Import(ctx context.Context, d *doc.Document) (importer.Response, error)
}

// Deps are the collaborators of a Worker. Blobs, Committer, Browser,
// Detector, Policy and Progress are optional.
type Deps struct {
	Queue     jobs.Queue
	Jobs      jobs.JobStore
	Blobs     jobs.BlobStore
	Committer committer.Committer
	Importer  Importer
	Fetcher   fetch.Fetcher
	Browser   fetch.Fetcher
	Detector  Detector
	Policy    jobs.Policy
	Hasher    jobs.Hasher
	Clock     jobs.Clock
	Progress  progress.Emitter
	Logger    *zap.Logger
}

// Worker consumes queue items and executes the import pipeline.
type Worker struct {
	Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	return &Worker{Deps: deps, cfg: cfg, logger: logger.Named("worker")}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("queue closed, worker exiting", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

// ProcessJob runs one job synchronously. The import CLI uses it directly.
func (w *Worker) ProcessJob(ctx context.Context, item jobs.QueueItem) jobs.Counters {
	return w.processJob(ctx, item)
}

func (w *Worker) processJob(ctx context.Context, item jobs.QueueItem) jobs.Counters {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	counters := jobs.Counters{}
	if w.canceled(ctx, item.JobID) {
		w.logger.Info("skipping canceled job", zap.String("job_id", item.JobID))
		return counters
	}
	if err := w.Jobs.UpdateJobStatus(ctx, item.JobID, jobs.StatusRunning, "", counters); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", item.JobID), zap.Error(err))
		return counters
	}
	ctx, span := tracer.Start(ctx, "import.job", trace.WithAttributes(
		attribute.String("job.id", item.JobID),
		attribute.Int("job.references", len(item.Params.References)),
	))
	defer span.End()
	started := w.Clock.Now()
	w.emit(item.JobID, progress.Event{Stage: progress.StageJobStart})

	errText := ""
	canceled := false
	for _, ref := range item.Params.References {
		if ctx.Err() != nil || w.canceled(ctx, item.JobID) {
			canceled = true
			break
		}
		if err := w.handleReference(ctx, item, ref, &counters); err != nil {
			errText = err.Error()
		}
	}
	if forgetter, ok := w.Policy.(interface{ Forget(string) }); ok {
		forgetter.Forget(item.JobID)
	}

	status, errText := deriveFinalStatus(ctx, canceled, len(item.Params.References), counters, errText)
	// The request context may be gone; the final status must still land.
	finalCtx := context.WithoutCancel(ctx)
	if err := w.Jobs.UpdateJobStatus(finalCtx, item.JobID, status, errText, counters); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", item.JobID), zap.Error(err))
	}

	span.SetAttributes(
		attribute.String("job.status", string(status)),
		attribute.Int("job.accepted", counters.Accepted),
		attribute.Int("job.failed", counters.Failed),
	)
	stage := progress.StageJobDone
	if status == jobs.StatusFailed {
		stage = progress.StageJobError
		span.SetStatus(codes.Error, errText)
	}
	w.emit(item.JobID, progress.Event{Stage: stage, Dur: w.Clock.Now().Sub(started), Note: errText})
	w.logger.Info("job finished",
		zap.String("job_id", item.JobID),
		zap.String("status", string(status)),
		zap.Int("accepted", counters.Accepted),
		zap.Int("rejected", counters.Rejected),
		zap.Int("failed", counters.Failed),
	)
	return counters
}

func (w *Worker) canceled(ctx context.Context, jobID string) bool {
	job, err := w.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == jobs.StatusCanceled
}

func (w *Worker) handleReference(
	ctx context.Context,
	item jobs.QueueItem,
	ref string,
	counters *jobs.Counters,
) error {
	ctx, span := tracer.Start(ctx, "import.reference", trace.WithAttributes(attribute.String("reference", ref)))
	record := jobs.DocumentRecord{
		JobID:     item.JobID,
		Reference: ref,
		FetchedAt: w.Clock.Now(),
	}
	defer func() {
		span.SetAttributes(
			attribute.String("fetch.state", record.FetchState),
			attribute.String("import.outcome", record.Outcome),
		)
		span.End()
	}()
	defer w.record(ctx, &record)

	resp, err := w.fetchWithRedirects(ctx, item, ref, counters)
	record.FinalURL = resp.FinalURL
	record.Fetcher = resp.Fetcher
	record.FetchState = string(resp.State)
	record.StatusCode = resp.StatusCode
	record.ContentType = resp.ContentType
	record.DurationMs = w.Clock.Now().Sub(record.FetchedAt).Milliseconds()
	metrics.ObserveFetch(ref, resp.Fetcher, string(resp.State), len(resp.Body))

	if err == nil && !resp.State.Good() {
		err = fmt.Errorf("fetch %s: %s", resp.State, resp.Reason)
	}
	if err != nil {
		counters.Failed++
		record.Outcome = string(importer.StatusError)
		record.Reason = err.Error()
		w.emit(item.JobID, progress.Event{Stage: progress.StageImportDone, Reference: ref, Outcome: record.Outcome, Note: record.Reason})
		w.logger.Warn("fetch failed", zap.String("job_id", item.JobID), zap.String("reference", ref), zap.Error(err))
		return err
	}

	checksum, err := w.Hasher.Hash(resp.Body)
	if err != nil {
		counters.Failed++
		record.Outcome = string(importer.StatusError)
		record.Reason = err.Error()
		return fmt.Errorf("hash body: %w", err)
	}
	record.Checksum = checksum

	d := w.buildDocument(ref, item.Params, resp, checksum)
	if item.Params.Options.StoreContent {
		w.storeContent(ctx, item.JobID, checksum, resp, d, &record)
	}

	result, err := w.Importer.Import(ctx, d)
	metrics.ObserveImport(string(result.Status))
	record.Outcome = string(result.Status)
	record.Reason = result.Reason
	record.RejectedBy = result.RejectedBy
	record.Metadata = d.Metadata.Map()
	if result.Warnings != nil {
		w.logger.Warn("import warnings", zap.String("reference", ref), zap.Error(result.Warnings))
	}
	w.emit(item.JobID, progress.Event{
		Stage:     progress.StageImportDone,
		Reference: ref,
		Outcome:   record.Outcome,
		Note:      result.Reason,
	})

	switch {
	case err != nil:
		counters.Failed++
		record.Outcome = string(importer.StatusError)
		record.Reason = err.Error()
		return fmt.Errorf("import %s: %w", ref, err)
	case result.Status == importer.StatusRejected:
		counters.Rejected++
		w.logger.Debug("document rejected",
			zap.String("reference", ref),
			zap.String("rejected_by", result.RejectedBy),
			zap.String("reason", result.Reason),
		)
		return nil
	}

	if err := w.commit(ctx, item.JobID, d); err != nil {
		counters.Failed++
		record.Outcome = string(importer.StatusError)
		record.Reason = err.Error()
		return err
	}
	counters.Accepted++
	return nil
}

func (w *Worker) record(ctx context.Context, record *jobs.DocumentRecord) {
	if err := w.Jobs.RecordDocument(context.WithoutCancel(ctx), *record); err != nil {
		w.logger.Error("record document failed",
			zap.String("job_id", record.JobID),
			zap.String("reference", record.Reference),
			zap.Error(err),
		)
	}
}

func (w *Worker) commit(ctx context.Context, jobID string, d *doc.Document) error {
	if w.Committer == nil {
		return nil
	}
	start := w.Clock.Now()
	if err := w.Committer.Upsert(ctx, committer.FromDocument(d, start)); err != nil {
		w.emit(jobID, progress.Event{Stage: progress.StageCommitError, Reference: d.Reference, Note: err.Error()})
		return fmt.Errorf("commit %s: %w", d.Reference, err)
	}
	w.emit(jobID, progress.Event{
		Stage:     progress.StageCommitDone,
		Reference: d.Reference,
		Bytes:     int64(len(d.Content)),
		Dur:       w.Clock.Now().Sub(start),
	})
	return nil
}

// fetchWithRedirects fetches ref, chasing redirect responses when the job
// asks for it.
func (w *Worker) fetchWithRedirects(
	ctx context.Context,
	item jobs.QueueItem,
	ref string,
	counters *jobs.Counters,
) (fetch.Response, error) {
	opts := item.Params.Options
	limit := opts.MaxRedirects
	if limit <= 0 {
		limit = w.cfg.MaxRedirects
	}
	current := ref
	for hop := 0; ; hop++ {
		resp, err := w.fetchOnce(ctx, item, current)
		if resp.FinalURL == "" {
			resp.FinalURL = current
		}
		if err != nil || resp.State != fetch.StateRedirect || !opts.FollowRedirects || resp.RedirectTarget == "" {
			return resp, err
		}
		if hop >= limit {
			return resp, fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, limit)
		}
		next, err := resolve(current, resp.RedirectTarget)
		if err != nil {
			return resp, err
		}
		counters.Redirects++
		w.logger.Debug("following redirect", zap.String("from", current), zap.String("to", next))
		current = next
	}
}

func (w *Worker) fetchOnce(ctx context.Context, item jobs.QueueItem, ref string) (fetch.Response, error) {
	if w.Policy != nil {
		if err := w.Policy.Wait(ctx, ref); err != nil {
			return fetch.ErrorResponse("policy", err), err
		}
	}
	site := metrics.SanitizeSite(ref)
	w.emit(item.JobID, progress.Event{Stage: progress.StageFetchStart, Site: site, Reference: ref})

	var (
		resp fetch.Response
		err  error
	)
	if item.Params.Options.UseBrowser && w.allowBrowser(item.JobID, ref) {
		resp, err = w.fetchWith(ctx, w.Browser, ref)
	} else {
		resp, err = w.fetchWith(ctx, w.Fetcher, ref)
		if err == nil {
			resp = w.maybePromote(ctx, item, ref, resp)
		}
	}

	w.emit(item.JobID, progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        site,
		Reference:   ref,
		Fetcher:     resp.Fetcher,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
		Note:        string(resp.State),
	})
	return resp, err
}

func (w *Worker) fetchWith(ctx context.Context, f fetch.Fetcher, ref string) (fetch.Response, error) {
	if f == nil {
		return fetch.ErrorResponse("none", fetch.ErrNoFetcher), fetch.ErrNoFetcher
	}
	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.FetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
	}
	defer cancel()

	resp, err := f.Fetch(fetchCtx, fetch.Request{Reference: ref})
	if err != nil {
		if resp.State == "" {
			resp = fetch.ErrorResponse(f.Name(), err)
		}
		return resp, fmt.Errorf("fetch: %w", err)
	}
	return resp, nil
}

func (w *Worker) allowBrowser(jobID, ref string) bool {
	if w.Browser == nil {
		return false
	}
	if w.Policy == nil {
		return true
	}
	return w.Policy.AllowBrowser(jobID, ref)
}

func (w *Worker) maybePromote(
	ctx context.Context,
	item jobs.QueueItem,
	ref string,
	resp fetch.Response,
) fetch.Response {
	if w.Detector == nil || !resp.State.Good() || !w.Detector.ShouldPromote(resp) {
		return resp
	}
	if !w.allowBrowser(item.JobID, ref) {
		return resp
	}
	promoted, err := w.fetchWith(ctx, w.Browser, ref)
	if err != nil || !promoted.State.Good() {
		w.logger.Warn("browser promotion failed",
			zap.String("job_id", item.JobID),
			zap.String("reference", ref),
			zap.String("state", string(promoted.State)),
			zap.Error(err),
		)
		return resp
	}
	w.logger.Info("browser promotion applied", zap.String("job_id", item.JobID), zap.String("reference", ref))
	return promoted
}

func (w *Worker) buildDocument(ref string, params jobs.Parameters, resp fetch.Response, checksum string) *doc.Document {
	d := doc.New(ref, resp.Body)
	d.ContentType = resp.ContentType
	d.Charset = resp.Charset
	md := d.Metadata

	fetch.ApplyHeaders(md, resp.Headers, w.cfg.HeadersPrefix)
	if resp.ContentType != "" {
		md.Set(doc.FieldContentType, resp.ContentType)
	}
	if resp.Charset != "" {
		md.Set(doc.FieldContentEncoding, resp.Charset)
	}
	if resp.StatusCode > 0 {
		md.Set(doc.FieldHTTPStatusCode, strconv.Itoa(resp.StatusCode))
	}
	if resp.Reason != "" {
		md.Set(doc.FieldHTTPStatusText, resp.Reason)
	}
	if resp.Fetcher != "" {
		md.Set(doc.FieldFetcher, resp.Fetcher)
	}
	if resp.UserAgent != "" {
		md.Set(doc.FieldUserAgent, resp.UserAgent)
	}
	if lm := resp.Headers.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			md.Set(doc.FieldLastModified, t.UTC().Format(time.RFC3339))
		} else {
			md.Set(doc.FieldLastModified, lm)
		}
	}
	if resp.FinalURL != "" && resp.FinalURL != ref {
		md.Set(doc.FieldRedirectTarget, resp.FinalURL)
	}
	md.Set(doc.FieldChecksum, checksum)
	md.Set(doc.FieldImportedDate, w.Clock.Now().UTC().Format(time.RFC3339))

	keys := make([]string, 0, len(params.Tags))
	for k := range params.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		md.Set(k, params.Tags[k])
	}
	return d
}

// storeContent writes the raw body, and any screenshot, to the blob store.
// Failures are logged; they do not fail the document.
func (w *Worker) storeContent(
	ctx context.Context,
	jobID, checksum string,
	resp fetch.Response,
	d *doc.Document,
	record *jobs.DocumentRecord,
) {
	if w.Blobs == nil {
		return
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := w.Blobs.PutObject(ctx, w.blobPath(jobID, checksum, extension(contentType)), contentType, bytes.NewReader(resp.Body))
	if err != nil {
		w.logger.Warn("store content failed", zap.String("reference", d.Reference), zap.Error(err))
		return
	}
	record.BlobURI = uri
	if len(resp.Screenshot) == 0 {
		return
	}
	shot, err := w.Blobs.PutObject(ctx, w.blobPath(jobID, checksum, ".png"), "image/png", bytes.NewReader(resp.Screenshot))
	if err != nil {
		w.logger.Warn("store screenshot failed", zap.String("reference", d.Reference), zap.Error(err))
		return
	}
	d.Metadata.Set(doc.FieldScreenshot, shot)
}

func (w *Worker) blobPath(jobID, checksum, ext string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	return path.Join(prefix, jobID, checksum+ext)
}

func (w *Worker) emit(jobID string, evt progress.Event) {
	if w.Progress == nil {
		return
	}
	id, err := uuid.Parse(jobID)
	if err != nil {
		return
	}
	evt.JobID = id
	evt.TS = w.Clock.Now().UTC()
	w.Progress.Emit(evt)
}

func extension(contentType string) string {
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}

func resolve(base, target string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %s: %w", base, err)
	}
	t, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse redirect %s: %w", target, err)
	}
	return b.ResolveReference(t).String(), nil
}

func deriveFinalStatus(
	ctx context.Context,
	canceled bool,
	total int,
	counters jobs.Counters,
	errText string,
) (jobs.Status, string) {
	processed := counters.Accepted + counters.Rejected
	if processed == 0 && errText == "" {
		errText = "no documents were imported"
		if total == 0 {
			errText = "no references submitted"
		}
	}
	switch {
	case canceled || ctx.Err() != nil:
		return jobs.StatusCanceled, errText
	case processed == 0:
		return jobs.StatusFailed, errText
	default:
		return jobs.StatusSucceeded, errText
	}
}
