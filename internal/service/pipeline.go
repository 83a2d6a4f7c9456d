package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/sopline/internal/artifact"
	domainjob "github.com/target/sopline/internal/domain/job"
	"github.com/target/sopline/internal/domain/model"
	apperrors "github.com/target/sopline/internal/errors"
	"github.com/target/sopline/internal/export"
	"github.com/target/sopline/internal/fetcher"
	"github.com/target/sopline/internal/generation"
	"github.com/target/sopline/internal/media"
	"github.com/target/sopline/internal/observability/metrics"
	"github.com/target/sopline/internal/observability/statsd"
)

const defaultProgressStep = 5.0

// VideoFetcher obtains remote videos.
type VideoFetcher interface {
	CheckAvailable(ctx context.Context) error
	Probe(ctx context.Context, locator string) (*fetcher.VideoInfo, error)
	Download(ctx context.Context, locator, outPath string, onProgress func(pct float64)) error
}

// MediaTransformer probes videos and extracts audio and frames.
type MediaTransformer interface {
	Probe(ctx context.Context, path string) (*media.Info, error)
	ExtractAudio(ctx context.Context, in, out string) error
	ExtractScreenshots(ctx context.Context, in, dir string, duration float64) ([]string, error)
}

// DocumentGenerator transcribes audio and writes the procedure document.
type DocumentGenerator interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Generate(ctx context.Context, transcript string, templateIndex int) (string, error)
}

// DocumentExporter renders a document to PDF inside workDir.
type DocumentExporter interface {
	Render(ctx context.Context, doc export.Document, workDir string) (string, error)
}

// ArtifactStore is the encrypted artifact storage used by the pipeline.
type ArtifactStore interface {
	PutFile(ctx context.Context, key, path string) (int64, error)
	Open(ctx context.Context, key string) (string, func(), error)
	Delete(ctx context.Context, key string) error
}

// PipelineOptions groups dependencies for Pipeline.
type PipelineOptions struct {
	Jobs         *JobService       // Required: job state machine
	Fetcher      VideoFetcher      // Required: remote video fetcher
	Media        MediaTransformer  // Required: ffprobe/ffmpeg stage
	Generator    DocumentGenerator // Required: transcription and document generation
	Exporter     DocumentExporter  // Required: HTML/PDF export
	Artifacts    ArtifactStore     // Required: encrypted artifact store
	WorkDir      string            // Optional: parent of per-run working directories
	ProgressStep float64           // Optional: download progress granularity in percent, defaults to 5
	Metrics      statsd.Sink       // Optional: stage metrics
	Logger       *slog.Logger      // Optional: structured logger
}

// Pipeline runs the per-job stage sequence: FETCH, PROBE, EXTRACT_AUDIO, EXTRACT_SCREENSHOTS,
// TRANSCRIBE, GENERATE, EXPORT, and always CLEANUP.
type Pipeline struct {
	jobs         *JobService
	fetcher      VideoFetcher
	media        MediaTransformer
	generator    DocumentGenerator
	exporter     DocumentExporter
	artifacts    ArtifactStore
	workDir      string
	progressStep float64
	metrics      statsd.Sink
	logger       *slog.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("JobService is required")
	case opts.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case opts.Media == nil:
		return nil, errors.New("media transformer is required")
	case opts.Generator == nil:
		return nil, errors.New("document generator is required")
	case opts.Exporter == nil:
		return nil, errors.New("exporter is required")
	case opts.Artifacts == nil:
		return nil, errors.New("artifact store is required")
	}
	p := &Pipeline{
		jobs:         opts.Jobs,
		fetcher:      opts.Fetcher,
		media:        opts.Media,
		generator:    opts.Generator,
		exporter:     opts.Exporter,
		artifacts:    opts.Artifacts,
		workDir:      opts.WorkDir,
		progressStep: opts.ProgressStep,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
	if p.workDir == "" {
		p.workDir = filepath.Join(os.TempDir(), "sopline")
	}
	if p.progressStep <= 0 {
		p.progressStep = defaultProgressStep
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	return p, nil
}

// HandleTask runs a process_video task. Stage failures are recorded on the job and reported as
// success to the queue; only infrastructure failures are returned so the task is retried. On the
// task's last attempt an infrastructure failure is recorded on the job as well.
func (p *Pipeline) HandleTask(ctx context.Context, task *model.Task) error {
	var payload model.ProcessVideoPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.JobID == "" {
		p.logger.ErrorContext(ctx, "dropping malformed process_video task", "task_id", task.ID, "error", err)
		return nil
	}
	lastAttempt := task.RetryCount+1 >= task.MaxRetries
	return p.Run(ctx, payload.JobID, lastAttempt)
}

// Run executes the pipeline for one job. A job that is already COMPLETED or FAILED is left
// untouched; a job left PROCESSING by an interrupted run starts over from the first stage.
func (p *Pipeline) Run(ctx context.Context, jobID string, lastAttempt bool) error {
	job, err := p.jobs.Get(ctx, jobID)
	if apperrors.IsNotFound(err) {
		p.logger.InfoContext(ctx, "job no longer exists, skipping", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		p.logger.InfoContext(ctx, "job already finished, skipping redelivered task",
			"job_id", jobID, "status", job.Status)
		return nil
	}
	if job.Status == model.JobStatusProcessing {
		p.logger.WarnContext(ctx, "restarting interrupted pipeline run", "job_id", jobID)
	}

	job, err = p.jobs.Transition(ctx, jobID, model.JobStatusProcessing, "")
	if err != nil {
		if apperrors.IsValidation(err) || apperrors.IsNotFound(err) {
			p.logger.InfoContext(ctx, "job changed state before processing, skipping", "job_id", jobID, "error", err)
			return nil
		}
		return err
	}

	run := &pipelineRun{
		p:      p,
		job:    job,
		dir:    filepath.Join(p.workDir, jobID+"-"+uuid.NewString()[:8]),
		logger: p.logger.With("job_id", jobID),
	}
	started := time.Now()
	stage, stageErr := run.execute(ctx)
	run.cleanup(ctx)

	if stageErr == nil {
		if _, err := p.jobs.Transition(ctx, jobID, model.JobStatusCompleted, ""); err != nil {
			return err
		}
		run.logger.InfoContext(ctx, "pipeline completed", "duration", time.Since(started))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		run.logger.WarnContext(ctx, "pipeline interrupted", "stage", stage, "error", stageErr)
		return ctxErr
	}
	if apperrors.IsInfrastructure(stageErr) && !lastAttempt {
		run.logger.WarnContext(ctx, "pipeline hit an infrastructure failure, task will be retried",
			"stage", stage, "error", stageErr)
		return stageErr
	}

	run.logger.ErrorContext(ctx, "pipeline stage failed", "stage", stage, "error", stageErr)
	if _, err := p.jobs.Transition(ctx, jobID, model.JobStatusFailed, stageErr.Error()); err != nil {
		return err
	}
	return nil
}

// pipelineRun carries the intermediate results of one run.
type pipelineRun struct {
	p      *Pipeline
	job    *model.Job
	dir    string
	logger *slog.Logger

	title          string
	video          string
	releaseVideo   func()
	duration       float64
	audio          string
	frames         []string
	screenshotKeys []string
	transcript     string
	document       string
}

func (r *pipelineRun) execute(ctx context.Context) (domainjob.Stage, error) {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return domainjob.StageFetch, apperrors.Persistence(err, "create working directory")
	}
	for _, stage := range domainjob.Stages(r.job.SourceKind) {
		if err := ctx.Err(); err != nil {
			return stage, err
		}
		if err := r.merge(ctx, model.Metadata{model.MetaStage: string(stage)}); err != nil {
			return stage, err
		}
		start := time.Now()
		err := r.runStage(ctx, stage)
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.EmitStage(r.p.metrics, metrics.StageMetric{
			Stage:      string(stage),
			SourceKind: string(r.job.SourceKind),
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
		if err != nil {
			return stage, err
		}
		r.logger.DebugContext(ctx, "stage finished", "stage", stage, "duration", time.Since(start))
	}
	return "", nil
}

func (r *pipelineRun) runStage(ctx context.Context, stage domainjob.Stage) error {
	switch stage {
	case domainjob.StageFetch:
		return r.fetch(ctx)
	case domainjob.StageProbe:
		return r.probe(ctx)
	case domainjob.StageExtractAudio:
		return r.extractAudio(ctx)
	case domainjob.StageExtractScreenshots:
		return r.extractScreenshots(ctx)
	case domainjob.StageTranscribe:
		return r.transcribe(ctx)
	case domainjob.StageGenerate:
		return r.generate(ctx)
	case domainjob.StageExport:
		return r.export(ctx)
	default:
		return fmt.Errorf("unknown stage %s", stage)
	}
}

func (r *pipelineRun) merge(ctx context.Context, patch model.Metadata) error {
	return r.p.jobs.MergeMetadata(ctx, r.job.ID, patch)
}

func (r *pipelineRun) fetch(ctx context.Context) error {
	if err := r.p.fetcher.CheckAvailable(ctx); err != nil {
		return err
	}
	info, err := r.p.fetcher.Probe(ctx, r.job.SourceLocator)
	if err != nil {
		return err
	}
	r.title = info.Title
	r.duration = info.Duration
	if err := r.merge(ctx, model.Metadata{
		model.MetaTitle:            info.Title,
		model.MetaDuration:         info.Duration,
		model.MetaThumbnail:        info.Thumbnail,
		model.MetaDownloadProgress: 0.0,
	}); err != nil {
		return err
	}

	out := filepath.Join(r.dir, "video.mp4")
	progress := newProgressWriter(r, r.p.progressStep)
	if err := r.p.fetcher.Download(ctx, r.job.SourceLocator, out, func(pct float64) {
		progress.report(ctx, pct)
	}); err != nil {
		return err
	}
	r.video = out
	return r.merge(ctx, model.Metadata{model.MetaDownloadProgress: 100.0})
}

func (r *pipelineRun) ensureSource(ctx context.Context) error {
	if r.video != "" {
		return nil
	}
	path, release, err := r.p.artifacts.Open(ctx, r.job.SourceLocator)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) || apperrors.IsNotFound(err) || apperrors.IsValidation(err) {
			return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "Uploaded file not found")
		}
		return apperrors.Persistence(err, "Failed to read uploaded file")
	}
	r.video = path
	r.releaseVideo = release
	return nil
}

func (r *pipelineRun) probe(ctx context.Context) error {
	if err := r.ensureSource(ctx); err != nil {
		return err
	}
	info, err := r.p.media.Probe(ctx, r.video)
	if err != nil {
		return err
	}
	if info.Duration > 0 {
		r.duration = info.Duration
	}
	return r.merge(ctx, model.Metadata{
		model.MetaDuration:   r.duration,
		model.MetaFormat:     info.Format,
		model.MetaResolution: info.Resolution,
		model.MetaSize:       info.Size,
	})
}

func (r *pipelineRun) extractAudio(ctx context.Context) error {
	out := filepath.Join(r.dir, "audio.mp3")
	if err := r.p.media.ExtractAudio(ctx, r.video, out); err != nil {
		return err
	}
	r.audio = out
	return r.merge(ctx, model.Metadata{model.MetaAudioPath: out})
}

func (r *pipelineRun) extractScreenshots(ctx context.Context) error {
	frames, err := r.p.media.ExtractScreenshots(ctx, r.video, filepath.Join(r.dir, "screenshots"), r.duration)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(frames))
	for i, frame := range frames {
		key := artifact.ScreenshotKey(r.job.ID, i+1)
		if err := r.store(ctx, key, frame); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	r.frames = frames
	r.screenshotKeys = keys
	return r.merge(ctx, model.Metadata{model.MetaScreenshots: keys})
}

func (r *pipelineRun) transcribe(ctx context.Context) error {
	transcript, err := r.p.generator.Transcribe(ctx, r.audio)
	if err != nil {
		return err
	}
	r.transcript = transcript
	return r.merge(ctx, model.Metadata{model.MetaTranscript: transcript})
}

func (r *pipelineRun) generate(ctx context.Context) error {
	tmpl, err := generation.TemplateAt(r.job.Template)
	if err != nil {
		return err
	}
	doc, err := r.p.generator.Generate(ctx, r.transcript, r.job.Template)
	if err != nil {
		return err
	}
	r.document = doc
	return r.merge(ctx, model.Metadata{
		model.MetaDocument: doc,
		model.MetaTemplate: tmpl.Title,
	})
}

func (r *pipelineRun) export(ctx context.Context) error {
	tmpl, err := generation.TemplateAt(r.job.Template)
	if err != nil {
		return err
	}
	title := r.title
	if title == "" {
		title = tmpl.Title
	}
	exportDir := filepath.Join(r.dir, "export")
	pdf, err := r.p.exporter.Render(ctx, export.Document{
		Title:       title,
		Markdown:    r.document,
		Screenshots: r.frames,
	}, exportDir)
	if err != nil {
		return err
	}

	md := filepath.Join(exportDir, "document.md")
	if err := os.WriteFile(md, []byte(r.document), 0o600); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}

	patch := model.Metadata{
		model.MetaPDFPath:      artifact.ExportKey(r.job.ID, "pdf"),
		model.MetaMarkdownPath: artifact.ExportKey(r.job.ID, "md"),
	}
	if err := r.store(ctx, patch.String(model.MetaPDFPath), pdf); err != nil {
		return err
	}
	if err := r.store(ctx, patch.String(model.MetaMarkdownPath), md); err != nil {
		return err
	}
	if len(r.frames) > 0 {
		patch[model.MetaImagePath] = artifact.ExportKey(r.job.ID, "jpg")
		if err := r.store(ctx, patch.String(model.MetaImagePath), r.frames[0]); err != nil {
			return err
		}
	}
	return r.merge(ctx, patch)
}

// store encrypts a local file into the artifact store and verifies something was written.
func (r *pipelineRun) store(ctx context.Context, key, path string) error {
	n, err := r.p.artifacts.PutFile(ctx, key, path)
	if err != nil {
		return apperrors.Persistence(err, "Failed to store artifact")
	}
	if n == 0 {
		_ = r.p.artifacts.Delete(ctx, key)
		return apperrors.EmptyOutputf("Stored artifact %s is empty", filepath.Base(key))
	}
	return nil
}

// cleanup removes everything this run wrote locally. Stored uploads and exports are untouched.
func (r *pipelineRun) cleanup(ctx context.Context) {
	start := time.Now()
	if r.releaseVideo != nil {
		r.releaseVideo()
	}
	err := os.RemoveAll(r.dir)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to remove working directory", "dir", r.dir, "error", err)
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitStage(r.p.metrics, metrics.StageMetric{
		Stage:      string(domainjob.StageCleanup),
		SourceKind: string(r.job.SourceKind),
		Result:     result,
		Duration:   time.Since(start),
		Err:        err,
	})
}

// progressWriter throttles download progress into metadata writes.
type progressWriter struct {
	run  *pipelineRun
	step float64

	mu   sync.Mutex
	last float64
}

func newProgressWriter(run *pipelineRun, step float64) *progressWriter {
	return &progressWriter{run: run, step: step, last: -1}
}

func (w *progressWriter) report(ctx context.Context, pct float64) {
	w.mu.Lock()
	if w.last >= 0 && pct-w.last < w.step && pct < 100 {
		w.mu.Unlock()
		return
	}
	w.last = pct
	w.mu.Unlock()

	if err := w.run.merge(ctx, model.Metadata{model.MetaDownloadProgress: pct}); err != nil {
		w.run.logger.WarnContext(ctx, "failed to record download progress", "progress", pct, "error", err)
	}
}
