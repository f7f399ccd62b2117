package indexing

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/domain/contentstore"
	"github.com/kbforge/kbforge/domain/documents"
	"github.com/kbforge/kbforge/domain/embedqueue"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/chunker"
	"github.com/kbforge/kbforge/pkg/embedder"
	"github.com/kbforge/kbforge/pkg/ids"
	"github.com/kbforge/kbforge/pkg/logger"
)

// preparingGrace is how long a job may sit in preparing before startup
// reconciliation declares it abandoned.
const preparingGrace = 10 * time.Minute

// outputScanBuf bounds a single output JSONL line; Titan vectors at 1024
// dimensions fit comfortably.
const outputScanBuf = 16 * 1024 * 1024

// batchAPI is the slice of the Bedrock control-plane client the worker
// uses. *bedrock.Client satisfies it.
type batchAPI interface {
	CreateModelInvocationJob(ctx context.Context, params *bedrock.CreateModelInvocationJobInput, optFns ...func(*bedrock.Options)) (*bedrock.CreateModelInvocationJobOutput, error)
	GetModelInvocationJob(ctx context.Context, params *bedrock.GetModelInvocationJobInput, optFns ...func(*bedrock.Options)) (*bedrock.GetModelInvocationJobOutput, error)
}

// BatchWorker drives the cloud-batch embedding path: it accumulates pending
// queue items until a batch is worth submitting, ships the chunk JSONL to
// blob storage, creates a Bedrock model invocation job, and ingests the
// output when the job completes. On restart it resumes monitoring whatever
// jobs the previous process left in flight.
type BatchWorker struct {
	db      *bun.DB
	queue   *embedqueue.Service
	docs    *documents.Repository
	content *contentstore.Service
	repo    *Repository
	blobs   *storage.Service
	pool    *chunker.Pool
	svc     *embedder.Service
	client  batchAPI
	cfg     *config.Config
	log     *slog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewBatchWorker creates the cloud-batch worker
func NewBatchWorker(
	db *bun.DB,
	queue *embedqueue.Service,
	docs *documents.Repository,
	content *contentstore.Service,
	repo *Repository,
	blobs *storage.Service,
	pool *chunker.Pool,
	svc *embedder.Service,
	client batchAPI,
	cfg *config.Config,
	log *slog.Logger,
) *BatchWorker {
	return &BatchWorker{
		db:      db,
		queue:   queue,
		docs:    docs,
		content: content,
		repo:    repo,
		blobs:   blobs,
		pool:    pool,
		svc:     svc,
		client:  client,
		cfg:     cfg,
		log:     log.With(logger.Scope("indexing.batch")),
	}
}

// Start reconciles leftover state from a previous run, then launches the
// accumulation and monitoring loops.
func (w *BatchWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	w.reconcile(ctx)

	w.log.Info("cloud-batch worker starting",
		slog.Int("min_documents", w.cfg.Batch.MinDocuments),
		slog.Int("max_documents", w.cfg.Batch.MaxDocuments),
		slog.Duration("accumulation_timeout", w.cfg.Batch.AccumulationTimeout),
	)
	go w.run(ctx)
	return nil
}

// Stop gracefully stops the worker
func (w *BatchWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	select {
	case <-w.stoppedCh:
		w.log.Info("cloud-batch worker stopped")
	case <-ctx.Done():
		w.log.Warn("cloud-batch worker stop timeout")
	}
	return nil
}

func (w *BatchWorker) run(ctx context.Context) {
	defer close(w.stoppedCh)

	accumulate := time.NewTicker(w.cfg.Batch.AccumulationPoll)
	defer accumulate.Stop()
	monitor := time.NewTicker(w.cfg.Batch.MonitorPollInterval)
	defer monitor.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-accumulate.C:
			w.maybeSubmit(ctx)
		case <-monitor.C:
			w.pollJobs(ctx)
		}
	}
}

// reconcile cleans up after a crash: jobs that never reached the provider
// are failed and their items released, and items pointing at a job row that
// was never written go back to pending. In-flight submitted jobs need no
// special handling; the monitor loop reads them from the database.
func (w *BatchWorker) reconcile(ctx context.Context) {
	stale, err := w.repo.StaleBatchJobs(ctx, time.Now().Add(-preparingGrace))
	if err != nil {
		w.log.Error("stale job lookup failed", logger.Error(err))
	}
	for _, job := range stale {
		if err := w.repo.MarkBatchJobFailed(ctx, job.ID, "abandoned before submission"); err != nil {
			w.log.Error("fail stale job failed", slog.String("batch_job_id", job.ID), logger.Error(err))
			continue
		}
		if _, err := w.queue.ReleaseBatchJob(ctx, job.ID); err != nil {
			w.log.Error("release stale job items failed", slog.String("batch_job_id", job.ID), logger.Error(err))
		}
	}

	if _, err := w.repo.ResetOrphanedBatchItems(ctx); err != nil {
		w.log.Error("orphan reset failed", logger.Error(err))
	}
}

// maybeSubmit submits a batch when enough work accumulated, or when the
// oldest pending item has waited past the accumulation timeout.
func (w *BatchWorker) maybeSubmit(ctx context.Context) {
	items, err := w.queue.PendingForAccumulation(ctx, w.cfg.Batch.MaxDocuments)
	if err != nil {
		w.log.Error("accumulation lookup failed", logger.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	if len(items) < w.cfg.Batch.MinDocuments {
		age, err := w.queue.OldestPendingAge(ctx)
		if err != nil {
			w.log.Error("pending age lookup failed", logger.Error(err))
			return
		}
		if age < w.cfg.Batch.AccumulationTimeout {
			return
		}
		w.log.Info("accumulation timeout reached, submitting partial batch",
			slog.Int("items", len(items)),
			slog.Duration("oldest_age", age),
		)
	}

	if err := w.submit(ctx, items); err != nil {
		w.log.Error("batch submission failed", logger.Error(err))
	}
}

// submit builds the input JSONL for the given items and creates the
// provider job. Items that cannot be prepared are settled individually and
// excluded from the batch.
func (w *BatchWorker) submit(ctx context.Context, items []*embedqueue.Item) error {
	jobID := ids.New()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	var itemIDs []string
	records := 0

	for _, item := range items {
		keys, texts, err := w.prepare(ctx, item)
		if err != nil {
			w.settleFailure(ctx, item, err)
			continue
		}
		if keys == nil {
			// Settled without embedding work (deleted or metadata-only)
			continue
		}

		for i, key := range keys {
			rec := batchInputRecord{
				RecordID: key.String(),
				ModelInput: titanBatchInput{
					InputText:  texts[i],
					Dimensions: w.svc.Provider().Dimensions(),
					Normalize:  true,
				},
			}
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("encode batch record: %w", err)
			}
			records++
		}
		itemIDs = append(itemIDs, item.ID)
	}

	if records == 0 {
		return nil
	}

	job := &BatchJob{
		ID:            jobID,
		Status:        BatchJobPreparing,
		ModelName:     w.svc.Provider().ModelName(),
		InputKey:      fmt.Sprintf("input/%s.jsonl", jobID),
		OutputPrefix:  fmt.Sprintf("output/%s", jobID),
		DocumentCount: len(itemIDs),
		RecordCount:   records,
	}

	// Items are stamped in the same transaction as the job row, so an
	// orphaned stamp can only mean the transaction never committed
	err := w.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if err := w.repo.CreateBatchJob(ctx, tx, job); err != nil {
			return err
		}
		return w.queue.AssignBatchJob(ctx, tx, itemIDs, jobID)
	})
	if err != nil {
		return err
	}

	bucket := w.blobs.BatchBucket()
	if err := w.blobs.Put(ctx, bucket, job.InputKey, buf.Bytes(), "application/jsonl"); err != nil {
		w.abandon(ctx, job, fmt.Sprintf("upload input: %v", err))
		return err
	}

	out, err := w.client.CreateModelInvocationJob(ctx, &bedrock.CreateModelInvocationJobInput{
		JobName: aws.String("kbforge-embed-" + strings.ToLower(jobID)),
		ModelId: aws.String(job.ModelName),
		RoleArn: aws.String(w.cfg.Batch.BedrockBatchRoleARN),
		InputDataConfig: &bedrocktypes.ModelInvocationJobInputDataConfigMemberS3InputDataConfig{
			Value: bedrocktypes.ModelInvocationJobS3InputDataConfig{
				S3Uri: aws.String(fmt.Sprintf("s3://%s/%s", bucket, job.InputKey)),
			},
		},
		OutputDataConfig: &bedrocktypes.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig{
			Value: bedrocktypes.ModelInvocationJobS3OutputDataConfig{
				S3Uri: aws.String(fmt.Sprintf("s3://%s/%s/", bucket, job.OutputPrefix)),
			},
		},
	})
	if err != nil {
		w.abandon(ctx, job, fmt.Sprintf("create provider job: %v", err))
		return err
	}

	if err := w.repo.MarkBatchJobSubmitted(ctx, jobID, aws.ToString(out.JobArn)); err != nil {
		return err
	}

	w.log.Info("batch job submitted",
		slog.String("batch_job_id", jobID),
		slog.String("job_arn", aws.ToString(out.JobArn)),
		slog.Int("documents", job.DocumentCount),
		slog.Int("records", records),
	)
	return nil
}

// prepare loads and chunks one item's document. A nil key slice with nil
// error means the item was settled without needing the batch.
func (w *BatchWorker) prepare(ctx context.Context, item *embedqueue.Item) ([]recordKey, []string, error) {
	doc, err := w.docs.GetByID(ctx, item.DocumentID)
	if err != nil {
		if apperror.IsNotFound(err) {
			if err := w.repo.DeleteEmbeddings(ctx, item.DocumentID); err != nil {
				return nil, nil, err
			}
			return nil, nil, w.queue.MarkCompleted(ctx, item.ID)
		}
		return nil, nil, err
	}

	if doc.ContentID == "" {
		if err := w.repo.DeleteEmbeddings(ctx, doc.ID); err != nil {
			return nil, nil, err
		}
		if err := w.docs.SetEmbeddingStatus(ctx, doc.ID, documents.EmbeddingCompleted); err != nil {
			return nil, nil, err
		}
		return nil, nil, w.queue.MarkCompleted(ctx, item.ID)
	}

	data, _, err := w.content.Get(ctx, doc.ContentID)
	if err != nil {
		return nil, nil, err
	}
	text := string(data)

	spans, err := w.pool.Chunk(ctx, text, w.cfg.Embedding.ChunkSize, chunker.ModeSentence)
	if err != nil {
		var tooLong *chunker.TextTooLongError
		if errors.As(err, &tooLong) {
			return nil, nil, apperror.ErrValidation.WithMessage(tooLong.Error())
		}
		return nil, nil, err
	}
	if len(spans) == 0 {
		if err := w.docs.SetEmbeddingStatus(ctx, doc.ID, documents.EmbeddingCompleted); err != nil {
			return nil, nil, err
		}
		return nil, nil, w.queue.MarkCompleted(ctx, item.ID)
	}

	if err := w.docs.SetEmbeddingStatus(ctx, doc.ID, documents.EmbeddingProcessing); err != nil {
		return nil, nil, err
	}

	keys := make([]recordKey, len(spans))
	texts := make([]string, len(spans))
	for i, sp := range spans {
		keys[i] = recordKey{
			ItemID:     item.ID,
			ChunkIndex: i,
			ChunkCount: len(spans),
			CharStart:  sp.CharStart,
			CharEnd:    sp.CharEnd,
		}
		texts[i] = text[sp.CharStart:sp.CharEnd]
	}
	return keys, texts, nil
}

// abandon fails a job that never reached the submitted state and frees its
// items for the next batch.
func (w *BatchWorker) abandon(ctx context.Context, job *BatchJob, message string) {
	if err := w.repo.MarkBatchJobFailed(ctx, job.ID, message); err != nil {
		w.log.Error("mark job failed failed", slog.String("batch_job_id", job.ID), logger.Error(err))
	}
	if _, err := w.queue.ReleaseBatchJob(ctx, job.ID); err != nil {
		w.log.Error("release job items failed", slog.String("batch_job_id", job.ID), logger.Error(err))
	}
}

// pollJobs checks every in-flight job against the provider.
func (w *BatchWorker) pollJobs(ctx context.Context) {
	jobs, err := w.repo.ActiveBatchJobs(ctx)
	if err != nil {
		w.log.Error("active job lookup failed", logger.Error(err))
		return
	}

	for _, job := range jobs {
		if job.ProviderJobARN == nil {
			continue
		}

		out, err := w.client.GetModelInvocationJob(ctx, &bedrock.GetModelInvocationJobInput{
			JobIdentifier: job.ProviderJobARN,
		})
		if err != nil {
			w.log.Warn("job status poll failed",
				slog.String("batch_job_id", job.ID),
				logger.Error(err),
			)
			continue
		}

		switch out.Status {
		case bedrocktypes.ModelInvocationJobStatusCompleted,
			bedrocktypes.ModelInvocationJobStatusPartiallyCompleted:
			if err := w.ingest(ctx, job); err != nil {
				// Output may lag the status flip; the next poll retries
				w.log.Warn("batch ingestion failed, will retry",
					slog.String("batch_job_id", job.ID),
					logger.Error(err),
				)
			}

		case bedrocktypes.ModelInvocationJobStatusFailed,
			bedrocktypes.ModelInvocationJobStatusStopped,
			bedrocktypes.ModelInvocationJobStatusExpired:
			w.failJob(ctx, job, fmt.Sprintf("provider job %s: %s", out.Status, aws.ToString(out.Message)))
		}
	}
}

// failJob settles every unfinished item of a terminally failed job. Failures
// burn one retry; the dead-letter sweep requeues items under the bound.
func (w *BatchWorker) failJob(ctx context.Context, job *BatchJob, message string) {
	items, err := w.queue.ItemsForBatchJob(ctx, job.ID)
	if err != nil {
		w.log.Error("job item lookup failed", slog.String("batch_job_id", job.ID), logger.Error(err))
		return
	}

	jobErr := errors.New(message)
	for _, item := range items {
		if item.Status == embedqueue.StatusCompleted {
			continue
		}
		w.settleFailure(ctx, item, jobErr)
	}

	if err := w.queue.DetachBatchJob(ctx, job.ID); err != nil {
		w.log.Error("detach job items failed", slog.String("batch_job_id", job.ID), logger.Error(err))
	}
	if err := w.repo.MarkBatchJobFailed(ctx, job.ID, message); err != nil {
		w.log.Error("mark job failed failed", slog.String("batch_job_id", job.ID), logger.Error(err))
	}
}

// ingest streams the provider's output JSONL and settles every item the job
// covered. Items whose records are incomplete fail with MissingEmbedding.
func (w *BatchWorker) ingest(ctx context.Context, job *BatchJob) error {
	collected, err := w.readOutput(ctx, job)
	if err != nil {
		return err
	}

	items, err := w.queue.ItemsForBatchJob(ctx, job.ID)
	if err != nil {
		return err
	}

	stored, failed := 0, 0
	for _, item := range items {
		if item.Status != embedqueue.StatusProcessing {
			continue
		}

		if err := w.ingestItem(ctx, item, collected[item.ID]); err != nil {
			w.settleFailure(ctx, item, err)
			failed++
			continue
		}
		stored++
	}

	if err := w.queue.DetachBatchJob(ctx, job.ID); err != nil {
		return err
	}
	if err := w.repo.MarkBatchJobCompleted(ctx, job.ID); err != nil {
		return err
	}

	w.log.Info("batch job ingested",
		slog.String("batch_job_id", job.ID),
		slog.Int("stored", stored),
		slog.Int("failed", failed),
	)
	return nil
}

type outputChunk struct {
	key    recordKey
	vector []float32
}

// readOutput streams and parses the job's output JSONL, grouped by item.
func (w *BatchWorker) readOutput(ctx context.Context, job *BatchJob) (map[string][]outputChunk, error) {
	rc, err := w.blobs.GetStream(ctx, w.blobs.BatchBucket(), w.outputKey(job))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	collected := make(map[string][]outputChunk)
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 1024*1024), outputScanBuf)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var rec batchOutputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			w.log.Warn("skipping malformed output record",
				slog.String("batch_job_id", job.ID),
				logger.Error(err),
			)
			continue
		}

		key, err := parseRecordKey(rec.RecordID)
		if err != nil {
			w.log.Warn("skipping unparseable record id",
				slog.String("batch_job_id", job.ID),
				slog.String("record_id", rec.RecordID),
			)
			continue
		}
		if len(rec.ModelOutput.Embedding) == 0 {
			continue
		}

		collected[key.ItemID] = append(collected[key.ItemID], outputChunk{
			key:    key,
			vector: rec.ModelOutput.Embedding,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch output: %w", err)
	}
	return collected, nil
}

// outputKey mirrors where Bedrock writes the result file: the configured
// output prefix, the job's ARN suffix, and the input file name with ".out".
func (w *BatchWorker) outputKey(job *BatchJob) string {
	arnID := ""
	if job.ProviderJobARN != nil {
		parts := strings.Split(*job.ProviderJobARN, "/")
		arnID = parts[len(parts)-1]
	}
	return fmt.Sprintf("%s/%s/%s.jsonl.out", job.OutputPrefix, arnID, job.ID)
}

// ingestItem validates one item's record set and stores its vectors.
func (w *BatchWorker) ingestItem(ctx context.Context, item *embedqueue.Item, recs []outputChunk) error {
	if len(recs) == 0 {
		return &MissingEmbeddingError{ItemID: item.ID}
	}

	expected := recs[0].key.ChunkCount
	if len(recs) != expected {
		return &MissingEmbeddingError{ItemID: item.ID, Expected: expected, Got: len(recs)}
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].key.ChunkIndex < recs[j].key.ChunkIndex
	})

	chunks := make([]embedder.Chunk, len(recs))
	for i, rec := range recs {
		if rec.key.ChunkIndex != i {
			// Duplicate or gap in the chunk sequence
			return &MissingEmbeddingError{ItemID: item.ID, Expected: expected, Got: len(recs)}
		}
		chunks[i] = embedder.Chunk{
			CharStart: rec.key.CharStart,
			CharEnd:   rec.key.CharEnd,
			Vector:    rec.vector,
		}
	}

	if err := w.repo.ReplaceEmbeddings(ctx, item.DocumentID, w.svc.Provider().ModelName(), chunks); err != nil {
		return err
	}
	if err := w.docs.SetEmbeddingStatus(ctx, item.DocumentID, documents.EmbeddingCompleted); err != nil {
		return err
	}
	return w.queue.MarkCompleted(ctx, item.ID)
}

// settleFailure applies the shared failure policy to one item: retryable
// errors burn a retry, terminal errors jump straight past the bound, and a
// terminal item flips its document to failed.
func (w *BatchWorker) settleFailure(ctx context.Context, item *embedqueue.Item, itemErr error) {
	terminal := false
	if apperror.IsRetryable(itemErr) {
		var err error
		terminal, err = w.queue.MarkFailed(ctx, item.ID, itemErr)
		if err != nil {
			w.log.Error("mark failed failed", slog.String("item_id", item.ID), logger.Error(err))
		}
	} else {
		terminal = true
		if err := w.queue.MarkFailedTerminal(ctx, item.ID, itemErr); err != nil {
			w.log.Error("mark failed failed", slog.String("item_id", item.ID), logger.Error(err))
		}
	}

	if terminal {
		if err := w.docs.SetEmbeddingStatus(ctx, item.DocumentID, documents.EmbeddingFailed); err != nil {
			w.log.Error("set document status failed", slog.String("document_id", item.DocumentID), logger.Error(err))
		}
	}
}
