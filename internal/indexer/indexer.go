// Package indexer runs repository ingestion tasks: fetch, chunk, embed and
// index, advancing each task through its state machine.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/chunker"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/internal/repo"
	"github.com/seanblong/repoqa/internal/task"
	"github.com/seanblong/repoqa/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Request is a submission for one repository.
type Request struct {
	RepoURL string
	// Credential is handed to the fetcher and never stored on the task.
	Credential string
	SessionID  string
}

// Options tune the orchestrator.
type Options struct {
	Workers   int
	QueueSize int
	Chunking  chunker.Config
	Filter    repo.Filter
	Distance  models.Distance
	// EmbedConcurrency bounds in-flight embedding calls per task.
	EmbedConcurrency int
	// EmbedRate limits embedding calls per second across all tasks. Zero is unlimited.
	EmbedRate float64
	BatchSize int
	// AllowLocal accepts local directories as repository references.
	AllowLocal bool
}

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8 // Cap at 8 to avoid overwhelming the AI API
	}
	return Options{
		Workers:          workers,
		QueueSize:        64,
		Chunking:         chunker.DefaultConfig(),
		Filter:           repo.DefaultFilter(repo.DefaultMaxFileSize),
		Distance:         models.DistanceCosine,
		EmbedConcurrency: 4,
		BatchSize:        index.DefaultBatchSize,
	}
}

var errShuttingDown = errors.New("shutting down")

type job struct {
	taskID string
	ref    repo.Ref
	req    Request
}

// Indexer owns the task queue and its workers.
type Indexer struct {
	Tasks    task.Store
	Index    index.Index
	Embedder ai.Embedder
	Fetcher  repo.Fetcher

	opts    Options
	limiter *rate.Limiter
	locks   *keyedMutex
	now     func() time.Time

	mu      sync.Mutex
	queue   chan job
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates an Indexer. Call Start before submitting.
func New(tasks task.Store, ix index.Index, embedder ai.Embedder, fetcher repo.Fetcher, opts Options) (*Indexer, error) {
	if err := opts.Chunking.Validate(); err != nil {
		return nil, err
	}
	if opts.Distance == "" {
		opts.Distance = models.DistanceCosine
	}
	if !opts.Distance.Valid() {
		return nil, models.InvalidInput("unsupported distance metric %q", opts.Distance)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = 1
	}
	if opts.Filter.MaxFileSize <= 0 {
		opts.Filter = repo.DefaultFilter(repo.DefaultMaxFileSize)
	}

	limit := rate.Inf
	if opts.EmbedRate > 0 {
		limit = rate.Limit(opts.EmbedRate)
	}
	return &Indexer{
		Tasks:    tasks,
		Index:    ix,
		Embedder: embedder,
		Fetcher:  fetcher,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.EmbedConcurrency),
		locks:    newKeyedMutex(),
		now:      time.Now,
		queue:    make(chan job, opts.QueueSize),
	}, nil
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (ix *Indexer) Start(ctx context.Context) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.started {
		return
	}
	ix.started = true

	log.Info().Int("workers", ix.opts.Workers).Int("queue", ix.opts.QueueSize).Msg("starting ingestion workers")
	for i := 0; i < ix.opts.Workers; i++ {
		ix.wg.Add(1)
		go func(workerID int) {
			defer ix.wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for {
				select {
				case j, ok := <-ix.queue:
					if !ok {
						log.Debug().Int("worker", workerID).Msg("worker finished")
						return
					}
					ix.process(ctx, j)
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}
}

// Stop rejects new submissions and waits for the workers. Queued tasks are
// finished unless the workers' context was cancelled; whatever is left in the
// queue then is marked failed.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if !ix.closed {
		ix.closed = true
		close(ix.queue)
	}
	ix.mu.Unlock()
	ix.wg.Wait()

	for j := range ix.queue {
		ix.abandon(j)
	}
}

// abandon fails a queued task that no worker will run.
func (ix *Indexer) abandon(j job) {
	ctx := context.Background()
	t, err := ix.Tasks.Get(ctx, j.taskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", j.taskID).Msg("queued task vanished")
		return
	}
	if err := t.Fail(errShuttingDown, ix.now()); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("cannot mark task failed")
		return
	}
	if err := ix.Tasks.Update(ctx, t); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("cannot save failed task")
		return
	}
	log.Warn().Str("task_id", t.ID).Msg("queued task dropped at shutdown")
}

// Submit validates the request, records a pending task and queues it. It
// returns without waiting for any stage to run.
func (ix *Indexer) Submit(ctx context.Context, req Request) (*task.Task, error) {
	ref, err := repo.Parse(req.RepoURL, ix.opts.AllowLocal)
	if err != nil {
		return nil, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil, fmt.Errorf("%w: indexer is stopped", models.ErrQueueFull)
	}
	if len(ix.queue) == cap(ix.queue) {
		return nil, fmt.Errorf("%w: %d tasks already queued", models.ErrQueueFull, cap(ix.queue))
	}

	t := task.New(uuid.NewString(), req.RepoURL, req.SessionID, ref.CollectionID(), ix.now())
	if err := ix.Tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	// Only Submit sends, under mu, after checking capacity: this never blocks.
	ix.queue <- job{taskID: t.ID, ref: ref, req: req}

	log.Info().Str("task_id", t.ID).Str("repository", ref.String()).Msg("task queued")
	return t, nil
}

// Status returns the task.
func (ix *Indexer) Status(ctx context.Context, id string) (*task.Task, error) {
	return ix.Tasks.Get(ctx, id)
}

// Chunks returns the chunk listing of a completed task.
func (ix *Indexer) Chunks(ctx context.Context, id string) ([]models.ChunkMeta, error) {
	t, err := ix.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusCompleted {
		return nil, fmt.Errorf("%w: task %s is %s", models.ErrNotReady, id, t.Status)
	}
	return ix.Tasks.Chunks(ctx, id)
}

// Wait polls the task until it reaches a terminal state or ctx is done.
func (ix *Indexer) Wait(ctx context.Context, id string, every time.Duration) (*task.Task, error) {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		t, err := ix.Tasks.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// process runs one task to a terminal state. Same-repository tasks run one at a time.
func (ix *Indexer) process(ctx context.Context, j job) {
	unlock := ix.locks.Lock(j.ref.Canonical())
	defer unlock()

	t, err := ix.Tasks.Get(ctx, j.taskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", j.taskID).Msg("queued task vanished")
		return
	}

	start := time.Now()
	if err := ix.run(ctx, t, j); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Str("stage", string(t.Status)).Msg("task failed")
		if ferr := t.Fail(err, ix.now()); ferr != nil {
			log.Error().Err(ferr).Str("task_id", t.ID).Msg("cannot mark task failed")
			return
		}
		// The caller's context may be gone; the failure must still be recorded.
		if uerr := ix.Tasks.Update(context.WithoutCancel(ctx), t); uerr != nil {
			log.Error().Err(uerr).Str("task_id", t.ID).Msg("cannot save failed task")
		}
		return
	}
	log.Info().Str("task_id", t.ID).Dur("elapsed", time.Since(start)).Msg("task completed")
}

// run executes the stages in order. Panics become errors.
func (ix *Indexer) run(ctx context.Context, t *task.Task, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	if err := ix.advance(ctx, t, task.StatusDownloading, "Downloading repository"); err != nil {
		return err
	}
	co, err := ix.Fetcher.Fetch(ctx, j.ref, j.req.Credential)
	if err != nil {
		return err
	}
	defer co.Cleanup()

	if err := ix.advance(ctx, t, task.StatusChunking, "Chunking files"); err != nil {
		return err
	}
	tree, err := repo.Walk(co.Dir, ix.opts.Filter)
	if err != nil {
		return err
	}
	out, err := chunker.Chunk(tree.Files, ix.opts.Chunking)
	if err != nil {
		return err
	}
	for _, w := range append(tree.Errors, out.Warnings...) {
		log.Warn().Err(w).Str("task_id", t.ID).Msg("file skipped")
	}
	if len(out.Chunks) == 0 {
		return fmt.Errorf("no indexable content found in %s", j.ref)
	}
	metas := make([]models.ChunkMeta, len(out.Chunks))
	for i, c := range out.Chunks {
		metas[i] = c.Meta()
	}
	if err := ix.Tasks.SaveChunks(ctx, t.ID, metas); err != nil {
		return err
	}

	msg := fmt.Sprintf("Embedding %d chunks from %d files", len(out.Chunks), len(tree.Files))
	if err := ix.advance(ctx, t, task.StatusEmbedding, msg); err != nil {
		return err
	}
	indexed, err := ix.embed(ctx, out.Chunks)
	if err != nil {
		return err
	}

	coll := models.Collection{
		ID:         t.CollectionID,
		Repository: j.ref.Canonical(),
		EmbedModel: ix.Embedder.EmbedModel(),
		Dim:        ix.Embedder.Dim(),
		Distance:   ix.opts.Distance,
	}
	// The previous collection stays queryable until every batch is accepted.
	w := &index.Writer{Index: ix.Index, BatchSize: ix.opts.BatchSize}
	_, written, err := w.Replace(ctx, coll, indexed)
	if err != nil {
		return err
	}

	res := task.Result{
		ChunkCount:     len(out.Chunks),
		EmbeddingCount: written,
		CollectionID:   coll.ID,
		FileCount:      len(tree.Files),
		SkippedFiles:   tree.Skipped + len(tree.Errors) + len(out.Warnings),
	}
	done := fmt.Sprintf("Indexed %d chunks from %d files into %s", written, res.FileCount, coll.ID)
	if err := t.Complete(res, done, ix.now()); err != nil {
		return err
	}
	return ix.Tasks.Update(ctx, t)
}

func (ix *Indexer) advance(ctx context.Context, t *task.Task, to task.Status, msg string) error {
	if err := t.Advance(to, msg, ix.now()); err != nil {
		return err
	}
	log.Info().Str("task_id", t.ID).Str("status", string(to)).Msg(msg)
	return ix.Tasks.Update(ctx, t)
}

// embed computes document embeddings with bounded concurrency. Every vector
// must have the embedder's dimension.
func (ix *Indexer) embed(ctx context.Context, chunks []models.Chunk) ([]models.IndexedChunk, error) {
	out := make([]models.IndexedChunk, len(chunks))
	dim := ix.Embedder.Dim()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.EmbedConcurrency)
	for i := range chunks {
		g.Go(func() error {
			if err := ix.limiter.Wait(gctx); err != nil {
				return err
			}
			vec, err := ix.Embedder.Embed(gctx, embedText(chunks[i]), ai.KindDocument)
			if err != nil {
				return fmt.Errorf("%w: embed %s: %v", models.ErrBackend, chunks[i].ID(), err)
			}
			if len(vec) != dim {
				return fmt.Errorf("%w: %s returned %d dimensions, want %d",
					models.ErrEmbeddingMismatch, ix.Embedder.EmbedModel(), len(vec), dim)
			}
			out[i] = models.IndexedChunk{Chunk: chunks[i], Embedding: vec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// embedText is the input embedded for a chunk. Providers reject empty input,
// so blank runs are embedded by their path.
func embedText(c models.Chunk) string {
	if strings.TrimSpace(c.Content) == "" {
		return c.FilePath
	}
	return c.Content
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

// Lock blocks until key is free and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
