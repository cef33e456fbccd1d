// Package pipeline runs the media slow path: it validates, processes and uploads attachment
// bytes on a worker pool, well away from the request that created the message.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"sync"
	"time"

	"go-dm-relay/internal/interfaces"
	"go-dm-relay/internal/media"
	"go-dm-relay/internal/metrics"
	"go-dm-relay/internal/model"
	"go-dm-relay/internal/storage"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/errs"
	"go-dm-relay/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrQueueFull       = errors.New("media queue is full")
	ErrPipelineClosed  = errors.New("media pipeline is shut down")
	ErrUploadCancelled = fmt.Errorf("%w: upload was cancelled", errs.ErrConflict)
)

// MediaStore is the slice of the message repository the slow path writes to.
type MediaStore interface {
	MarkMediaPending(ctx context.Context, messageID string) error
	CompleteMedia(ctx context.Context, messageID string, attachment *model.Attachment) error
	FailMedia(ctx context.Context, messageID string) error
}

type Pipeline struct {
	store      MediaStore
	validator  *media.Validator
	processors *media.Processors
	uploader   storage.Uploader
	dispatcher media.TranscodeDispatcher
	notifier   interfaces.Notifier
	cfg        config.MediaConfig
	now        func() time.Time

	sessions *sessionStore

	mu     sync.RWMutex
	closed bool
	queue  chan Job

	workers sync.WaitGroup
	stop    chan struct{}
	aux     sync.WaitGroup
}

func New(
	store MediaStore,
	validator *media.Validator,
	processors *media.Processors,
	uploader storage.Uploader,
	dispatcher media.TranscodeDispatcher,
	notifier interfaces.Notifier,
	cfg config.MediaConfig,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 4096
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 8 << 20
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if dispatcher == nil {
		dispatcher = media.LogDispatcher{}
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Pipeline{
		store:      store,
		validator:  validator,
		processors: processors,
		uploader:   uploader,
		dispatcher: dispatcher,
		notifier:   notifier,
		cfg:        cfg,
		now:        now,
		sessions:   newSessionStore(now),
		queue:      make(chan Job, cfg.QueueSize),
		stop:       make(chan struct{}),
	}
}

// Start launches the worker pool and the idle-session sweeper.
func (p *Pipeline) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}
	p.aux.Add(1)
	go p.sweepLoop()
	logger.L.Info("Media pipeline started", zap.Int("workers", p.cfg.Workers), zap.Int("queue", p.cfg.QueueSize))
}

// Shutdown stops intake, lets workers drain what is already queued and waits for them
// until ctx expires.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		p.aux.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.L.Info("Media pipeline stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("media pipeline shutdown: %w", ctx.Err())
	}
}

// QueueUpload hands a job to the worker pool without waiting. A full queue fails the
// job's media immediately rather than blocking the caller.
func (p *Pipeline) QueueUpload(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipelineClosed
	}

	p.sessions.bury(job.UploadID(), stateQueued, job.SenderID())
	select {
	case p.queue <- job:
		return nil
	default:
		metrics.MediaJobs.WithLabelValues("rejected").Inc()
		logger.L.Warn("Media queue full, failing job", zap.String("messageID", job.MessageID()))
		p.sessions.bury(job.UploadID(), stateFailed, job.SenderID())
		p.detach(func() { p.fail(job, ErrQueueFull) })
		return ErrQueueFull
	}
}

// detach runs fn on a goroutine that Shutdown waits for.
func (p *Pipeline) detach(fn func()) {
	p.aux.Add(1)
	go func() {
		defer p.aux.Done()
		fn()
	}()
}

func (p *Pipeline) worker(n int) {
	defer p.workers.Done()
	for job := range p.queue {
		p.run(job)
	}
	logger.L.Debug("Media worker exiting", zap.Int("worker", n))
}

// run executes one job. Every outcome ends in completed or failed on the message; nothing
// propagates back to the sender's request.
func (p *Pipeline) run(job Job) {
	start := time.Now()
	defer func() {
		metrics.MediaJobDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			logger.L.Error("Media job panicked",
				zap.String("messageID", job.MessageID()),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
			p.fail(job, fmt.Errorf("panic: %v", r))
		}
	}()

	// 取消标志只在昂贵工作开始前检查一次
	if state, ok := p.sessions.state(job.UploadID()); ok && state == stateCancelled {
		metrics.MediaJobs.WithLabelValues("cancelled").Inc()
		logger.L.Info("Skipping cancelled upload", zap.String("uploadID", job.UploadID()))
		p.fail(job, ErrUploadCancelled)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.UploadTimeout)
	defer cancel()

	if err := p.store.MarkMediaPending(ctx, job.MessageID()); err != nil {
		p.fail(job, errs.Media("pending", err))
		return
	}

	attachment, deferred, err := p.process(ctx, job)
	if err != nil {
		p.fail(job, err)
		return
	}

	if err := p.store.CompleteMedia(ctx, job.MessageID(), attachment); err != nil {
		p.fail(job, errs.Media("persist", err))
		return
	}

	if deferred {
		err := p.dispatcher.Dispatch(ctx, media.TranscodeRequest{
			MessageID:    job.MessageID(),
			AttachmentID: attachment.ID,
			FileURL:      attachment.FileURL,
			MimeType:     attachment.MimeType,
		})
		if err != nil {
			logger.L.Warn("Failed to request transcode", zap.String("messageID", job.MessageID()), zap.Error(err))
		}
	}

	metrics.MediaJobs.WithLabelValues("completed").Inc()
	logger.L.Info("Media job completed",
		zap.String("messageID", job.MessageID()),
		zap.String("url", attachment.FileURL),
		zap.Duration("took", time.Since(start)))
	p.notifier.NotifyMediaStatusChange(job.SenderID(), job.RecipientID(), job.MessageID(), model.MediaCompleted)
}

// process validates, transforms and uploads the payload, returning the attachment to persist.
func (p *Pipeline) process(ctx context.Context, job Job) (*model.Attachment, bool, error) {
	kind, mimeType, err := p.validator.ValidatePayload(job.Payload(), job.MimeType())
	if err != nil {
		return nil, false, errs.Media("validate", err)
	}
	proc, err := p.processors.For(kind)
	if err != nil {
		return nil, false, errs.Media("dispatch", err)
	}
	res, err := proc.Process(ctx, job.Payload(), mimeType)
	if err != nil {
		return nil, false, errs.Media("process", err)
	}
	if len(res.Thumbnail) > p.validator.Limits().ThumbnailMaxBytes {
		return nil, false, errs.Media("thumbnail", media.ErrThumbnailTooLarge)
	}

	attachmentID := model.NewID()
	base := job.MessageID() + "/" + attachmentID
	url, err := p.uploader.Upload(ctx, base+res.Extension, res.Data, res.MimeType)
	if err != nil {
		return nil, false, errs.Media("upload", err)
	}

	attachment := &model.Attachment{
		ID:       attachmentID,
		Type:     kind,
		FileName: displayName(job.FileName(), res.Extension),
		FileURL:  url,
		FileSize: int64(len(res.Data)),
		MimeType: res.MimeType,
	}
	if len(res.Thumbnail) > 0 {
		thumbURL, err := p.uploader.Upload(ctx, base+"_thumb.jpg", res.Thumbnail, "image/jpeg")
		if err != nil {
			return nil, false, errs.Media("upload thumbnail", err)
		}
		attachment.ThumbnailURL = &thumbURL
	}
	if len(res.Metadata) > 0 {
		raw, err := json.Marshal(res.Metadata)
		if err != nil {
			return nil, false, errs.Media("metadata", err)
		}
		attachment.Metadata = datatypes.JSON(raw)
	}
	return attachment, res.Deferred, nil
}

// displayName keeps the client's file name but follows the stored format's extension.
func displayName(name, ext string) string {
	if ext == "" || path.Ext(name) == ext {
		return name
	}
	return name[:len(name)-len(path.Ext(name))] + ext
}

func (p *Pipeline) fail(job Job, cause error) {
	metrics.MediaJobs.WithLabelValues("failed").Inc()
	logger.L.Error("Media job failed",
		zap.String("messageID", job.MessageID()),
		zap.String("uploadID", job.UploadID()),
		zap.Error(cause))
	p.failMessage(job.MessageID(), job.SenderID(), job.RecipientID())
}

func (p *Pipeline) failMessage(messageID string, senderID, recipientID uint) {
	if messageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.FailMedia(ctx, messageID); err != nil {
		logger.L.Error("Failed to mark media failed", zap.String("messageID", messageID), zap.Error(err))
		return
	}
	p.notifier.NotifyMediaStatusChange(senderID, recipientID, messageID, model.MediaFailed)
}

// QueueLen reports jobs waiting for a worker.
func (p *Pipeline) QueueLen() int {
	return len(p.queue)
}
