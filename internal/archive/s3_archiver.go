package archive

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"llm_proxy/internal/config"
)

// BatchWriter is the upload side of the archiver. S3Writer is the real
// implementation.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*Record) (string, error)
}

// S3Archiver buffers records in memory and flushes them to a
// BatchWriter when the batch fills or the flush interval passes.
type S3Archiver struct {
	writer        BatchWriter
	flushSize     int
	flushInterval time.Duration
	log           *logrus.Logger

	records chan *Record
	done    chan struct{}
	stopped chan struct{}
}

// NewS3Archiver starts the flush loop. Shutdown must be called to drain
// the buffer.
func NewS3Archiver(writer BatchWriter, cfg config.ArchiveConfig, log *logrus.Logger) *S3Archiver {
	a := &S3Archiver{
		writer:        writer,
		flushSize:     cfg.FlushSize,
		flushInterval: cfg.FlushInterval,
		log:           log,
		records:       make(chan *Record, cfg.BufferSize),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go a.run()
	return a
}

// Archive buffers a record for upload. When the buffer is full the
// record is dropped and counted, never blocking the caller.
func (a *S3Archiver) Archive(rec *Record) {
	select {
	case a.records <- rec:
	default:
		a.log.WithField("request_id", rec.RequestID).Warn("audit buffer full, dropping record")
	}
}

// Shutdown stops the flush loop and uploads whatever is still buffered.
func (a *S3Archiver) Shutdown(ctx context.Context) error {
	close(a.done)

	select {
	case <-a.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	return a.flush(ctx, a.drain())
}

func (a *S3Archiver) run() {
	defer close(a.stopped)

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, a.flushSize)

	for {
		select {
		case rec := <-a.records:
			batch = append(batch, rec)
			if len(batch) >= a.flushSize {
				a.flush(context.Background(), batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(context.Background(), batch)
				batch = batch[:0]
			}
		case <-a.done:
			a.flush(context.Background(), batch)
			return
		}
	}
}

func (a *S3Archiver) drain() []*Record {
	var batch []*Record
	for {
		select {
		case rec := <-a.records:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

func (a *S3Archiver) flush(ctx context.Context, batch []*Record) error {
	if len(batch) == 0 {
		return nil
	}

	if _, err := a.writer.WriteBatch(ctx, batch); err != nil {
		a.log.WithError(err).WithField("count", len(batch)).Error("failed to flush audit batch")
		return err
	}
	return nil
}
