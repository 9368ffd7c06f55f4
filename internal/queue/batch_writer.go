package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// MessageSource is the consumer side the batch writer drains
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Handler processes one message. A validation error marks the message as
// poison: it is logged and committed. Any other error stops the writer
// without committing, so the message is redelivered after a restart.
type Handler func(ctx context.Context, msg kafka.Message) error

// BatchWriter consumes from Kafka and hands messages to a handler in batches
type BatchWriter struct {
	source        MessageSource
	handle        Handler
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewBatchWriter creates a new batch writer
func NewBatchWriter(source MessageSource, handle Handler, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &BatchWriter{
		source:        source,
		handle:        handle,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        zap.L().With(zap.String("component", "batch_writer")),
		done:          make(chan struct{}),
	}
}

// Start begins consuming
func (bw *BatchWriter) Start(ctx context.Context) {
	ctx, bw.cancel = context.WithCancel(ctx)
	bw.wg.Add(1)
	go bw.run(ctx)
}

// Done is closed when the writer stops on its own
func (bw *BatchWriter) Done() <-chan struct{} {
	return bw.done
}

// Stop flushes what it has, stops, and returns the error that stopped the
// writer early, if any
func (bw *BatchWriter) Stop() error {
	if bw.cancel != nil {
		bw.cancel()
	}
	bw.wg.Wait()
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.err
}

func (bw *BatchWriter) fail(err error) {
	bw.mu.Lock()
	if bw.err == nil {
		bw.err = err
	}
	bw.mu.Unlock()
}

func (bw *BatchWriter) run(ctx context.Context) {
	defer bw.wg.Done()
	defer close(bw.done)

	var batch []kafka.Message
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message, bw.batchSize)
	go func() {
		defer close(msgChan)
		for {
			msg, err := bw.source.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				bw.logger.Warn("consumer error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(bw.flushInterval):
				}
				continue
			}
			select {
			case msgChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Flushing after cancellation still needs a live context for commits
	flushCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				bw.flush(flushCtx, batch)
			}
			return

		case <-ticker.C:
			if len(batch) > 0 {
				if !bw.flush(flushCtx, batch) {
					return
				}
				batch = nil
			}

		case msg, ok := <-msgChan:
			if !ok {
				if len(batch) > 0 {
					bw.flush(flushCtx, batch)
				}
				return
			}
			batch = append(batch, msg)
			if len(batch) >= bw.batchSize {
				if !bw.flush(flushCtx, batch) {
					return
				}
				batch = nil
			}
		}
	}
}

// flush handles each message in order and commits it. It stops at the
// first non-validation failure and reports false.
func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message) bool {
	processed, skipped := 0, 0
	for _, msg := range batch {
		if err := bw.handle(ctx, msg); err != nil {
			if !model.IsValidation(err) {
				bw.logger.Error("batch stopped",
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				bw.fail(eris.Wrapf(err, "queue: process offset %d", msg.Offset))
				if bw.cancel != nil {
					bw.cancel()
				}
				return false
			}
			bw.logger.Warn("skipping invalid message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			skipped++
		} else {
			processed++
		}

		if err := bw.source.Commit(ctx, msg); err != nil {
			bw.logger.Warn("failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}

	bw.logger.Debug("flushed batch", zap.Int("processed", processed), zap.Int("skipped", skipped))
	return true
}
