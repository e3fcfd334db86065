package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"storagegrid/pkg/retry"
	"storagegrid/pkg/session"
	"storagegrid/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultParallelism = 4

	// uploadPasses bounds how often UploadShare re-plans after the server
	// reports ranges the local cache did not know about.
	uploadPasses = 3
)

// ErrChunkCorrupt means chunk data no longer matches the hash taken when
// the share was split.
var ErrChunkCorrupt = errors.New("chunk data changed since it was planned")

// TransferOptions tunes a ChunkTransfer.
type TransferOptions struct {
	ChunkSize   int // 0 picks a size per share
	Parallelism int
	Retry       retry.Config
}

// ChunkTransfer moves whole shares through upload and download sessions,
// one chunk request at a time.
type ChunkTransfer struct {
	logger      *zap.Logger
	planner     *ChunkPlanner
	parallelism int
	retry       retry.Config
}

func NewChunkTransfer(logger *zap.Logger, opts TransferOptions) *ChunkTransfer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.None()
	}
	return &ChunkTransfer{
		logger:      logger,
		planner:     NewChunkPlannerWithSize(opts.ChunkSize),
		parallelism: opts.Parallelism,
		retry:       opts.Retry,
	}
}

// UploadShare writes every range of data the server still needs for share.
// Chunks go out in parallel; the session's progress decides what is sent.
func (ct *ChunkTransfer) UploadShare(ctx context.Context, sess *session.UploadSession, share types.ShareNumber, data []byte) (types.UploadProgress, error) {
	if uint64(len(data)) != sess.AllocatedSize() {
		return types.UploadProgress{}, fmt.Errorf("share %d has %d bytes, session allocated %d", share, len(data), sess.AllocatedSize())
	}

	for pass := 0; pass < uploadPasses; pass++ {
		progress, ok := sess.Progress(share)
		if !ok {
			return types.UploadProgress{}, fmt.Errorf("%w: share %d", session.ErrShareNotPlaced, share)
		}
		if progress.Finished {
			return progress, nil
		}

		chunks, err := ct.planner.Split(share, data, progress.Required)
		if err != nil {
			return types.UploadProgress{}, err
		}

		ct.logger.Info("Uploading share",
			zap.Stringer("storage_index", sess.StorageIndex()),
			zap.Uint16("share", uint16(share)),
			zap.Int("pass", pass+1),
			zap.Int("chunks", len(chunks)))

		if err := ct.writeChunks(ctx, sess, chunks); err != nil {
			return types.UploadProgress{}, err
		}
	}

	progress, _ := sess.Progress(share)
	if !progress.Finished {
		return progress, fmt.Errorf("share %d still incomplete after %d passes: server requires %v", share, uploadPasses, progress.Required)
	}
	return progress, nil
}

func (ct *ChunkTransfer) writeChunks(ctx context.Context, sess *session.UploadSession, chunks []Chunk) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(ct.parallelism))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, chunk := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(c Chunk) {
			defer wg.Done()
			defer sem.Release(1)

			err := retry.Do(ctx, ct.retry, func(ctx context.Context) error {
				// the share buffer belongs to the caller and must not change mid-upload
				if !VerifyChunk(&c) {
					return fmt.Errorf("%w: chunk %d of share %d at %s", ErrChunkCorrupt, c.Index, c.Share, c.Range)
				}
				_, err := sess.WriteChunk(ctx, c.Share, c.Range.Begin, c.Data)
				return err
			})
			if err != nil {
				ct.logger.Warn("Chunk upload failed",
					zap.Uint16("share", uint16(c.Share)),
					zap.Int("index", c.Index),
					zap.Stringer("range", c.Range),
					zap.String("hash", c.Hash),
					zap.Error(err))
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to upload chunk %d of share %d: %w", c.Index, c.Share, err)
				}
				mu.Unlock()
				cancel()
				return
			}
			ct.logger.Debug("Chunk uploaded",
				zap.Uint16("share", uint16(c.Share)),
				zap.Int("index", c.Index),
				zap.Stringer("range", c.Range),
				zap.String("hash", c.Hash))
		}(chunk)
	}

	wg.Wait()
	return firstErr
}

// UploadShares uploads every placed share found in data. Shares the
// session did not place are skipped and reported by the session.
func (ct *ChunkTransfer) UploadShares(ctx context.Context, sess *session.UploadSession, data map[types.ShareNumber][]byte) error {
	for _, share := range sess.Placed() {
		shareData, ok := data[share]
		if !ok {
			return fmt.Errorf("no data supplied for placed share %d", share)
		}
		if _, err := ct.UploadShare(ctx, sess, share, shareData); err != nil {
			return err
		}
	}
	return nil
}

// DownloadShare reads size bytes of share in order and writes them to w.
func (ct *ChunkTransfer) DownloadShare(ctx context.Context, sess *session.DownloadSession, share types.ShareNumber, size uint64, w io.Writer) error {
	planned := ct.planner.Plan([]types.Range{{Begin: 0, End: size}}, size)

	ct.logger.Info("Downloading share",
		zap.Stringer("storage_index", sess.StorageIndex()),
		zap.Uint16("share", uint16(share)),
		zap.Uint64("size", size),
		zap.Int("chunks", len(planned)))

	for i, r := range planned {
		var data []byte
		err := retry.Do(ctx, ct.retry, func(ctx context.Context) error {
			var err error
			data, err = sess.ReadChunk(ctx, share, r.Begin, r.Len())
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to download chunk %d of share %d: %w", i, share, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write share data: %w", err)
		}
	}
	return nil
}
