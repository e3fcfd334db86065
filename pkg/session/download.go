package session

import (
	"context"
	"fmt"

	"storagegrid/pkg/types"

	"go.uber.org/zap"
)

// Reader is the part of the storage API a download needs.
type Reader interface {
	ReadShareChunk(ctx context.Context, si types.StorageIndex, share types.ShareNumber, offset, length uint64) ([]byte, error)
	ListShares(ctx context.Context, si types.StorageIndex) ([]types.ShareNumber, error)
}

// DownloadSession reads shares of one storage index from one server.
// Reads are independent of each other and safe to issue concurrently.
type DownloadSession struct {
	api    Reader
	si     types.StorageIndex
	logger *zap.Logger
}

func NewDownloadSession(api Reader, si types.StorageIndex, logger *zap.Logger) *DownloadSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadSession{
		api:    api,
		si:     si,
		logger: logger.With(zap.Stringer("storage_index", si)),
	}
}

func (d *DownloadSession) StorageIndex() types.StorageIndex { return d.si }

// ReadChunk returns exactly length bytes of share starting at offset, or an
// error. Wrong-range answers surface as *client.RangeMismatchError.
func (d *DownloadSession) ReadChunk(ctx context.Context, share types.ShareNumber, offset, length uint64) ([]byte, error) {
	data, err := d.api.ReadShareChunk(ctx, d.si, share, offset, length)
	if err != nil {
		d.logger.Debug("Chunk read failed",
			zap.Uint16("share", uint16(share)),
			zap.Uint64("offset", offset),
			zap.Uint64("length", length),
			zap.Error(err))
		return nil, err
	}
	return data, nil
}

// ListShares returns the shares the server holds for this storage index.
func (d *DownloadSession) ListShares(ctx context.Context) ([]types.ShareNumber, error) {
	shares, err := d.api.ListShares(ctx, d.si)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	return shares, nil
}
