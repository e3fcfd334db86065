// Package session tracks immutable uploads and downloads against one server.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"storagegrid/pkg/metrics"
	"storagegrid/pkg/ranges"
	"storagegrid/pkg/types"

	"go.uber.org/zap"
)

var (
	ErrNotCreated     = errors.New("upload session has not been created")
	ErrAbandoned      = errors.New("upload session was abandoned")
	ErrShareNotPlaced = errors.New("share was not allocated by the server")
	ErrOutOfBounds    = errors.New("chunk exceeds allocated share size")
	ErrEmptyChunk     = errors.New("chunk is empty")
)

// Uploader is the part of the storage API an upload needs.
type Uploader interface {
	CreateImmutable(ctx context.Context, si types.StorageIndex, shares []types.ShareNumber, allocatedSize uint64, secrets types.Secrets) (types.ShareSet, error)
	WriteShareChunk(ctx context.Context, si types.StorageIndex, share types.ShareNumber, uploadSecret []byte, offset uint64, data []byte) (types.UploadProgress, error)
	ListShares(ctx context.Context, si types.StorageIndex) ([]types.ShareNumber, error)
}

type State int

const (
	StateCreated State = iota
	StateUploading
	StateComplete
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateUploading:
		return "uploading"
	case StateComplete:
		return "complete"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// shareProgress is the local cache of the server's view of one share.
type shareProgress struct {
	received *ranges.Set
	finished bool
}

// UploadSession uploads the shares of one storage index to one server.
//
// Progress is only ever advanced by successful server responses. A failed
// or cancelled write leaves it untouched, so retrying the same range is
// always safe. The cache is not persisted; after a restart call Create and
// Resync again to rebuild it from the server.
type UploadSession struct {
	api           Uploader
	si            types.StorageIndex
	allocatedSize uint64
	secrets       types.Secrets
	logger        *zap.Logger

	mu        sync.Mutex
	state     State
	requested []types.ShareNumber
	shares    map[types.ShareNumber]*shareProgress
}

func NewUploadSession(api Uploader, si types.StorageIndex, allocatedSize uint64, secrets types.Secrets, logger *zap.Logger) *UploadSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadSession{
		api:           api,
		si:            si,
		allocatedSize: allocatedSize,
		secrets:       secrets,
		logger:        logger.With(zap.Stringer("storage_index", si)),
		state:         StateCreated,
		shares:        make(map[types.ShareNumber]*shareProgress),
	}
}

func (u *UploadSession) StorageIndex() types.StorageIndex { return u.si }
func (u *UploadSession) AllocatedSize() uint64            { return u.allocatedSize }

// State returns the session's current state.
func (u *UploadSession) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Create asks the server to allocate the requested shares. It may be
// called again on an existing session, e.g. to resume after an error.
func (u *UploadSession) Create(ctx context.Context, shares []types.ShareNumber) (types.ShareSet, error) {
	u.mu.Lock()
	if u.state == StateAbandoned {
		u.mu.Unlock()
		return types.ShareSet{}, ErrAbandoned
	}
	u.mu.Unlock()

	result, err := u.api.CreateImmutable(ctx, u.si, shares, u.allocatedSize, u.secrets)
	if err != nil {
		return types.ShareSet{}, fmt.Errorf("failed to create immutable: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateAbandoned {
		return types.ShareSet{}, ErrAbandoned
	}

	u.requested = types.SortShares(append(u.requested, shares...))
	for _, num := range result.AlreadyHave {
		u.progressLocked(num).finished = true
	}
	// a fresh allocation holds no data, whatever was cached before
	for _, num := range result.Allocated {
		p := u.progressLocked(num)
		p.received = &ranges.Set{}
		p.finished = false
	}
	u.updateStateLocked()

	u.logger.Info("Upload session created",
		zap.Int("requested", len(shares)),
		zap.Int("already_have", len(result.AlreadyHave)),
		zap.Int("allocated", len(result.Allocated)),
		zap.Uint64("allocated_size", u.allocatedSize))
	return result, nil
}

func (u *UploadSession) progressLocked(num types.ShareNumber) *shareProgress {
	p, ok := u.shares[num]
	if !ok {
		p = &shareProgress{received: &ranges.Set{}}
		u.shares[num] = p
	}
	return p
}

// updateStateLocked moves Created/Uploading forward once shares are placed
// and to Complete once every requested share is finished. A requested share
// the server did not place keeps the session Uploading.
func (u *UploadSession) updateStateLocked() {
	if u.state == StateAbandoned {
		return
	}
	if len(u.shares) == 0 {
		return
	}
	for _, p := range u.shares {
		if !p.finished {
			u.state = StateUploading
			return
		}
	}
	for _, num := range u.requested {
		if _, ok := u.shares[num]; !ok {
			u.state = StateUploading
			return
		}
	}
	if u.state != StateComplete {
		u.logger.Info("Upload complete", zap.Int("shares", len(u.shares)))
	}
	u.state = StateComplete
}

// WriteChunk uploads data at offset for one share and returns the share's
// progress afterwards. On error the share's progress is unchanged.
func (u *UploadSession) WriteChunk(ctx context.Context, share types.ShareNumber, offset uint64, data []byte) (types.UploadProgress, error) {
	if len(data) == 0 {
		return types.UploadProgress{}, ErrEmptyChunk
	}
	end := offset + uint64(len(data))
	if end < offset || end > u.allocatedSize {
		return types.UploadProgress{}, fmt.Errorf("%w: [%d, %d) beyond %d", ErrOutOfBounds, offset, end, u.allocatedSize)
	}

	u.mu.Lock()
	if u.state == StateAbandoned {
		u.mu.Unlock()
		return types.UploadProgress{}, ErrAbandoned
	}
	p, ok := u.shares[share]
	if !ok {
		created := len(u.requested) > 0
		u.mu.Unlock()
		if !created {
			return types.UploadProgress{}, ErrNotCreated
		}
		return types.UploadProgress{}, fmt.Errorf("%w: share %d", ErrShareNotPlaced, share)
	}
	if p.finished {
		snapshot := u.snapshotLocked(p)
		u.mu.Unlock()
		return snapshot, nil
	}
	u.mu.Unlock()

	// network call without holding the lock; nothing changes until it succeeds
	resp, err := u.api.WriteShareChunk(ctx, u.si, share, u.secrets.Upload, offset, data)
	if err != nil {
		u.logger.Warn("Chunk write failed",
			zap.Uint16("share", uint16(share)),
			zap.Uint64("offset", offset),
			zap.Int("length", len(data)),
			zap.Error(err))
		return types.UploadProgress{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	// The response replaces the cached view: whatever the server no longer
	// requires is present there, and nothing else is.
	received := ranges.FromRanges(ranges.FromRanges(resp.Required).Missing(u.allocatedSize))
	p, ok = u.shares[share]
	if !ok {
		return responseSnapshot(resp, received, u.allocatedSize), nil
	}
	// a 200 applied after a 201 is an older response; the share stays finished
	if resp.Finished {
		if !p.finished {
			p.finished = true
			metrics.SharesCompleted.Inc()
			u.logger.Info("Share complete", zap.Uint16("share", uint16(share)))
		}
	} else if !p.finished {
		p.received = received
	}
	u.updateStateLocked()

	return u.snapshotLocked(p), nil
}

func responseSnapshot(resp types.UploadProgress, received *ranges.Set, size uint64) types.UploadProgress {
	if resp.Finished {
		return types.UploadProgress{Finished: true, Required: []types.Range{}}
	}
	return types.UploadProgress{Finished: false, Required: received.Missing(size)}
}

func (u *UploadSession) snapshotLocked(p *shareProgress) types.UploadProgress {
	if p.finished {
		return types.UploadProgress{Finished: true, Required: []types.Range{}}
	}
	return types.UploadProgress{Finished: false, Required: p.received.Missing(u.allocatedSize)}
}

// Progress returns the cached progress of a share.
func (u *UploadSession) Progress(share types.ShareNumber) (types.UploadProgress, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, ok := u.shares[share]
	if !ok {
		return types.UploadProgress{}, false
	}
	return u.snapshotLocked(p), true
}

// Missing returns the ranges of a share the server still needs.
func (u *UploadSession) Missing(share types.ShareNumber) []types.Range {
	progress, ok := u.Progress(share)
	if !ok {
		return nil
	}
	return progress.Required
}

// Placed returns every share this session is responsible for, sorted.
func (u *UploadSession) Placed() []types.ShareNumber {
	u.mu.Lock()
	defer u.mu.Unlock()
	placed := make([]types.ShareNumber, 0, len(u.shares))
	for num := range u.shares {
		placed = append(placed, num)
	}
	return types.SortShares(placed)
}

// Unplaced returns shares that were requested but that the server neither
// holds nor allocated.
func (u *UploadSession) Unplaced() []types.ShareNumber {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []types.ShareNumber
	for _, num := range u.requested {
		if _, ok := u.shares[num]; !ok {
			out = append(out, num)
		}
	}
	return out
}

// ListShares asks the server which shares of this storage index are complete.
func (u *UploadSession) ListShares(ctx context.Context) ([]types.ShareNumber, error) {
	shares, err := u.api.ListShares(ctx, u.si)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	return shares, nil
}

// Resync refreshes the cache from the server: every share it lists as
// stored is marked finished. Partial progress of unfinished shares is
// learned from the next write response.
func (u *UploadSession) Resync(ctx context.Context) error {
	shares, err := u.ListShares(ctx)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, num := range shares {
		if p, ok := u.shares[num]; ok && !p.finished {
			p.finished = true
		}
	}
	u.updateStateLocked()
	u.logger.Debug("Upload session resynced", zap.Int("server_shares", len(shares)))
	return nil
}

// Abandon stops the session. Later writes fail with ErrAbandoned.
func (u *UploadSession) Abandon() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateComplete {
		return
	}
	u.state = StateAbandoned
	u.logger.Info("Upload session abandoned")
}
