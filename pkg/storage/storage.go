package storage

import (
	"crypto/sha256"
	"fmt"

	"storagegrid/pkg/types"
)

const (
	DefaultChunkSize = 1024 * 1024     // 1MB chunks
	SmallChunkSize   = 64 * 1024       // 64KB for small shares
	LargeChunkSize   = 4 * 1024 * 1024 // 4MB for large shares

	SmallShareThreshold = 1024 * 1024       // Shares < 1MB
	LargeShareThreshold = 100 * 1024 * 1024 // Shares > 100MB
)

// Chunk is one contiguous write or read of a share.
type Chunk struct {
	Share types.ShareNumber
	Index int
	Range types.Range
	Data  []byte
	Hash  string
}

// ChunkPlanner cuts missing share ranges into request-sized chunks.
type ChunkPlanner struct {
	chunkSize int
}

// NewChunkPlanner picks the chunk size per share from its size.
func NewChunkPlanner() *ChunkPlanner {
	return &ChunkPlanner{}
}

// NewChunkPlannerWithSize uses a fixed chunk size for every share.
func NewChunkPlannerWithSize(chunkSize int) *ChunkPlanner {
	if chunkSize <= 0 {
		return NewChunkPlanner()
	}
	return &ChunkPlanner{chunkSize: chunkSize}
}

// ChunkSizeFor returns the chunk size used for a share of the given size.
func (cp *ChunkPlanner) ChunkSizeFor(shareSize uint64) int {
	if cp.chunkSize > 0 {
		return cp.chunkSize
	}
	if shareSize < SmallShareThreshold {
		return SmallChunkSize
	} else if shareSize > LargeShareThreshold {
		return LargeChunkSize
	}
	return DefaultChunkSize
}

// Plan splits each missing range into chunks no larger than the chunk size.
func (cp *ChunkPlanner) Plan(missing []types.Range, shareSize uint64) []types.Range {
	size := uint64(cp.ChunkSizeFor(shareSize))
	planned := []types.Range{}
	for _, r := range missing {
		for begin := r.Begin; begin < r.End; begin += size {
			end := begin + size
			if end > r.End {
				end = r.End
			}
			planned = append(planned, types.Range{Begin: begin, End: end})
		}
	}
	return planned
}

// Split slices share data into the chunks still missing on the server.
func (cp *ChunkPlanner) Split(share types.ShareNumber, data []byte, missing []types.Range) ([]Chunk, error) {
	shareSize := uint64(len(data))
	chunks := []Chunk{}
	for i, r := range cp.Plan(missing, shareSize) {
		if r.End > shareSize {
			return nil, fmt.Errorf("missing range %s beyond share data of %d bytes", r, shareSize)
		}
		chunkData := data[r.Begin:r.End]
		hash := sha256.Sum256(chunkData)
		chunks = append(chunks, Chunk{
			Share: share,
			Index: i,
			Range: r,
			Data:  chunkData,
			Hash:  fmt.Sprintf("%x", hash[:8]),
		})
	}
	return chunks, nil
}

// VerifyChunk checks chunk data against its recorded hash prefix.
func VerifyChunk(chunk *Chunk) bool {
	hash := sha256.Sum256(chunk.Data)
	return chunk.Hash == fmt.Sprintf("%x", hash[:8])
}
