package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storagegrid/pkg/metrics"
	"storagegrid/pkg/types"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

type createRequest struct {
	ShareNumbers  []types.ShareNumber `cbor:"share-numbers"`
	AllocatedSize uint64              `cbor:"allocated-size"`
}

type createResponse struct {
	AlreadyHave []types.ShareNumber `cbor:"already-have"`
	Allocated   []types.ShareNumber `cbor:"allocated"`
}

type writeResponse struct {
	Required []types.Range `cbor:"required"`
}

// CreateImmutable reserves share slots for si. Repeating the call is safe:
// shares the server already stores come back in AlreadyHave.
func (c *Client) CreateImmutable(ctx context.Context, si types.StorageIndex, shares []types.ShareNumber, allocatedSize uint64, secrets types.Secrets) (_ types.ShareSet, err error) {
	const op = "create_immutable"
	defer c.observe(op, time.Now(), &err)

	if err := si.Validate(); err != nil {
		return types.ShareSet{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if secrets.LeaseRenew == nil || secrets.LeaseCancel == nil || secrets.Upload == nil {
		return types.ShareSet{}, fmt.Errorf("%s: %w: lease renew, lease cancel and upload secrets are all required", op, ErrMissingSecret)
	}
	if len(shares) == 0 {
		return types.ShareSet{}, fmt.Errorf("%w: no share numbers requested", ErrInvalidRequest)
	}

	body, err := cbor.Marshal(createRequest{
		ShareNumbers:  types.SortShares(shares),
		AllocatedSize: allocatedSize,
	})
	if err != nil {
		return types.ShareSet{}, fmt.Errorf("failed to encode create request: %w", err)
	}

	resp, err := c.request(ctx, op, immutableRoute(si), &secrets, body,
		http.Header{"Content-Type": []string{cborContentType}})
	if err != nil {
		return types.ShareSet{}, err
	}

	var decoded createResponse
	if err := decodeCBOR(op, resp, &decoded); err != nil {
		return types.ShareSet{}, err
	}

	result := types.ShareSet{
		AlreadyHave: types.SortShares(decoded.AlreadyHave),
		Allocated:   types.SortShares(decoded.Allocated),
	}
	c.logger.Debug("Created immutable",
		zap.Stringer("storage_index", si),
		zap.Int("already_have", len(result.AlreadyHave)),
		zap.Int("allocated", len(result.Allocated)))
	return result, nil
}

// WriteShareChunk uploads one contiguous byte range of a share. The result
// reports whether the whole share is now complete and what is still needed.
func (c *Client) WriteShareChunk(ctx context.Context, si types.StorageIndex, share types.ShareNumber, uploadSecret []byte, offset uint64, data []byte) (_ types.UploadProgress, err error) {
	const op = "write_share_chunk"
	defer c.observe(op, time.Now(), &err)

	if err := si.Validate(); err != nil {
		return types.UploadProgress{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if uploadSecret == nil {
		return types.UploadProgress{}, fmt.Errorf("%s: %w: upload secret", op, ErrMissingSecret)
	}
	if len(data) == 0 {
		return types.UploadProgress{}, fmt.Errorf("%w: empty chunk", ErrInvalidRequest)
	}
	if offset+uint64(len(data)) < offset {
		return types.UploadProgress{}, fmt.Errorf("%w: chunk at %d overflows the offset space", ErrInvalidRequest, offset)
	}

	header := http.Header{}
	header.Set("Content-Range", contentRange(offset, uint64(len(data))))

	resp, err := c.request(ctx, op, shareRoute(http.MethodPatch, si, share),
		&types.Secrets{Upload: uploadSecret}, data, header)
	if err != nil {
		return types.UploadProgress{}, err
	}

	var finished bool
	switch resp.StatusCode {
	case http.StatusOK:
		finished = false
	case http.StatusCreated:
		finished = true
	default:
		return types.UploadProgress{}, &ProtocolError{Op: op, Status: resp.StatusCode, Detail: drain(resp)}
	}

	var decoded writeResponse
	if err := decodeCBOR(op, resp, &decoded); err != nil {
		return types.UploadProgress{}, err
	}

	metrics.BytesUploaded.Add(float64(len(data)))
	required := decoded.Required
	if required == nil {
		required = []types.Range{}
	}
	return types.UploadProgress{Finished: finished, Required: required}, nil
}

// ReadShareChunk downloads exactly [offset, offset+length) of a share. Only
// a 206 answer covering precisely that range is accepted.
func (c *Client) ReadShareChunk(ctx context.Context, si types.StorageIndex, share types.ShareNumber, offset, length uint64) (_ []byte, err error) {
	const op = "read_share_chunk"
	defer c.observe(op, time.Now(), &err)

	if err := si.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length read", ErrInvalidRequest)
	}
	if offset+length < offset {
		return nil, fmt.Errorf("%w: read of %d at %d overflows the offset space", ErrInvalidRequest, length, offset)
	}
	requested := types.Range{Begin: offset, End: offset + length}

	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", requested.Begin, requested.End-1))

	resp, err := c.request(ctx, op, shareRoute(http.MethodGet, si, share), nil, nil, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		return nil, &ProtocolError{Op: op, Status: resp.StatusCode, Detail: drain(resp)}
	}
	defer resp.Body.Close()

	gotRange := resp.Header.Get("Content-Range")
	if gotRange != "" {
		begin, end, ok := parseContentRange(gotRange)
		if !ok || begin != requested.Begin || end != requested.End {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, &RangeMismatchError{Requested: requested, GotRange: gotRange}
		}
	}

	// read one byte past the request to detect an overlong body
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(length)+1))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to read share data: %w", err)}
	}
	if uint64(len(data)) != length {
		return nil, &RangeMismatchError{Requested: requested, GotRange: gotRange, GotLength: len(data)}
	}

	metrics.BytesDownloaded.Add(float64(len(data)))
	return data, nil
}

// ListShares returns the share numbers the server holds for si. It needs no
// secrets.
func (c *Client) ListShares(ctx context.Context, si types.StorageIndex) (_ []types.ShareNumber, err error) {
	const op = "list_shares"
	defer c.observe(op, time.Now(), &err)

	if err := si.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	resp, err := c.request(ctx, op, listSharesRoute(si), nil, nil, nil)
	if err != nil {
		return nil, err
	}

	var shares []types.ShareNumber
	if err := decodeCBOR(op, resp, &shares); err != nil {
		return nil, err
	}
	return types.SortShares(shares), nil
}

func contentRange(offset, length uint64) string {
	return fmt.Sprintf("bytes %d-%d/*", offset, offset+length-1)
}

// parseContentRange parses "bytes a-b/total" into the half-open [a, b+1).
func parseContentRange(value string) (begin, end uint64, ok bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(value, "bytes ")
	if slash := strings.IndexByte(spec, '/'); slash >= 0 {
		spec = spec[:slash]
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	b, err := strconv.ParseUint(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	l, err := strconv.ParseUint(strings.TrimSpace(last), 10, 64)
	if err != nil || l < b {
		return 0, 0, false
	}
	return b, l + 1, true
}
