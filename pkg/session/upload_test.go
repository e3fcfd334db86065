package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"storagegrid/pkg/client"
	"storagegrid/pkg/storagetest"
	"storagegrid/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSwissnum = []byte("session-test-swissnum")

func testStorageIndex(label string) types.StorageIndex {
	si := make(types.StorageIndex, types.StorageIndexSize)
	copy(si, label)
	return si
}

func newTestConnection(t *testing.T) (*client.Client, *storagetest.Server) {
	t.Helper()
	srv := storagetest.NewServer(testSwissnum)
	t.Cleanup(srv.Close)

	c, err := client.New(client.Config{BaseURL: srv.URL, Swissnum: testSwissnum, HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c, srv
}

func newTestSession(t *testing.T, api Uploader, label string, size uint64) *UploadSession {
	t.Helper()
	secrets, err := types.NewUploadSecrets()
	require.NoError(t, err)
	return NewUploadSession(api, testStorageIndex(label), size, secrets, nil)
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

// Create three shares, finish share 0 in one write, then list.
func TestUploadScenarioA(t *testing.T) {
	conn, _ := newTestConnection(t)
	ctx := context.Background()
	sess := newTestSession(t, conn, "scenario-a", 100)
	assert.Equal(t, StateCreated, sess.State())

	result, err := sess.Create(ctx, []types.ShareNumber{0, 1, 2})
	require.NoError(t, err)
	assert.Empty(t, result.AlreadyHave)
	assert.Equal(t, []types.ShareNumber{0, 1, 2}, result.Allocated)
	assert.Equal(t, StateUploading, sess.State())

	progress, err := sess.WriteChunk(ctx, 0, 0, pattern(100))
	require.NoError(t, err)
	assert.True(t, progress.Finished)
	assert.Empty(t, progress.Required)

	shares, err := sess.ListShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ShareNumber{0}, shares)
	assert.Equal(t, StateUploading, sess.State())

	for _, num := range []types.ShareNumber{1, 2} {
		_, err := sess.WriteChunk(ctx, num, 0, pattern(100))
		require.NoError(t, err)
	}
	assert.Equal(t, StateComplete, sess.State())

	shares, err = sess.ListShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ShareNumber{0, 1, 2}, shares)
}

// Out-of-order chunks for share 1.
func TestUploadScenarioB(t *testing.T) {
	conn, srv := newTestConnection(t)
	ctx := context.Background()
	sess := newTestSession(t, conn, "scenario-b", 100)
	data := pattern(100)

	_, err := sess.Create(ctx, []types.ShareNumber{1})
	require.NoError(t, err)

	progress, err := sess.WriteChunk(ctx, 1, 50, data[50:])
	require.NoError(t, err)
	assert.False(t, progress.Finished)
	assert.Equal(t, []types.Range{{Begin: 0, End: 50}}, progress.Required)
	assert.Equal(t, []types.Range{{Begin: 0, End: 50}}, sess.Missing(1))

	progress, err = sess.WriteChunk(ctx, 1, 0, data[:50])
	require.NoError(t, err)
	assert.True(t, progress.Finished)
	assert.Equal(t, StateComplete, sess.State())

	stored, ok := srv.ShareData(sess.StorageIndex(), 1)
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestUploadWriteIsIdempotent(t *testing.T) {
	conn, _ := newTestConnection(t)
	ctx := context.Background()
	data := pattern(100)

	once := newTestSession(t, conn, "idem-once", 100)
	_, err := once.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)
	first, err := once.WriteChunk(ctx, 0, 20, data[20:40])
	require.NoError(t, err)

	twice := newTestSession(t, conn, "idem-twice", 100)
	_, err = twice.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)
	_, err = twice.WriteChunk(ctx, 0, 20, data[20:40])
	require.NoError(t, err)
	second, err := twice.WriteChunk(ctx, 0, 20, data[20:40])
	require.NoError(t, err)

	assert.Equal(t, first, second)
	p1, _ := once.Progress(0)
	p2, _ := twice.Progress(0)
	assert.Equal(t, p1, p2)
	assert.Equal(t, []types.Range{{Begin: 0, End: 20}, {Begin: 40, End: 100}}, p2.Required)
}

func TestUploadFailedWriteLeavesProgressUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		inject func(srv *storagetest.Server)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "Transport failure",
			inject: func(srv *storagetest.Server) { srv.DropNext("write") },
			check: func(t *testing.T, err error) {
				var transportErr *client.TransportError
				assert.ErrorAs(t, err, &transportErr)
			},
		},
		{
			name:   "Server error",
			inject: func(srv *storagetest.Server) { srv.FailNext("write", http.StatusInternalServerError) },
			check: func(t *testing.T, err error) {
				var protoErr *client.ProtocolError
				assert.ErrorAs(t, err, &protoErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, srv := newTestConnection(t)
			ctx := context.Background()
			sess := newTestSession(t, conn, "partial-failure", 100)
			data := pattern(100)

			_, err := sess.Create(ctx, []types.ShareNumber{0})
			require.NoError(t, err)
			_, err = sess.WriteChunk(ctx, 0, 0, data[:30])
			require.NoError(t, err)
			before, _ := sess.Progress(0)

			tt.inject(srv)
			_, err = sess.WriteChunk(ctx, 0, 30, data[30:])
			require.Error(t, err)
			tt.check(t, err)

			after, _ := sess.Progress(0)
			assert.Equal(t, before, after)
			assert.Equal(t, StateUploading, sess.State())

			// retrying the exact same range is safe
			progress, err := sess.WriteChunk(ctx, 0, 30, data[30:])
			require.NoError(t, err)
			assert.True(t, progress.Finished)
		})
	}
}

func TestUploadCancelledWriteLeavesProgressUnchanged(t *testing.T) {
	conn, _ := newTestConnection(t)
	sess := newTestSession(t, conn, "cancelled", 10)
	_, err := sess.Create(context.Background(), []types.ShareNumber{0})
	require.NoError(t, err)
	before, _ := sess.Progress(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sess.WriteChunk(ctx, 0, 0, pattern(10))
	assert.ErrorIs(t, err, context.Canceled)

	after, _ := sess.Progress(0)
	assert.Equal(t, before, after)
}

func TestUploadValidation(t *testing.T) {
	conn, srv := newTestConnection(t)
	ctx := context.Background()
	sess := newTestSession(t, conn, "validation", 10)

	_, err := sess.WriteChunk(ctx, 0, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrNotCreated)

	_, err = sess.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)

	_, err = sess.WriteChunk(ctx, 5, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrShareNotPlaced)

	_, err = sess.WriteChunk(ctx, 0, 5, make([]byte, 6))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = sess.WriteChunk(ctx, 0, 0, nil)
	assert.ErrorIs(t, err, ErrEmptyChunk)

	assert.Zero(t, srv.Requests("write"))
}

func TestUploadAlreadyHaveAndUnplaced(t *testing.T) {
	conn, srv := newTestConnection(t)
	ctx := context.Background()
	sess := newTestSession(t, conn, "already", 10)

	srv.PutShare(sess.StorageIndex(), 0, pattern(10))

	// share 2 is being uploaded by somebody else
	other := NewUploadSession(conn, sess.StorageIndex(), 10, types.Secrets{
		LeaseRenew: []byte("r"), LeaseCancel: []byte("c"), Upload: []byte("someone-else"),
	}, nil)
	_, err := other.Create(ctx, []types.ShareNumber{2})
	require.NoError(t, err)

	result, err := sess.Create(ctx, []types.ShareNumber{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []types.ShareNumber{0}, result.AlreadyHave)
	assert.Equal(t, []types.ShareNumber{1}, result.Allocated)
	assert.Equal(t, []types.ShareNumber{0, 1}, sess.Placed())
	assert.Equal(t, []types.ShareNumber{2}, sess.Unplaced())

	progress, ok := sess.Progress(0)
	require.True(t, ok)
	assert.True(t, progress.Finished)

	// already-held shares need no network round trip
	_, err = sess.WriteChunk(ctx, 0, 0, pattern(10))
	require.NoError(t, err)
	assert.Zero(t, srv.Requests("write"))

	_, err = sess.WriteChunk(ctx, 1, 0, pattern(10))
	require.NoError(t, err)
	progress, ok = sess.Progress(1)
	require.True(t, ok)
	assert.True(t, progress.Finished)

	// share 2 still has no home, so the session is not complete
	assert.Equal(t, StateUploading, sess.State())
}

func TestUploadResumeAfterRestart(t *testing.T) {
	conn, _ := newTestConnection(t)
	ctx := context.Background()
	secrets, err := types.NewUploadSecrets()
	require.NoError(t, err)
	si := testStorageIndex("resume")
	data := pattern(100)

	first := NewUploadSession(conn, si, 100, secrets, nil)
	_, err = first.Create(ctx, []types.ShareNumber{0, 1})
	require.NoError(t, err)
	_, err = first.WriteChunk(ctx, 0, 0, data)
	require.NoError(t, err)
	_, err = first.WriteChunk(ctx, 1, 0, data[:60])
	require.NoError(t, err)

	// a new process knows nothing until it asks the server
	resumed := NewUploadSession(conn, si, 100, secrets, nil)
	result, err := resumed.Create(ctx, []types.ShareNumber{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []types.ShareNumber{0}, result.AlreadyHave)
	assert.Equal(t, []types.ShareNumber{1}, result.Allocated)
	require.NoError(t, resumed.Resync(ctx))

	// the server's answer to any write brings the cache up to date
	progress, err := resumed.WriteChunk(ctx, 1, 0, data[:10])
	require.NoError(t, err)
	assert.Equal(t, []types.Range{{Begin: 60, End: 100}}, progress.Required)

	progress, err = resumed.WriteChunk(ctx, 1, 60, data[60:])
	require.NoError(t, err)
	assert.True(t, progress.Finished)
	assert.Equal(t, StateComplete, resumed.State())
}

func TestUploadConcurrentDisjointWrites(t *testing.T) {
	conn, _ := newTestConnection(t)
	ctx := context.Background()
	const chunk, chunks = 16, 32
	sess := newTestSession(t, conn, "concurrent", chunk*chunks)
	data := pattern(chunk * chunks)

	_, err := sess.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, chunks)
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off := i * chunk
			if _, err := sess.WriteChunk(ctx, 0, uint64(off), data[off:off+chunk]); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	progress, ok := sess.Progress(0)
	require.True(t, ok)
	assert.True(t, progress.Finished)
	assert.Equal(t, StateComplete, sess.State())
}

func TestUploadAbandon(t *testing.T) {
	conn, _ := newTestConnection(t)
	ctx := context.Background()
	sess := newTestSession(t, conn, "abandon", 10)

	_, err := sess.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)
	sess.Abandon()
	assert.Equal(t, StateAbandoned, sess.State())

	_, err = sess.WriteChunk(ctx, 0, 0, pattern(10))
	assert.ErrorIs(t, err, ErrAbandoned)
	_, err = sess.Create(ctx, []types.ShareNumber{0})
	assert.ErrorIs(t, err, ErrAbandoned)
}

// stubUploader reports a share finished without the client ever having
// written all of it, as a server would after another client's upload.
type stubUploader struct {
	required []types.Range
	finished bool
	err      error
}

func (s *stubUploader) CreateImmutable(ctx context.Context, si types.StorageIndex, shares []types.ShareNumber, allocatedSize uint64, secrets types.Secrets) (types.ShareSet, error) {
	return types.ShareSet{Allocated: shares}, nil
}

func (s *stubUploader) WriteShareChunk(ctx context.Context, si types.StorageIndex, share types.ShareNumber, uploadSecret []byte, offset uint64, data []byte) (types.UploadProgress, error) {
	return types.UploadProgress{Finished: s.finished, Required: s.required}, s.err
}

func (s *stubUploader) ListShares(ctx context.Context, si types.StorageIndex) ([]types.ShareNumber, error) {
	return nil, s.err
}

func TestUploadCacheFollowsServerView(t *testing.T) {
	stub := &stubUploader{required: []types.Range{{Begin: 90, End: 100}}}
	sess := newTestSession(t, stub, "server-view", 100)
	ctx := context.Background()

	_, err := sess.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)

	progress, err := sess.WriteChunk(ctx, 0, 0, make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, []types.Range{{Begin: 90, End: 100}}, progress.Required)

	stub.err = errors.New("boom")
	_, err = sess.WriteChunk(ctx, 0, 90, make([]byte, 10))
	require.Error(t, err)
	assert.Error(t, sess.Resync(ctx))
	assert.Equal(t, []types.Range{{Begin: 90, End: 100}}, sess.Missing(0))
}

func TestUploadCacheReplacedByServerResponse(t *testing.T) {
	stub := &stubUploader{required: []types.Range{{Begin: 50, End: 100}}}
	sess := newTestSession(t, stub, "replaced", 100)
	ctx := context.Background()

	_, err := sess.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)

	progress, err := sess.WriteChunk(ctx, 0, 0, make([]byte, 50))
	require.NoError(t, err)
	assert.Equal(t, []types.Range{{Begin: 50, End: 100}}, progress.Required)

	// the server lost the data; a new allocation starts from nothing
	_, err = sess.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)
	assert.Equal(t, []types.Range{{Begin: 0, End: 100}}, sess.Missing(0))

	tests := []struct {
		name     string
		offset   uint64
		required []types.Range
		missing  []types.Range
	}{
		{"Written range reported present", 50, []types.Range{{Begin: 0, End: 50}}, []types.Range{{Begin: 0, End: 50}}},
		{"Server forgot written range", 0, []types.Range{{Begin: 0, End: 10}, {Begin: 50, End: 100}}, []types.Range{{Begin: 0, End: 10}, {Begin: 50, End: 100}}},
		{"Server needs everything", 10, []types.Range{{Begin: 0, End: 100}}, []types.Range{{Begin: 0, End: 100}}},
		{"Nothing required but not finished", 0, nil, []types.Range{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub.required = tt.required
			progress, err := sess.WriteChunk(ctx, 0, tt.offset, make([]byte, 10))
			require.NoError(t, err)
			assert.False(t, progress.Finished)
			assert.Equal(t, tt.missing, progress.Required)
			assert.Equal(t, tt.missing, sess.Missing(0))
			assert.Equal(t, StateUploading, sess.State())
		})
	}

	stub.required, stub.finished = nil, true
	progress, err = sess.WriteChunk(ctx, 0, 0, make([]byte, 10))
	require.NoError(t, err)
	assert.True(t, progress.Finished)
	assert.Equal(t, StateComplete, sess.State())
}

func TestUploadCompleteRequiresEveryRequestedShare(t *testing.T) {
	stub := &stubUploader{finished: true}
	sess := newTestSession(t, stub, "every-share", 10)
	ctx := context.Background()

	_, err := sess.Create(ctx, []types.ShareNumber{0})
	require.NoError(t, err)
	_, err = sess.WriteChunk(ctx, 0, 0, pattern(10))
	require.NoError(t, err)
	assert.Equal(t, StateComplete, sess.State())

	// asking for another share reopens the session until it is finished
	_, err = sess.Create(ctx, []types.ShareNumber{1})
	require.NoError(t, err)
	assert.Equal(t, StateUploading, sess.State())

	_, err = sess.WriteChunk(ctx, 1, 0, pattern(10))
	require.NoError(t, err)
	assert.Equal(t, StateComplete, sess.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "uploading", StateUploading.String())
	assert.Equal(t, "complete", StateComplete.String())
	assert.Equal(t, "abandoned", StateAbandoned.String())
	assert.Equal(t, "state(9)", State(9).String())
}
