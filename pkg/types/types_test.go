package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageIndexString(t *testing.T) {
	si := make(StorageIndex, StorageIndexSize)
	for i := range si {
		si[i] = byte(i * 17)
	}

	s := si.String()
	assert.Len(t, s, 26)
	assert.Equal(t, strings.ToLower(s), s)
	assert.NotContains(t, s, "=")

	parsed, err := ParseStorageIndex(s)
	require.NoError(t, err)
	assert.Equal(t, si, parsed)

	upper, err := ParseStorageIndex("  " + "AAAAAAAAAAAAAAAAAAAAAAAAAA" + " ")
	require.NoError(t, err)
	assert.Equal(t, make(StorageIndex, StorageIndexSize), upper)
}

func TestParseStorageIndexErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"Empty", ""},
		{"Not base32", "0189!!"},
		{"Too short", "aaaa"},
		{"Padded", "aaaaaaaaaaaaaaaaaaaaaaaaaa======"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStorageIndex(tt.input)
			assert.Error(t, err)
		})
	}

	assert.Error(t, StorageIndex("short").Validate())
}

func TestServerIdentityName(t *testing.T) {
	id := ServerIdentity{ID: ServerID{0xab, 0x01}}
	assert.Equal(t, "ab01", id.Name())

	id.Nickname = "alice"
	assert.Equal(t, "alice", id.Name())
}

func TestNewUploadSecrets(t *testing.T) {
	a, err := NewUploadSecrets()
	require.NoError(t, err)
	b, err := NewUploadSecrets()
	require.NoError(t, err)

	assert.Len(t, a.Upload, SecretSize)
	assert.Len(t, a.LeaseRenew, SecretSize)
	assert.Len(t, a.LeaseCancel, SecretSize)
	assert.NotEqual(t, a.Upload, b.Upload)
	assert.NotEqual(t, a.Upload, a.LeaseRenew)
}

func TestRange(t *testing.T) {
	assert.Equal(t, uint64(10), Range{Begin: 5, End: 15}.Len())
	assert.Zero(t, Range{Begin: 5, End: 5}.Len())
	assert.Zero(t, Range{Begin: 9, End: 5}.Len())
	assert.Equal(t, "[5, 15)", Range{Begin: 5, End: 15}.String())
}

func TestSortShares(t *testing.T) {
	in := []ShareNumber{5, 1, 5, 3, 1}
	assert.Equal(t, []ShareNumber{1, 3, 5}, SortShares(in))
	assert.Equal(t, []ShareNumber{5, 1, 5, 3, 1}, in, "input is not modified")
	assert.Empty(t, SortShares(nil))
}

func TestCompareIDs(t *testing.T) {
	assert.Negative(t, CompareIDs(ServerID{1}, ServerID{2}))
	assert.Positive(t, CompareIDs(ServerID{1, 0}, ServerID{1}))
	assert.Zero(t, CompareIDs(ServerID{7}, ServerID{7}))
}
