package types

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// StorageIndexSize is the length in bytes of every storage index.
const StorageIndexSize = 16

// SecretSize is the length of secrets generated by NewUploadSecrets.
const SecretSize = 32

var siEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// StorageIndex identifies the share set of one logical file.
type StorageIndex []byte

// String returns the lowercase, unpadded base32 form used in URL paths.
func (si StorageIndex) String() string {
	return strings.ToLower(siEncoding.EncodeToString(si))
}

// Validate checks the storage index length.
func (si StorageIndex) Validate() error {
	if len(si) != StorageIndexSize {
		return fmt.Errorf("invalid storage index length %d (expected %d)", len(si), StorageIndexSize)
	}
	return nil
}

// ParseStorageIndex decodes the textual form produced by String.
func ParseStorageIndex(s string) (StorageIndex, error) {
	raw, err := siEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode storage index %q: %w", s, err)
	}
	si := StorageIndex(raw)
	if err := si.Validate(); err != nil {
		return nil, err
	}
	return si, nil
}

// ServerID is the stable, opaque identifier of a storage server.
type ServerID []byte

func (id ServerID) String() string {
	return hex.EncodeToString(id)
}

// ServerIdentity is what the discovery layer knows about one server.
type ServerIdentity struct {
	ID       ServerID
	Nickname string
	URL      string // NURL: pb://<cert-hash>@<host:port>/<swissnum>#v=1
}

// Name returns the nickname, or the hex ID when no nickname is set.
func (s ServerIdentity) Name() string {
	if s.Nickname != "" {
		return s.Nickname
	}
	return s.ID.String()
}

type ShareNumber uint16

// ShareSet is the server's answer to an immutable create request.
type ShareSet struct {
	AlreadyHave []ShareNumber
	Allocated   []ShareNumber
}

// Secrets carries the per-upload capabilities. A nil field is not sent.
type Secrets struct {
	LeaseRenew  []byte
	LeaseCancel []byte
	Upload      []byte
}

// NewUploadSecrets generates fresh random secrets for one upload.
func NewUploadSecrets() (Secrets, error) {
	var s Secrets
	for _, dst := range []*[]byte{&s.LeaseRenew, &s.LeaseCancel, &s.Upload} {
		buf := make([]byte, SecretSize)
		if _, err := rand.Read(buf); err != nil {
			return Secrets{}, fmt.Errorf("failed to generate secret: %w", err)
		}
		*dst = buf
	}
	return s, nil
}

// Range is a half-open byte interval [Begin, End).
type Range struct {
	Begin uint64 `cbor:"begin"`
	End   uint64 `cbor:"end"`
}

func (r Range) Len() uint64 {
	if r.End <= r.Begin {
		return 0
	}
	return r.End - r.Begin
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Begin, r.End)
}

// UploadProgress is a snapshot of what the server still needs for a share.
type UploadProgress struct {
	Finished bool
	Required []Range
}

// SortShares sorts share numbers ascending and drops duplicates.
func SortShares(shares []ShareNumber) []ShareNumber {
	out := make([]ShareNumber, len(shares))
	copy(out, shares)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, s := range out {
		if i > 0 && s == out[n-1] {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}

// CompareIDs orders server IDs by their raw bytes.
func CompareIDs(a, b ServerID) int {
	return bytes.Compare(a, b)
}
