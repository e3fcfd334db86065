// Package storagetest provides an in-memory storage server speaking the
// immutable-share HTTP API, for use in tests.
package storagetest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"storagegrid/pkg/ranges"
	"storagegrid/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// Misbehavior makes the server answer reads incorrectly.
type Misbehavior int

const (
	Honest Misbehavior = iota
	FullContent          // 200 with the whole share instead of 206
	ShiftedRange         // 206 but starting one byte late
	ShortBody            // 206 with one byte missing
)

type share struct {
	data      []byte
	received  *ranges.Set
	secret    []byte
	complete  bool
	allocated uint64
}

// Server is a fake storage server. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	Swissnum []byte

	mu          sync.Mutex
	buckets     map[string]map[types.ShareNumber]*share
	requests    map[string]int
	failNext    map[string][]int
	dropNext    map[string]int
	misbehavior Misbehavior
	lastHeaders http.Header
	maxSize     uint64
}

// NewServer starts a plain-HTTP fake server. Close it when done.
func NewServer(swissnum []byte) *Server {
	s := &Server{
		Swissnum: swissnum,
		buckets:  make(map[string]map[types.ShareNumber]*share),
		requests: make(map[string]int),
		failNext: make(map[string][]int),
		dropNext: make(map[string]int),
		maxSize:  1 << 30,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("POST /v1/immutable/{si}", s.handleCreate)
	mux.HandleFunc("PATCH /v1/immutable/{si}/{share}", s.handleWrite)
	mux.HandleFunc("GET /v1/immutable/{si}/shares", s.handleList)
	mux.HandleFunc("GET /v1/immutable/{si}/{share}", s.handleRead)

	s.Server = httptest.NewServer(s.intercept(mux))
	return s
}

// FailNext makes the next request for op ("version", "create", "write",
// "read", "list") answer with status instead of being handled.
func (s *Server) FailNext(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], status)
}

// DropNext closes the connection without a response for the next request
// for op, after the request body has been consumed.
func (s *Server) DropNext(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext[op]++
}

func (s *Server) SetMisbehavior(m Misbehavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misbehavior = m
}

// Requests returns how many requests for op reached the server.
func (s *Server) Requests(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// LastHeaders returns the headers of the most recent request.
func (s *Server) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders.Clone()
}

// PutShare stores a complete share directly, bypassing the upload API.
func (s *Server) PutShare(si types.StorageIndex, num types.ShareNumber, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	received := &ranges.Set{}
	received.Add(0, uint64(len(data)))
	s.bucket(si.String())[num] = &share{
		data:      append([]byte(nil), data...),
		received:  received,
		complete:  true,
		allocated: uint64(len(data)),
	}
}

// ShareData returns the stored bytes of a share, complete or not.
func (s *Server) ShareData(si types.StorageIndex, num types.ShareNumber) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.bucket(si.String())[num]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), sh.data...), true
}

func (s *Server) bucket(si string) map[types.ShareNumber]*share {
	b, ok := s.buckets[si]
	if !ok {
		b = make(map[types.ShareNumber]*share)
		s.buckets[si] = b
	}
	return b
}

func opFor(r *http.Request) string {
	switch {
	case r.URL.Path == "/v1/version":
		return "version"
	case r.Method == http.MethodPost:
		return "create"
	case r.Method == http.MethodPatch:
		return "write"
	case strings.HasSuffix(r.URL.Path, "/shares"):
		return "list"
	default:
		return "read"
	}
}

// intercept checks the bearer token and applies injected failures.
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := opFor(r)

		s.mu.Lock()
		s.requests[op]++
		s.lastHeaders = r.Header.Clone()
		var injected int
		drop := s.dropNext[op] > 0
		if drop {
			s.dropNext[op]--
		} else if queue := s.failNext[op]; len(queue) > 0 {
			injected, s.failNext[op] = queue[0], queue[1:]
		}
		s.mu.Unlock()

		expected := "Tahoe-LAFS " + base64.StdEncoding.EncodeToString(s.Swissnum)
		if r.Header.Get("Authorization") != expected {
			http.Error(w, "bad swissnum", http.StatusUnauthorized)
			return
		}

		if drop {
			_, _ = io.Copy(io.Discard, r.Body)
			hj, ok := w.(http.Hijacker)
			if !ok {
				http.Error(w, "cannot hijack", http.StatusInternalServerError)
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		if injected != 0 {
			_, _ = io.Copy(io.Discard, r.Body)
			http.Error(w, "injected failure", injected)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// secrets parses the X-Tahoe-Authorization headers into role -> value.
func secrets(r *http.Request) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, v := range r.Header.Values("X-Tahoe-Authorization") {
		role, encoded, ok := strings.Cut(v, " ")
		if !ok {
			return nil, fmt.Errorf("malformed secret header %q", v)
		}
		value, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("malformed secret value for %s", role)
		}
		out[role] = value
	}
	return out, nil
}

func writeCBOR(w http.ResponseWriter, status int, v interface{}) {
	data, err := cbor.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeCBOR(w, http.StatusOK, map[string]interface{}{
		"http://allmydata.org/tahoe/protocols/storage/v1": map[string]interface{}{
			"maximum-immutable-share-size":     s.maxSize,
			"maximum-mutable-share-size":       s.maxSize,
			"available-space":                  s.maxSize,
			"tolerates-immutable-read-overrun": true,
			"fills-holes-with-zero-bytes":      true,
		},
		"application-version": "storagetest/1.0",
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	sec, err := secrets(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, role := range []string{"lease-renew-secret", "lease-cancel-secret", "upload-secret"} {
		if len(sec[role]) == 0 {
			http.Error(w, "missing "+role, http.StatusBadRequest)
			return
		}
	}

	var req struct {
		ShareNumbers  []types.ShareNumber `cbor:"share-numbers"`
		AllocatedSize uint64              `cbor:"allocated-size"`
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || cbor.Unmarshal(body, &req) != nil {
		http.Error(w, "invalid CBOR body", http.StatusBadRequest)
		return
	}
	if req.AllocatedSize > s.maxSize {
		http.Error(w, "share too large", http.StatusRequestEntityTooLarge)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(r.PathValue("si"))
	alreadyHave := []types.ShareNumber{}
	allocated := []types.ShareNumber{}
	for _, num := range req.ShareNumbers {
		existing, ok := b[num]
		switch {
		case ok && existing.complete:
			alreadyHave = append(alreadyHave, num)
		case ok && bytes.Equal(existing.secret, sec["upload-secret"]):
			allocated = append(allocated, num)
		case ok:
			// in progress under a different upload; not offered to this one
		default:
			b[num] = &share{
				data:      make([]byte, req.AllocatedSize),
				received:  &ranges.Set{},
				secret:    sec["upload-secret"],
				allocated: req.AllocatedSize,
			}
			allocated = append(allocated, num)
		}
	}

	writeCBOR(w, http.StatusCreated, map[string]interface{}{
		"already-have": alreadyHave,
		"allocated":    allocated,
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.ParseUint(r.PathValue("share"), 10, 16)
	if err != nil {
		http.Error(w, "invalid share number", http.StatusBadRequest)
		return
	}
	sec, err := secrets(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	begin, end, ok := parseContentRange(r.Header.Get("Content-Range"))
	if !ok {
		http.Error(w, "invalid Content-Range", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil || uint64(len(data)) != end-begin {
		http.Error(w, "body does not match Content-Range", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.bucket(r.PathValue("si"))[types.ShareNumber(num)]
	if !ok {
		http.Error(w, "share not allocated", http.StatusNotFound)
		return
	}
	if sh.complete {
		http.Error(w, "share already complete", http.StatusConflict)
		return
	}
	if !bytes.Equal(sh.secret, sec["upload-secret"]) {
		http.Error(w, "wrong upload secret", http.StatusUnauthorized)
		return
	}
	if end > sh.allocated {
		http.Error(w, "write past allocated size", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	// bytes already received must not change
	for _, have := range sh.received.Ranges() {
		lo, hi := max(have.Begin, begin), min(have.End, end)
		if lo < hi && !bytes.Equal(sh.data[lo:hi], data[lo-begin:hi-begin]) {
			http.Error(w, "conflicting data for already written range", http.StatusConflict)
			return
		}
	}

	copy(sh.data[begin:end], data)
	sh.received.Add(begin, end)

	status := http.StatusOK
	if sh.received.IsCovered(sh.allocated) {
		sh.complete = true
		status = http.StatusCreated
	}
	writeCBOR(w, status, map[string]interface{}{
		"required": sh.received.Missing(sh.allocated),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	complete := []types.ShareNumber{}
	for num, sh := range s.bucket(r.PathValue("si")) {
		if sh.complete {
			complete = append(complete, num)
		}
	}
	sort.Slice(complete, func(i, j int) bool { return complete[i] < complete[j] })
	writeCBOR(w, http.StatusOK, complete)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.ParseUint(r.PathValue("share"), 10, 16)
	if err != nil {
		http.Error(w, "invalid share number", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sh, ok := s.bucket(r.PathValue("si"))[types.ShareNumber(num)]
	var data []byte
	if ok && sh.complete {
		data = append([]byte(nil), sh.data...)
	}
	misbehavior := s.misbehavior
	s.mu.Unlock()

	if data == nil {
		http.Error(w, "no such share", http.StatusNotFound)
		return
	}

	begin, end, ok := parseRange(r.Header.Get("Range"))
	if !ok || misbehavior == FullContent {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	size := uint64(len(data))
	if begin >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end > size {
		end = size
	}

	switch misbehavior {
	case ShiftedRange:
		if end < size {
			begin, end = begin+1, end+1
		}
	case ShortBody:
		end--
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", begin, end-1, size))
	if misbehavior == ShortBody {
		// claim the requested range but send one byte less
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", begin, end, size))
	}
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data[begin:end])
}

// parseContentRange parses "bytes a-b/*" into [a, b+1).
func parseContentRange(v string) (uint64, uint64, bool) {
	spec, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, false
	}
	spec, _, _ = strings.Cut(spec, "/")
	return parseSpan(spec)
}

// parseRange parses "bytes=a-b" into [a, b+1).
func parseRange(v string) (uint64, uint64, bool) {
	spec, ok := strings.CutPrefix(v, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	return parseSpan(spec)
}

func parseSpan(spec string) (uint64, uint64, bool) {
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false
	}
	b, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	l, err := strconv.ParseUint(last, 10, 64)
	if err != nil || l < b {
		return 0, 0, false
	}
	return b, l + 1, true
}
