// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package seqnum

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
)

const (
	recordLen = KeyLen + 8
	// DefaultSegmentLimit rolls the active append segment at 128 MiB.
	DefaultSegmentLimit = 128 << 20

	segmentPrefix = "seqnum-"
	segmentExt    = ".bin"
)

var (
	// ErrJournal marks a shard that fail-stopped after a failed append; it
	// refuses further increments rather than risk issuing an unpersisted
	// value.
	ErrJournal = errors.New("seqnum: journal failed, shard stopped")
	// ErrClosed is returned once the store is shut down.
	ErrClosed = errors.New("seqnum: store closed")
)

// Store is the sharded counter store. Requests are routed by key hash to a
// shard whose single goroutine owns its slice of the map and its own append
// segment, so no locking crosses shards.
type Store struct {
	dir    string
	shards []*shard
}

type request struct {
	key  Key
	resp chan response
}

type response struct {
	val uint64
	err error
}

type shard struct {
	idx      int
	dir      string
	segLimit int64

	counters map[Key]*atomic.Uint64
	reqs     chan request
	stop     chan struct{}
	dead     chan struct{}

	file    *os.File
	written int64
	fileSeq int
	stride  int
}

// Open loads every segment under dir, rebuilds the counters, and starts one
// goroutine per shard. shards <= 0 means one per core; segLimit <= 0 uses
// DefaultSegmentLimit.
func Open(dir string, shards int, segLimit int64) (*Store, error) {
	if shards <= 0 {
		shards = runtime.GOMAXPROCS(0)
	}
	if segLimit <= 0 {
		segLimit = DefaultSegmentLimit
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "seqnum: create append dir")
	}

	recovered, maxFileSeq, err := loadDir(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{dir: dir, shards: make([]*shard, shards)}
	for i := 0; i < shards; i++ {
		sh := &shard{
			idx:      i,
			dir:      dir,
			segLimit: segLimit,
			counters: make(map[Key]*atomic.Uint64),
			reqs:     make(chan request, 256),
			stop:     make(chan struct{}),
			dead:     make(chan struct{}),
			fileSeq:  maxFileSeq + 1 + i,
			stride:   shards,
		}
		s.shards[i] = sh
	}
	for key, last := range recovered {
		sh := s.shards[s.shardOf(key)]
		c := new(atomic.Uint64)
		c.Store(last)
		sh.counters[key] = c
	}
	for _, sh := range s.shards {
		if err := sh.openSegment(); err != nil {
			return nil, err
		}
		go sh.loop()
	}
	return s, nil
}

func (s *Store) shardOf(key Key) int {
	return int(xxhash.Checksum64(key[:]) % uint64(len(s.shards)))
}

// Next issues the next sequence number for key and journals it before
// replying, so an issued value is never lost to a clean restart.
func (s *Store) Next(key Key) (uint64, error) {
	sh := s.shards[s.shardOf(key)]
	req := request{key: key, resp: make(chan response, 1)}
	select {
	case sh.reqs <- req:
	case <-sh.dead:
		select {
		case <-sh.stop:
			return 0, ErrClosed
		default:
			return 0, ErrJournal
		}
	case <-sh.stop:
		return 0, ErrClosed
	}
	select {
	case r := <-req.resp:
		return r.val, r.err
	case <-sh.dead:
		select {
		case <-sh.stop:
			return 0, ErrClosed
		default:
			return 0, ErrJournal
		}
	}
}

// Current reports the last issued value for key without advancing it. The
// counter map is written only by the shard loop, so this read is for
// quiesced stores (tests, shutdown accounting), not the hot path.
func (s *Store) Current(key Key) uint64 {
	sh := s.shards[s.shardOf(key)]
	if c, ok := sh.counters[key]; ok {
		return c.Load()
	}
	return 0
}

// Close stops every shard and syncs the active segments.
func (s *Store) Close() {
	for _, sh := range s.shards {
		select {
		case <-sh.stop:
		case <-sh.dead:
		default:
			close(sh.stop)
		}
	}
	for _, sh := range s.shards {
		<-sh.dead
	}
}

func (sh *shard) loop() {
	defer func() {
		if sh.file != nil {
			sh.file.Sync()
			sh.file.Close()
		}
		close(sh.dead)
	}()
	for {
		select {
		case <-sh.stop:
			return
		case req := <-sh.reqs:
			c, ok := sh.counters[req.key]
			if !ok {
				c = new(atomic.Uint64)
				sh.counters[req.key] = c
			}
			val := c.Add(1)
			if err := sh.journal(req.key, val); err != nil {
				log.Printf("seqnum: shard %d journal error: %+v", sh.idx, err)
				req.resp <- response{err: ErrJournal}
				return
			}
			req.resp <- response{val: val}
		}
	}
}

func (sh *shard) segmentName() string {
	return filepath.Join(sh.dir, fmt.Sprintf("%s%06d%s", segmentPrefix, sh.fileSeq, segmentExt))
}

func (sh *shard) openSegment() error {
	f, err := os.OpenFile(sh.segmentName(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrapf(err, "seqnum: open segment %s", sh.segmentName())
	}
	sh.file = f
	sh.written = 0
	return nil
}

func (sh *shard) journal(key Key, val uint64) error {
	if sh.written >= sh.segLimit {
		if err := sh.file.Sync(); err != nil {
			return errors.Wrap(err, "sync segment")
		}
		if err := sh.file.Close(); err != nil {
			return errors.Wrap(err, "close segment")
		}
		sh.fileSeq += sh.stride
		if err := sh.openSegment(); err != nil {
			return err
		}
	}
	var rec [recordLen]byte
	copy(rec[:KeyLen], key[:])
	binary.BigEndian.PutUint64(rec[KeyLen:], val)
	if _, err := sh.file.Write(rec[:]); err != nil {
		return errors.Wrap(err, "append record")
	}
	sh.written += recordLen
	return nil
}

// loadDir scans every seqnum segment and folds the records into the highest
// value seen per key. A trailing torn record is ignored. Also reports the
// highest segment index so new segments never collide with old names.
func loadDir(dir string) (map[Key]uint64, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, errors.Wrap(err, "seqnum: read append dir")
	}
	recovered := make(map[Key]uint64)
	maxFileSeq := -1
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) {
			continue
		}
		if seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentExt)); err == nil && seq > maxFileSeq {
			maxFileSeq = seq
		}
		if err := loadSegment(filepath.Join(dir, name), recovered); err != nil {
			return nil, 0, err
		}
	}
	return recovered, maxFileSeq, nil
}

func loadSegment(path string, into map[Key]uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "seqnum: open %s", path)
	}
	defer f.Close()
	var rec [recordLen]byte
	for {
		if _, err := io.ReadFull(f, rec[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// torn tail from a crash mid-append
				return nil
			}
			return errors.Wrapf(err, "seqnum: read %s", path)
		}
		var key Key
		copy(key[:], rec[:KeyLen])
		val := binary.BigEndian.Uint64(rec[KeyLen:])
		if val > into[key] {
			into[key] = val
		}
	}
}
