package writeback

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/pmkol/replaycache/pkg/pool"
	"github.com/pmkol/replaycache/pkg/tag"
)

// On-disk layout of replay.log, all integers little-endian:
//
//	header  magic[8] | version u32 | tag_len u32 | marker u64 | flags u32 | crc32c(header[0:28]) u32
//	frame   body_len u32 | count u32 | flags u32 | crc32c(body) u32 | crc32c(frame[0:16]) u32 | body
//	body    count × (epoch u64 | tag[tag_len]), snappy block if frameFlagSnappy
//
// A frame is one committed batch. The header marker is the oldest retained
// epoch at the last compaction.
//
// Only the last frame may be torn: a partial frame header, a valid frame
// header whose body runs past EOF, or a body checksum mismatch on the last
// frame. Every other damage is ErrCorrupt.
const (
	LogFileName  = "replay.log"
	lockFileName = LogFileName + ".lock"

	logMagic        = "RTAGLOG1"
	logVersion      = 1
	headerSize      = 32
	frameHeaderSize = 20

	headerFlagMarker = 1 << 0
	frameFlagSnappy  = 1 << 0

	maxFrameRecords     = 1 << 16
	compactFrameRecords = 4096
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

type FileStorageOpts struct {
	// Dir holds replay.log and its lock file. Created if missing.
	Dir string

	// TagLength must match the length the log was created with.
	TagLength int

	// Compress snappy-compresses frame bodies. Logs written with and
	// without compression can be mixed.
	Compress bool

	// ReadOnly opens the log for inspection, also while another process
	// owns it. A torn tail is skipped but not truncated and writes fail.
	ReadOnly bool

	// Logger is the *zap.Logger for this storage.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *FileStorageOpts) Init() error {
	if len(opts.Dir) == 0 {
		return errors.New("empty storage dir")
	}
	if opts.TagLength <= 0 || opts.TagLength > tag.MaxSize {
		return fmt.Errorf("invalid tag length %d", opts.TagLength)
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// FileStorage is a Storage backed by a single append-only file. Each
// WriteBatch appends one frame and fsyncs. Compact rewrites the file into a
// temp file and atomically renames it over the log.
type FileStorage struct {
	opts FileStorageOpts
	path string
	lock *fileLock

	mu        sync.RWMutex
	f         *os.File // nil for a read-only storage without a log file
	end       int64    // end of the last committed frame
	marker    uint64
	hasMarker bool
	broken    error // set when a failed write could not be rolled back
	dirDirty  bool  // the last compaction rename is not synced yet
	closed    bool
}

var _ Storage = (*FileStorage)(nil)

// OpenFileStorage opens or creates the log in opts.Dir, validates it and
// truncates a torn final frame left by a crash mid-write.
func OpenFileStorage(opts FileStorageOpts) (*FileStorage, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	s := &FileStorage{
		opts: opts,
		path: filepath.Join(opts.Dir, LogFileName),
	}

	// A read-only storage takes no lock and sees the frames committed
	// before it was opened.
	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage dir, %w", err)
		}
		lock, err := lockFile(filepath.Join(opts.Dir, lockFileName))
		if err != nil {
			return nil, err
		}
		s.lock = lock
	}

	if err := s.load(); err != nil {
		s.lock.release()
		if s.f != nil {
			_ = s.f.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *FileStorage) load() error {
	flag := os.O_RDWR
	if s.opts.ReadOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(s.path, flag, 0)
	if errors.Is(err, os.ErrNotExist) {
		if s.opts.ReadOnly {
			return nil
		}
		if err := s.create(); err != nil {
			return err
		}
		f, err = os.OpenFile(s.path, flag, 0)
	}
	if err != nil {
		return fmt.Errorf("failed to open log, %w", err)
	}
	s.f = f

	if !s.opts.ReadOnly {
		s.removeTempFiles()
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log, %w", err)
	}
	size := info.Size()
	if size < headerSize {
		return fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupt, size)
	}

	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("failed to read log header, %w", err)
	}
	marker, hasMarker, err := decodeHeader(hdr, s.opts.TagLength)
	if err != nil {
		return err
	}
	s.marker, s.hasMarker = marker, hasMarker

	end, err := scanFrames(f, size, s.opts.TagLength)
	if err != nil {
		return err
	}
	s.end = end

	if end < size {
		s.opts.Logger.Warn("torn frame at log tail",
			zap.String("file", s.path),
			zap.Int64("valid_end", end),
			zap.Int64("size", size),
			zap.Bool("truncated", !s.opts.ReadOnly))
		if !s.opts.ReadOnly {
			if err := f.Truncate(end); err != nil {
				return fmt.Errorf("failed to truncate torn tail, %w", err)
			}
			if err := f.Sync(); err != nil {
				return fmt.Errorf("failed to sync truncated log, %w", err)
			}
		}
	}
	return nil
}

func (s *FileStorage) create() error {
	hdr := encodeHeader(s.opts.TagLength, 0, false)
	if err := atomic.WriteFile(s.path, bytes.NewReader(hdr)); err != nil {
		return fmt.Errorf("failed to create log, %w", err)
	}
	if err := syncDir(s.opts.Dir); err != nil {
		return err
	}
	s.opts.Logger.Info("created replay log", zap.String("file", s.path))
	return nil
}

// removeTempFiles deletes leftovers of a compaction interrupted before its
// rename. atomic.WriteFile names them after the log plus a random suffix.
func (s *FileStorage) removeTempFiles() {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == LogFileName || name == lockFileName || !strings.HasPrefix(name, LogFileName) {
			continue
		}
		p := filepath.Join(s.opts.Dir, name)
		if err := os.Remove(p); err == nil {
			s.opts.Logger.Info("removed stale compaction file", zap.String("file", p))
		}
	}
}

func (s *FileStorage) Marker() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marker, s.hasMarker
}

// Size returns the committed size of the log in bytes.
func (s *FileStorage) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.end
}

func (s *FileStorage) WriteBatch(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}

	buf := encodeFrames(recs, s.opts.TagLength, s.opts.Compress)
	defer buf.Release()
	return s.appendLocked(buf.Bytes())
}

func (s *FileStorage) writableLocked() error {
	switch {
	case s.closed:
		return ErrClosed
	case s.opts.ReadOnly:
		return errors.New("storage is read-only")
	case s.broken != nil:
		return fmt.Errorf("storage unusable after failed rollback, %w", s.broken)
	}
	return nil
}

// appendLocked writes b at the committed end and fsyncs. On failure the
// file is truncated back so the partial frame is never replayed.
func (s *FileStorage) appendLocked(b []byte) error {
	// A crash before the directory sync may bring the pre-compaction log
	// back, so nothing is committed until the rename is durable.
	if s.dirDirty {
		if err := syncDir(s.opts.Dir); err != nil {
			return err
		}
		s.dirDirty = false
	}

	_, err := s.f.WriteAt(b, s.end)
	if err == nil {
		err = s.f.Sync()
	}
	if err == nil {
		s.end += int64(len(b))
		return nil
	}

	rbErr := s.f.Truncate(s.end)
	if rbErr == nil {
		rbErr = s.f.Sync()
	}
	if rbErr != nil {
		s.broken = rbErr
		s.opts.Logger.Error("failed to roll back partial frame", zap.Error(rbErr))
		return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
	}
	return err
}

func (s *FileStorage) Replay() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			yield(Record{}, ErrClosed)
			return
		}
		s.replayLocked(yield)
	}
}

func (s *FileStorage) replayLocked(yield func(Record, error) bool) {
	if s.f == nil {
		return
	}

	tagLen := s.opts.TagLength
	recSize := 8 + tagLen
	r := bufio.NewReaderSize(io.NewSectionReader(s.f, headerSize, s.end-headerSize), 64*1024)

	var fh [frameHeaderSize]byte
	var body, raw []byte
	for {
		if _, err := io.ReadFull(r, fh[:]); err != nil {
			if err != io.EOF {
				yield(Record{}, fmt.Errorf("failed to read frame header, %w", err))
			}
			return
		}
		h, ok := decodeFrameHeader(fh[:])
		if !ok {
			yield(Record{}, fmt.Errorf("%w: frame header checksum mismatch", ErrCorrupt))
			return
		}

		body = growBytes(body, int(h.bodyLen))
		if _, err := io.ReadFull(r, body); err != nil {
			yield(Record{}, fmt.Errorf("failed to read frame body, %w", err))
			return
		}
		payload, err := decodeFrameBody(body, h, recSize, raw)
		if err != nil {
			yield(Record{}, err)
			return
		}
		raw = payload[:0]

		for i := 0; i < int(h.count); i++ {
			rec := payload[i*recSize : (i+1)*recSize]
			t, err := tag.New(rec[8:], tagLen)
			if err != nil {
				yield(Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err))
				return
			}
			if !yield(Record{Epoch: binary.LittleEndian.Uint64(rec[:8]), Tag: t}, nil) {
				return
			}
		}
	}
}

func (s *FileStorage) Compact(oldest uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}
	if s.hasMarker && oldest <= s.marker {
		return nil
	}

	pr, pw := io.Pipe()
	var kept, dropped int
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		var err error
		kept, dropped, err = s.writeCompactedLocked(pw, oldest)
		pw.CloseWithError(err)
	}()
	err := atomic.WriteFile(s.path, pr)
	pr.CloseWithError(errors.New("compaction aborted"))
	<-writerDone
	if err != nil {
		return fmt.Errorf("failed to rewrite log, %w", err)
	}

	// The compacted log is in place under s.path from here on, s.f must
	// follow it even if the rename is not durable yet.
	syncErr := syncDir(s.opts.Dir)

	nf, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		s.broken = err
		return fmt.Errorf("failed to reopen compacted log, %w", err)
	}
	info, err := nf.Stat()
	if err != nil {
		_ = nf.Close()
		s.broken = err
		return fmt.Errorf("failed to stat compacted log, %w", err)
	}
	_ = s.f.Close()
	s.f = nf
	s.end = info.Size()
	s.marker, s.hasMarker = oldest, true
	s.dirDirty = syncErr != nil
	if syncErr != nil {
		return syncErr
	}

	s.opts.Logger.Info("log compacted",
		zap.Uint64("oldest_retained", oldest),
		zap.Int("kept", kept),
		zap.Int("dropped", dropped),
		zap.Int64("size", s.end))
	return nil
}

// writeCompactedLocked streams the retained records into w as a new log.
// It only reads s.f, the caller holds s.mu.
func (s *FileStorage) writeCompactedLocked(w io.Writer, oldest uint64) (kept, dropped int, err error) {
	bw := bufio.NewWriterSize(w, 64*1024)
	if _, err := bw.Write(encodeHeader(s.opts.TagLength, oldest, true)); err != nil {
		return 0, 0, err
	}

	chunk := make([]Record, 0, compactFrameRecords)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		buf := encodeFrames(chunk, s.opts.TagLength, s.opts.Compress)
		_, err := bw.Write(buf.Bytes())
		buf.Release()
		chunk = chunk[:0]
		return err
	}

	var iterErr error
	s.replayLocked(func(r Record, err error) bool {
		if err != nil {
			iterErr = err
			return false
		}
		if r.Epoch < oldest {
			dropped++
			return true
		}
		kept++
		chunk = append(chunk, r)
		if len(chunk) == compactFrameRecords {
			if iterErr = flush(); iterErr != nil {
				return false
			}
		}
		return true
	})
	if iterErr != nil {
		return 0, 0, iterErr
	}
	if err := flush(); err != nil {
		return 0, 0, err
	}
	return kept, dropped, bw.Flush()
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.f != nil {
		err = s.f.Close()
	}
	s.lock.release()
	return err
}

// ---------------------------------------------------------------------------

func encodeHeader(tagLen int, marker uint64, hasMarker bool) []byte {
	b := make([]byte, headerSize)
	copy(b[:8], logMagic)
	binary.LittleEndian.PutUint32(b[8:12], logVersion)
	binary.LittleEndian.PutUint32(b[12:16], uint32(tagLen))
	binary.LittleEndian.PutUint64(b[16:24], marker)
	var flags uint32
	if hasMarker {
		flags |= headerFlagMarker
	}
	binary.LittleEndian.PutUint32(b[24:28], flags)
	binary.LittleEndian.PutUint32(b[28:32], crc32.Checksum(b[:28], crc32c))
	return b
}

func decodeHeader(b []byte, tagLen int) (marker uint64, hasMarker bool, err error) {
	if string(b[:8]) != logMagic {
		return 0, false, fmt.Errorf("%w: bad magic %q", ErrIncompatible, b[:8])
	}
	if crc32.Checksum(b[:28], crc32c) != binary.LittleEndian.Uint32(b[28:32]) {
		return 0, false, fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(b[8:12]); v != logVersion {
		return 0, false, fmt.Errorf("%w: version %d", ErrIncompatible, v)
	}
	if l := binary.LittleEndian.Uint32(b[12:16]); int(l) != tagLen {
		return 0, false, fmt.Errorf("%w: log tag length %d, configured %d", ErrIncompatible, l, tagLen)
	}
	flags := binary.LittleEndian.Uint32(b[24:28])
	if flags&^headerFlagMarker != 0 {
		return 0, false, fmt.Errorf("%w: unknown header flags %#x", ErrCorrupt, flags)
	}
	return binary.LittleEndian.Uint64(b[16:24]), flags&headerFlagMarker != 0, nil
}

type frameHeader struct {
	bodyLen uint32
	count   uint32
	flags   uint32
	sum     uint32
}

func putFrameHeader(b []byte, h frameHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.bodyLen)
	binary.LittleEndian.PutUint32(b[4:8], h.count)
	binary.LittleEndian.PutUint32(b[8:12], h.flags)
	binary.LittleEndian.PutUint32(b[12:16], h.sum)
	binary.LittleEndian.PutUint32(b[16:20], crc32.Checksum(b[:16], crc32c))
}

// decodeFrameHeader reports false if the header checksum does not match.
func decodeFrameHeader(b []byte) (frameHeader, bool) {
	h := frameHeader{
		bodyLen: binary.LittleEndian.Uint32(b[0:4]),
		count:   binary.LittleEndian.Uint32(b[4:8]),
		flags:   binary.LittleEndian.Uint32(b[8:12]),
		sum:     binary.LittleEndian.Uint32(b[12:16]),
	}
	return h, crc32.Checksum(b[:16], crc32c) == binary.LittleEndian.Uint32(b[16:20])
}

// maxBodyLen bounds body_len of a valid frame.
func maxBodyLen(recSize int) int64 {
	n := maxFrameRecords * recSize
	return int64(max(n, snappy.MaxEncodedLen(n)))
}

// decodeFrameBody verifies a frame body and returns the raw records,
// decompressing into dst if needed.
func decodeFrameBody(body []byte, h frameHeader, recSize int, dst []byte) ([]byte, error) {
	if crc32.Checksum(body, crc32c) != h.sum {
		return nil, fmt.Errorf("%w: frame checksum mismatch", ErrCorrupt)
	}
	count, flags := h.count, h.flags
	if count == 0 || count > maxFrameRecords {
		return nil, fmt.Errorf("%w: invalid frame record count %d", ErrCorrupt, count)
	}
	if flags&^frameFlagSnappy != 0 {
		return nil, fmt.Errorf("%w: unknown frame flags %#x", ErrCorrupt, flags)
	}
	want := int(count) * recSize
	if flags&frameFlagSnappy == 0 {
		if len(body) != want {
			return nil, fmt.Errorf("%w: frame body %d bytes, want %d", ErrCorrupt, len(body), want)
		}
		return body, nil
	}
	n, err := snappy.DecodedLen(body)
	if err != nil || n != want {
		return nil, fmt.Errorf("%w: bad compressed frame", ErrCorrupt)
	}
	raw, err := snappy.Decode(growBytes(dst, n), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return raw, nil
}

// scanFrames validates every frame after the header and returns the end of
// the last intact one. A torn last frame ends the scan, any other damage is
// ErrCorrupt.
func scanFrames(f io.ReaderAt, size int64, tagLen int) (int64, error) {
	recSize := 8 + tagLen
	off := int64(headerSize)
	var fh [frameHeaderSize]byte
	var body, raw []byte
	for off < size {
		if size-off < frameHeaderSize {
			return off, nil
		}
		if _, err := f.ReadAt(fh[:], off); err != nil {
			return 0, fmt.Errorf("failed to read frame header at %d, %w", off, err)
		}
		h, ok := decodeFrameHeader(fh[:])
		if !ok {
			torn, err := zeroTail(f, off+frameHeaderSize, size)
			if err != nil {
				return 0, err
			}
			if torn {
				return off, nil
			}
			return 0, fmt.Errorf("%w: frame header checksum mismatch at offset %d", ErrCorrupt, off)
		}
		if int64(h.bodyLen) > maxBodyLen(recSize) {
			return 0, fmt.Errorf("%w: frame at offset %d has body length %d", ErrCorrupt, off, h.bodyLen)
		}
		end := off + frameHeaderSize + int64(h.bodyLen)
		if end > size {
			return off, nil
		}

		body = growBytes(body, int(h.bodyLen))
		if _, err := f.ReadAt(body, off+frameHeaderSize); err != nil {
			return 0, fmt.Errorf("failed to read frame at %d, %w", off, err)
		}
		if crc32.Checksum(body, crc32c) != h.sum && end == size {
			return off, nil
		}
		payload, err := decodeFrameBody(body, h, recSize, raw)
		if err != nil {
			return 0, fmt.Errorf("frame at offset %d: %w", off, err)
		}
		raw = payload[:0]
		off = end
	}
	return off, nil
}

// zeroTail reports whether f holds only zero bytes in [off, size), as left
// by a write whose data never reached the disk.
func zeroTail(f io.ReaderAt, off, size int64) (bool, error) {
	var buf [4096]byte
	for off < size {
		n := int(min(int64(len(buf)), size-off))
		if _, err := f.ReadAt(buf[:n], off); err != nil {
			return false, fmt.Errorf("failed to read log tail at %d, %w", off, err)
		}
		for _, c := range buf[:n] {
			if c != 0 {
				return false, nil
			}
		}
		off += int64(n)
	}
	return true, nil
}

// encodeFrames encodes recs as one frame per maxFrameRecords records.
func encodeFrames(recs []Record, tagLen int, compress bool) *pool.Buffer {
	recSize := 8 + tagLen
	nFrames := (len(recs) + maxFrameRecords - 1) / maxFrameRecords

	maxBody := len(recs) * recSize
	if compress {
		maxBody = nFrames * snappy.MaxEncodedLen(min(len(recs), maxFrameRecords)*recSize)
	}
	out := pool.GetBuf(nFrames*frameHeaderSize + maxBody)
	b := out.Bytes()

	raw := pool.GetBuf(min(len(recs), maxFrameRecords) * recSize)
	defer raw.Release()

	n := 0
	for len(recs) > 0 {
		chunk := recs[:min(len(recs), maxFrameRecords)]
		recs = recs[len(chunk):]

		body := raw.Bytes()[:len(chunk)*recSize]
		for i, r := range chunk {
			rec := body[i*recSize:]
			binary.LittleEndian.PutUint64(rec[:8], r.Epoch)
			copy(rec[8:recSize], r.Tag.Key())
		}

		var flags uint32
		if compress {
			body = snappy.Encode(b[n+frameHeaderSize:cap(b)], body)
			flags |= frameFlagSnappy
		} else {
			copy(b[n+frameHeaderSize:], body)
		}

		putFrameHeader(b[n:n+frameHeaderSize], frameHeader{
			bodyLen: uint32(len(body)),
			count:   uint32(len(chunk)),
			flags:   flags,
			sum:     crc32.Checksum(body, crc32c),
		})
		n += frameHeaderSize + len(body)
	}
	out.SetLen(n)
	return out
}

func growBytes(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	return make([]byte, n)
}

var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir %s, %w", dir, err)
	}
	syncErr := d.Sync()
	closeErr := d.Close()
	if syncErr != nil || closeErr != nil {
		return fmt.Errorf("failed to sync dir %s, %w", dir, errors.Join(syncErr, closeErr))
	}
	return nil
}
