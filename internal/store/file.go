package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

const logFileName = "messages.log"

// FileFactory keeps each session in its own directory under a root:
// messages.log holds checksummed records and seqnums.json the counters.
type FileFactory struct {
	dir string

	mu   sync.Mutex
	open map[string]bool
}

func NewFileFactory(dir string) (*FileFactory, error) {
	if dir == "" {
		return nil, exception.ErrStoreEmptyDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Durable(err, "create store root")
	}
	return &FileFactory{dir: dir, open: make(map[string]bool)}, nil
}

// LogPath is where the file store keeps id's message log under root.
func LogPath(root string, id schema.SessionID) string {
	return filepath.Join(root, id.Key(), logFileName)
}

// SessionDir returns the directory that holds id's files.
func (f *FileFactory) SessionDir(id schema.SessionID) string {
	return filepath.Join(f.dir, id.Key())
}

func (f *FileFactory) Open(_ context.Context, id schema.SessionID) (Store, error) {
	key := id.Key()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open[key] {
		return nil, exception.ErrStoreInUse
	}

	s, err := OpenFile(filepath.Join(f.dir, key))
	if err != nil {
		return nil, err
	}
	s.release = func() {
		f.mu.Lock()
		delete(f.open, key)
		f.mu.Unlock()
	}
	f.open[key] = true
	return s, nil
}

func (f *FileFactory) Close() error {
	return nil
}

type logEntry struct {
	offset  int64
	size    int
	seq     uint64
	sentAt  time.Time
	possDup bool
}

// FileStore is a single-session store in one directory.
type FileStore struct {
	dir     string
	release func()

	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	size      int64
	header    fileHeader
	index     map[uint64]logEntry
	headerBuf []byte
	closed    bool
}

// OpenFile opens or creates the store in dir, truncating a torn final record.
func OpenFile(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, exception.ErrStoreEmptyDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Durable(err, "create session dir")
	}

	header, ok, err := readHeader(dir)
	if err != nil {
		return nil, Durable(err, "read "+headerFileName)
	}
	if !ok {
		st := schema.InitialSeqState(time.Now())
		header = fileHeader{NextOutgoing: st.NextOutgoing, NextIncoming: st.NextIncoming, CreatedAt: st.CreatedAt}
		if err := writeHeader(dir, header); err != nil {
			return nil, Durable(err, "write "+headerFileName)
		}
	}

	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, Durable(err, "open "+logFileName)
	}
	s := &FileStore{
		dir:       dir,
		file:      file,
		header:    header,
		index:     make(map[uint64]logEntry),
		headerBuf: make([]byte, recordHeaderSize),
	}
	if err := s.load(); err != nil {
		_ = file.Close()
		return nil, err
	}
	s.buf = bufio.NewWriterSize(file, 64*1024)
	return s, nil
}

func (s *FileStore) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return Durable(err, "stat "+logFileName)
	}
	fileSize := info.Size()

	if s.header.MessagesFrom > fileSize || s.header.CountedFrom > fileSize {
		// A reset truncated the log but did not finish rewriting the header.
		s.header.MessagesFrom, s.header.CountedFrom = 0, 0
		if err := writeHeader(s.dir, s.header); err != nil {
			return Durable(err, "write "+headerFileName)
		}
	}

	r := NewReader(io.NewSectionReader(s.file, 0, fileSize))
	for {
		off := r.Offset()
		msg, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !isTornTail(err, off, len(msg.Raw), fileSize) {
				return Durable(errors.Wrap(err, logFileName), "load")
			}
			logs.Errorf("store %s: truncating torn record at offset %d, err: %+v", s.dir, off, err)
			if err := s.file.Truncate(off); err != nil {
				return Durable(err, "truncate torn record")
			}
			if err := s.file.Sync(); err != nil {
				return Durable(err, "sync after truncate")
			}
			fileSize = off
			break
		}

		if off >= s.header.MessagesFrom {
			s.index[msg.SeqNum] = logEntry{
				offset:  off,
				size:    len(msg.Raw),
				seq:     msg.SeqNum,
				sentAt:  msg.SentAt,
				possDup: msg.PossDup,
			}
		}
		if off >= s.header.CountedFrom && msg.SeqNum+1 > s.header.NextOutgoing {
			s.header.NextOutgoing = msg.SeqNum + 1
		}
	}

	if _, err := s.file.Seek(fileSize, io.SeekStart); err != nil {
		return Durable(err, "seek "+logFileName)
	}
	s.size = fileSize
	return nil
}

// isTornTail reports whether a read failure can only be a partially written
// final record.
func isTornTail(err error, off int64, payloadLen int, fileSize int64) bool {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, exception.ErrStoreChecksum):
		return off+recordSize(payloadLen) >= fileSize
	case errors.Is(err, exception.ErrStoreCorruptRecord):
		return fileSize-off < recordHeaderSize
	}
	return false
}

func (s *FileStore) Append(_ context.Context, msg schema.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrStoreClosed
	}
	if msg.SeqNum != s.header.NextOutgoing {
		return exception.ErrStoreSeqOutOfOrder
	}
	if len(msg.Raw) > maxRecordPayload {
		return exception.ErrStorePayloadTooLarge
	}

	encodeHeader(s.headerBuf, msg)
	var checksumBuf [recordChecksumSize]byte
	binary.LittleEndian.PutUint32(checksumBuf[:], checksum(s.headerBuf, msg.Raw))

	if err := s.write(s.headerBuf, msg.Raw, checksumBuf[:]); err != nil {
		s.rollback()
		return Durable(err, "append")
	}

	s.index[msg.SeqNum] = logEntry{
		offset:  s.size,
		size:    len(msg.Raw),
		seq:     msg.SeqNum,
		sentAt:  msg.SentAt.UTC(),
		possDup: msg.PossDup,
	}
	s.size += recordSize(len(msg.Raw))
	s.header.NextOutgoing = msg.SeqNum + 1
	return nil
}

func (s *FileStore) write(parts ...[]byte) error {
	for _, p := range parts {
		if _, err := s.buf.Write(p); err != nil {
			return err
		}
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// rollback drops a partially written record so the log stays parseable.
func (s *FileStore) rollback() {
	s.buf.Reset(s.file)
	if err := s.file.Truncate(s.size); err != nil {
		logs.Errorf("store %s: rollback truncate, err: %+v", s.dir, err)
		return
	}
	if _, err := s.file.Seek(s.size, io.SeekStart); err != nil {
		logs.Errorf("store %s: rollback seek, err: %+v", s.dir, err)
	}
}

func (s *FileStore) Range(_ context.Context, from, to uint64) ([]schema.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, exception.ErrStoreClosed
	}

	entries := make([]logEntry, 0)
	for seq, e := range s.index {
		if seq >= from && (to == 0 || seq <= to) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	out := make([]schema.StoredMessage, 0, len(entries))
	for _, e := range entries {
		raw, err := s.readPayload(e)
		if err != nil {
			return nil, Durable(err, "range")
		}
		out = append(out, schema.StoredMessage{
			SeqNum:  e.seq,
			Raw:     raw,
			SentAt:  e.sentAt,
			PossDup: e.possDup,
		})
	}
	return out, nil
}

func (s *FileStore) readPayload(e logEntry) ([]byte, error) {
	rec := make([]byte, recordSize(e.size))
	if _, err := s.file.ReadAt(rec, e.offset); err != nil {
		return nil, err
	}
	payload := rec[recordHeaderSize : recordHeaderSize+e.size]
	want := binary.LittleEndian.Uint32(rec[recordHeaderSize+e.size:])
	if checksum(rec[:recordHeaderSize], payload) != want {
		return nil, exception.ErrStoreChecksum
	}
	return payload, nil
}

func (s *FileStore) SequenceState(_ context.Context) (schema.SeqState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.SeqState{}, exception.ErrStoreClosed
	}
	return s.header.seqState(), nil
}

func (s *FileStore) SetSequenceState(_ context.Context, state schema.SeqState) error {
	if !state.Valid() {
		return exception.ErrStoreInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrStoreClosed
	}

	next := s.header
	next.NextOutgoing = state.NextOutgoing
	next.NextIncoming = state.NextIncoming
	if !state.CreatedAt.IsZero() {
		next.CreatedAt = state.CreatedAt.UTC()
	}
	next.CountedFrom = s.size
	if err := writeHeader(s.dir, next); err != nil {
		return Durable(err, "set sequence state")
	}
	s.header = next
	return nil
}

func (s *FileStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrStoreClosed
	}

	st := schema.InitialSeqState(time.Now())
	fresh := fileHeader{NextOutgoing: st.NextOutgoing, NextIncoming: st.NextIncoming, CreatedAt: st.CreatedAt}

	hide := fresh
	hide.MessagesFrom, hide.CountedFrom = s.size, s.size
	if err := writeHeader(s.dir, hide); err != nil {
		return Durable(err, "reset header")
	}
	s.header = hide
	s.index = make(map[uint64]logEntry)

	s.buf.Reset(s.file)
	if err := s.file.Truncate(0); err != nil {
		return Durable(err, "reset truncate")
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return Durable(err, "reset seek")
	}
	if err := s.file.Sync(); err != nil {
		return Durable(err, "reset sync")
	}
	s.size = 0

	if err := writeHeader(s.dir, fresh); err != nil {
		return Durable(err, "reset header")
	}
	s.header = fresh
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.release != nil {
		s.release()
	}

	var err error
	if ferr := s.buf.Flush(); ferr != nil {
		err = ferr
	}
	if serr := s.file.Sync(); serr != nil && err == nil {
		err = serr
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return Durable(err, "close")
}
