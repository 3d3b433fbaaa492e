package store

import (
	"bufio"
	"encoding/binary"
	"io"

	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

// Reader decodes message log records sequentially.
type Reader struct {
	r         *bufio.Reader
	offset    int64
	headerBuf []byte
	payload   []byte
}

// NewReader wraps an io.Reader positioned at the start of a message log.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Offset is the file offset of the next record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Next returns the next record. The Raw slice is only valid until the next
// call. A record cut short by the end of input yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (schema.StoredMessage, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return schema.StoredMessage{}, io.EOF
		}
		return schema.StoredMessage{}, io.ErrUnexpectedEOF
	}

	msg, payloadLen, err := decodeRecordHeader(r.headerBuf)
	if err != nil {
		return msg, err
	}

	if cap(r.payload) < int(payloadLen) {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return msg, io.ErrUnexpectedEOF
	}

	var checksumBuf [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, checksumBuf[:]); err != nil {
		return msg, io.ErrUnexpectedEOF
	}
	msg.Raw = r.payload
	if checksum(r.headerBuf, r.payload) != binary.LittleEndian.Uint32(checksumBuf[:]) {
		return msg, exception.ErrStoreChecksum
	}

	r.offset += recordSize(len(r.payload))
	return msg, nil
}

func recordSize(payloadLen int) int64 {
	return int64(recordHeaderSize + payloadLen + recordChecksumSize)
}
