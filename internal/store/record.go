package store

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"

	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 32
	recordChecksumSize        = 4

	recordFlagPossDup uint16 = 1 << 0

	maxRecordPayload = 64 << 20
)

var (
	recordMagic = [4]byte{'F', 'I', 'X', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

// Record layout, little endian:
//
//	0  magic "FIX1"
//	4  version
//	6  header size
//	8  flags
//	10 reserved
//	12 payload length
//	16 sequence number
//	24 sent at, unix nanoseconds
//	32 payload, then CRC32C over header and payload
func encodeHeader(dst []byte, msg schema.StoredMessage) {
	_ = dst[recordHeaderSize-1]
	var flags uint16
	if msg.PossDup {
		flags |= recordFlagPossDup
	}
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], flags)
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(len(msg.Raw)))
	binary.LittleEndian.PutUint64(dst[16:24], msg.SeqNum)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(msg.SentAt.UnixNano()))
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

// decodeRecordHeader returns the message metadata and payload length.
func decodeRecordHeader(src []byte) (schema.StoredMessage, uint32, error) {
	if len(src) < recordHeaderSize {
		return schema.StoredMessage{}, 0, exception.ErrStoreCorruptRecord
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return schema.StoredMessage{}, 0, exception.ErrStoreCorruptRecord
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return schema.StoredMessage{}, 0, exception.ErrStoreCorruptRecord
	}
	if headerSize := binary.LittleEndian.Uint16(src[6:8]); headerSize != recordHeaderSize {
		return schema.StoredMessage{}, 0, exception.ErrStoreCorruptRecord
	}
	payloadLen := binary.LittleEndian.Uint32(src[12:16])
	if payloadLen > maxRecordPayload {
		return schema.StoredMessage{}, 0, exception.ErrStorePayloadTooLarge
	}
	msg := schema.StoredMessage{
		SeqNum:  binary.LittleEndian.Uint64(src[16:24]),
		SentAt:  time.Unix(0, int64(binary.LittleEndian.Uint64(src[24:32]))).UTC(),
		PossDup: binary.LittleEndian.Uint16(src[8:10])&recordFlagPossDup != 0,
	}
	return msg, payloadLen, nil
}
