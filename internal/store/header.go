package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"fixengine/internal/schema"
)

const headerFileName = "seqnums.json"

// fileHeader is the small sequence-counter record kept next to the log.
// Records before MessagesFrom belong to a previous reset. NextOutgoing is
// raised past every record at or after CountedFrom when the log is reopened,
// so an append needs only one fsync.
type fileHeader struct {
	NextOutgoing uint64    `json:"next_outgoing"`
	NextIncoming uint64    `json:"next_incoming"`
	CreatedAt    time.Time `json:"created_at"`
	MessagesFrom int64     `json:"messages_from"`
	CountedFrom  int64     `json:"counted_from"`
}

func (h fileHeader) seqState() schema.SeqState {
	return schema.SeqState{
		NextOutgoing: h.NextOutgoing,
		NextIncoming: h.NextIncoming,
		CreatedAt:    h.CreatedAt,
	}
}

// writeHeader replaces the header file atomically: temp file, fsync, rename,
// then fsync of the directory.
func writeHeader(dir string, h fileHeader) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, headerFileName+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, headerFileName)); err != nil {
		return err
	}
	return syncDir(dir)
}

// readHeader loads the header. A missing file yields ok=false.
func readHeader(dir string) (fileHeader, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, headerFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return fileHeader{}, false, nil
		}
		return fileHeader{}, false, err
	}
	var h fileHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return fileHeader{}, false, err
	}
	return h, true, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
