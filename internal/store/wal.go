package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"paxos-kvstore/internal/protocol"
)

// The WAL is the per-node durable record of SET/DEL operations. Each record
// is the three ASCII bytes of the op tag ("SET" or "DEL") immediately
// followed by a BinKV (u64 key length, key, u64 value length, value, lengths
// little endian). Records are concatenated with no separators; the embedded
// lengths frame them.
//
// The file is opened per operation and only ever appended to. Keys overwrite
// logically, not physically: reads scan from the start and keep the last
// matching record.
type WAL struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewWAL creates a WAL handle for the file at path. The file itself is
// created lazily on the first append.
func NewWAL(path string, logger *zap.Logger) *WAL {
	return &WAL{path: path, logger: logger}
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// Append durably writes one record. Only SET and DEL are valid tags here;
// callers filter out the other op types.
func (w *WAL) Append(op protocol.OpType, kv protocol.BinKV) error {
	if !op.Mutates() {
		return fmt.Errorf("wal: refusing to append %s record", op)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("wal: create log dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(op.String())); err != nil {
		return fmt.Errorf("wal: write tag: %w", err)
	}
	if err := protocol.WriteBinKV(f, kv); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// Get scans the log from the start and returns the value of the last record
// for key: the value of the most recent SET, or found=false when the most
// recent record was a DEL or no record matches. A missing log file reads as
// an empty log. A partial trailing record terminates the scan cleanly.
func (w *WAL) Get(key string) (value []byte, found bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("wal: open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var tag [3]byte
	for {
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, false, fmt.Errorf("wal: read tag: %w", err)
		}
		kv, err := protocol.ReadBinKV(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Short read at the tail: treat as end-of-log.
				break
			}
			return nil, false, fmt.Errorf("wal: read record: %w", err)
		}

		if kv.Key != key {
			continue
		}
		switch string(tag[:]) {
		case "SET":
			value, found = kv.Value, true
		case "DEL":
			value, found = nil, false
		default:
			w.logger.Warn("wal: unknown record tag, stopping scan",
				zap.ByteString("tag", tag[:]), zap.String("path", w.path))
			return value, found, nil
		}
	}
	return value, found, nil
}
