package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/ealedger/pkg/crypto"
	"github.com/Mindburn-Labs/ealedger/pkg/envelope"
	"github.com/Mindburn-Labs/ealedger/pkg/ledger"
	"github.com/Mindburn-Labs/ealedger/pkg/merkle"
	"github.com/Mindburn-Labs/ealedger/pkg/registry"
	"github.com/Mindburn-Labs/ealedger/pkg/replay"
)

const (
	walFileName  = "ledger.wal"
	segFileName  = "ledger.seg"
	metaFileName = "ledger.meta.json"
)

// metadata is the canonical-JSON-encoded { length, root } file written
// temp-then-rename after every committed append.
type metadata struct {
	Length uint64      `json:"length"`
	Root   crypto.Hash `json:"root"`
}

// FileLog is the WAL-backed persistent AppendLog. Every append writes one
// record to the WAL and fsyncs it before the entry becomes visible in
// memory; the metadata file is rewritten atomically afterward so a crash
// between the two is detectable on reopen.
type FileLog struct {
	mu  sync.RWMutex
	dir string

	segmentSize int
	walFile     *os.File

	registry *registry.Registry
	envs     []envelope.Envelope
	leaves   []crypto.Hash
	states   map[string]replay.ChannelState
	subs     []*ledger.Subscription
}

// OpenFileLog opens (creating if necessary) a persistent log rooted at
// dir. segmentSize is the number of entries after which the WAL is
// folded into the segment file; 0 disables compaction.
func OpenFileLog(dir string, segmentSize int, reg *registry.Registry) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create ledger dir: %w", err)
	}

	fl := &FileLog{
		dir:         dir,
		segmentSize: segmentSize,
		registry:    reg,
		states:      make(map[string]replay.ChannelState),
	}

	if err := fl.recover(); err != nil {
		return nil, err
	}

	wal, err := os.OpenFile(fl.walPath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open wal: %w", err)
	}
	fl.walFile = wal

	return fl, nil
}

func (fl *FileLog) walPath() string  { return filepath.Join(fl.dir, walFileName) }
func (fl *FileLog) segPath() string  { return filepath.Join(fl.dir, segFileName) }
func (fl *FileLog) metaPath() string { return filepath.Join(fl.dir, metaFileName) }

// recover replays the segment file then the WAL, verifying every record's
// checksum and re-deriving channel state through the same pure validator
// used at append time. A checksum or truncation failure, or a mismatch
// against the on-disk metadata, refuses to open (the process MUST refuse
// to start rather than silently diverge).
func (fl *FileLog) recover() error {
	for _, path := range []string{fl.segPath(), fl.walPath()} {
		if err := fl.replayFile(path); err != nil {
			return err
		}
	}

	meta, ok, err := fl.readMetadata()
	if err != nil {
		return err
	}
	if !ok {
		return nil // fresh log, nothing to reconcile
	}
	gotRoot := merkle.Root(fl.leaves)
	if meta.Length != uint64(len(fl.envs)) || meta.Root != gotRoot {
		return storageFail(KindMetadataMismatch, fmt.Sprintf(
			"recorded length=%d root=%s, replayed length=%d root=%s",
			meta.Length, meta.Root, len(fl.envs), gotRoot))
	}
	return nil
}

func (fl *FileLog) replayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	for {
		env, err := readRecord(f)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: replay %s: %w", path, err)
		}
		prev := fl.states[env.Header.Channel]
		state, verr := replay.ValidateEnvelope(env, fl.registry, prev)
		if verr != nil {
			return fmt.Errorf("store: replayed entry failed validation in %s: %w", path, verr)
		}
		fl.envs = append(fl.envs, env)
		fl.leaves = append(fl.leaves, state.LastHash)
		fl.states[env.Header.Channel] = state
	}
}

// readRecord reads one WAL/segment record: u32 BE length || 32-byte
// BLAKE3 checksum || body bytes, and decodes+verifies the body.
func readRecord(r io.Reader) (envelope.Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return envelope.Envelope{}, storageFail(KindWalTruncated, "record length")
		}
		return envelope.Envelope{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	var checksum crypto.Hash
	if _, err := io.ReadFull(r, checksum[:]); err != nil {
		return envelope.Envelope{}, storageFail(KindWalTruncated, "record checksum: "+err.Error())
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope.Envelope{}, storageFail(KindWalTruncated, "record body: "+err.Error())
	}

	want := crypto.Sum(crypto.DomainWAL, body)
	if want != checksum {
		return envelope.Envelope{}, storageFail(KindWalChecksumMismatch, fmt.Sprintf("want %s, got %s", want, checksum))
	}

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("store: decode envelope body: %w", err)
	}
	return env, nil
}

func writeRecord(w io.Writer, body []byte) error {
	if len(body) > int(^uint32(0)) {
		return fmt.Errorf("store: record too large")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	checksum := crypto.Sum(crypto.DomainWAL, body)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(checksum[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func (fl *FileLog) readMetadata() (metadata, bool, error) {
	data, err := os.ReadFile(fl.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return metadata{}, false, nil
		}
		return metadata{}, false, fmt.Errorf("store: read metadata: %w", err)
	}
	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return metadata{}, false, fmt.Errorf("store: decode metadata: %w", err)
	}
	return m, true, nil
}

func (fl *FileLog) writeMetadata(m metadata) error {
	data, err := crypto.CanonicalMarshal(m)
	if err != nil {
		return fmt.Errorf("store: canonicalize metadata: %w", err)
	}
	tmp, err := os.CreateTemp(fl.dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return storageFail(KindFsyncFailed, "temp metadata: "+err.Error())
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp metadata: %w", err)
	}
	return os.Rename(tmpName, fl.metaPath())
}

// Append is the persistent-variant of AppendLog.Append: WAL record +
// fsync, then in-memory commit, then metadata fsync, then (periodically)
// segment compaction, then broadcast.
func (fl *FileLog) Append(ctx context.Context, env envelope.Envelope) (int, merkle.Receipt, error) {
	select {
	case <-ctx.Done():
		return 0, merkle.Receipt{}, ctx.Err()
	default:
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	prev := fl.states[env.Header.Channel]
	newState, err := replay.ValidateEnvelope(env, fl.registry, prev)
	if err != nil {
		return 0, merkle.Receipt{}, err
	}

	fl.subs = ledger.LiveSubs(fl.subs)
	if !ledger.HasRoom(fl.subs) {
		return 0, merkle.Receipt{}, ledger.ErrBackpressure
	}

	body, err := json.Marshal(env)
	if err != nil {
		return 0, merkle.Receipt{}, fmt.Errorf("store: marshal envelope for wal: %w", err)
	}
	if err := writeRecord(fl.walFile, body); err != nil {
		return 0, merkle.Receipt{}, fmt.Errorf("store: write wal record: %w", err)
	}
	if err := fl.walFile.Sync(); err != nil {
		return 0, merkle.Receipt{}, storageFail(KindFsyncFailed, "wal: "+err.Error())
	}

	index := len(fl.envs)
	fl.envs = append(fl.envs, env)
	fl.leaves = append(fl.leaves, newState.LastHash)
	fl.states[env.Header.Channel] = newState

	root := merkle.Root(fl.leaves)
	if err := fl.writeMetadata(metadata{Length: uint64(len(fl.envs)), Root: root}); err != nil {
		return 0, merkle.Receipt{}, fmt.Errorf("store: write metadata: %w", err)
	}

	if fl.segmentSize > 0 && len(fl.envs)%fl.segmentSize == 0 {
		if err := fl.compact(); err != nil {
			return 0, merkle.Receipt{}, fmt.Errorf("store: compact: %w", err)
		}
	}

	receipt, ok := merkle.ReceiptFor(fl.leaves, index)
	if !ok {
		return 0, merkle.Receipt{}, fmt.Errorf("store: failed to compute receipt for index %d", index)
	}

	ledger.Broadcast(fl.subs, env)

	return index, receipt, nil
}

// compact folds the current WAL bytes into the segment file and truncates
// the WAL, so the WAL never grows without bound. The fold is atomic: a
// temp file accumulates segment+wal bytes, is fsynced, and is renamed
// over the segment file; only then is the WAL truncated and fsynced.
func (fl *FileLog) compact() error {
	segBytes, err := os.ReadFile(fl.segPath())
	if err != nil && !os.IsNotExist(err) {
		return storageFail(KindSegmentWriteFailed, "read existing segment: "+err.Error())
	}

	if _, err := fl.walFile.Seek(0, io.SeekStart); err != nil {
		return storageFail(KindSegmentWriteFailed, "seek wal: "+err.Error())
	}
	walBytes, err := io.ReadAll(fl.walFile)
	if err != nil {
		return storageFail(KindSegmentWriteFailed, "read wal: "+err.Error())
	}

	tmp, err := os.CreateTemp(fl.dir, "seg-*.tmp")
	if err != nil {
		return storageFail(KindSegmentWriteFailed, "create temp segment: "+err.Error())
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(segBytes); err != nil {
		tmp.Close()
		return storageFail(KindSegmentWriteFailed, "write segment carryover: "+err.Error())
	}
	if _, err := tmp.Write(walBytes); err != nil {
		tmp.Close()
		return storageFail(KindSegmentWriteFailed, "write wal into segment: "+err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return storageFail(KindFsyncFailed, "temp segment: "+err.Error())
	}
	if err := tmp.Close(); err != nil {
		return storageFail(KindSegmentWriteFailed, "close temp segment: "+err.Error())
	}
	if err := os.Rename(tmpName, fl.segPath()); err != nil {
		return storageFail(KindSegmentWriteFailed, "rename segment into place: "+err.Error())
	}

	if err := fl.walFile.Truncate(0); err != nil {
		return storageFail(KindSegmentWriteFailed, "truncate wal: "+err.Error())
	}
	if _, err := fl.walFile.Seek(0, io.SeekStart); err != nil {
		return storageFail(KindSegmentWriteFailed, "seek wal after truncate: "+err.Error())
	}
	if err := fl.walFile.Sync(); err != nil {
		return storageFail(KindFsyncFailed, "wal after compact: "+err.Error())
	}
	return nil
}

// Read returns an ordered slice [offset, offset+limit).
func (fl *FileLog) Read(ctx context.Context, offset, limit int) ([]envelope.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, nil
	default:
	}
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if offset < 0 || offset > len(fl.envs) {
		return nil, fmt.Errorf("store: offset %d out of range [0,%d]", offset, len(fl.envs))
	}
	end := offset + limit
	if limit < 0 || end > len(fl.envs) {
		end = len(fl.envs)
	}
	out := make([]envelope.Envelope, end-offset)
	copy(out, fl.envs[offset:end])
	return out, nil
}

// ReceiptFor recomputes the inclusion path for index over the current leaf set.
func (fl *FileLog) ReceiptFor(index int) (merkle.Receipt, bool) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return merkle.ReceiptFor(fl.leaves, index)
}

// Subscribe registers a new bounded subscriber.
func (fl *FileLog) Subscribe(queueDepth int) (*ledger.Subscription, error) {
	sub, err := ledger.NewSubscription(queueDepth)
	if err != nil {
		return nil, err
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.subs = append(fl.subs, sub)
	return sub, nil
}

// Len returns the current committed length.
func (fl *FileLog) Len() int {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return len(fl.envs)
}

// Root returns the current Merkle root.
func (fl *FileLog) Root() crypto.Hash {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return merkle.Root(fl.leaves)
}

// Close releases the underlying WAL file handle.
func (fl *FileLog) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.walFile.Close()
}

var _ ledger.AppendLog = (*FileLog)(nil)
