package smgr

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/log"
	"github.com/weaverdb/wdbengine/pkg/metrics"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/types"
)

const (
	logHeaderMagic = 0xCAFE08072006BABE
	segHeaderMagic = 0xABCDEF0123456789

	logHeaderSize  = 8 + 8 + 8 + 1 + 8 // magic, log-id, segment-count, completed, owner-tid
	segHeaderSize  = 8 + 8 + 2         // magic, seg-id, block-count
	storageInfoLen = 4 + 4 + 4 + 1     // dbid, rel, block, kind (padded by caller)
)

// blockEntry is one (storage-info, full page image) tuple buffered into a
// segment before it is flushed to the log file.
type blockEntry struct {
	DBID  uint32
	Rel   uint32
	Block types.BlockNumber
	Kind  types.RelKind
	Page  []byte
}

func encodeStorageInfo(e blockEntry, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], e.DBID)
	binary.LittleEndian.PutUint32(buf[4:8], e.Rel)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Block))
	buf[12] = byte(e.Kind)
}

func decodeStorageInfo(buf []byte) blockEntry {
	return blockEntry{
		DBID:  binary.LittleEndian.Uint32(buf[0:4]),
		Rel:   binary.LittleEndian.Uint32(buf[4:8]),
		Block: types.BlockNumber(binary.LittleEndian.Uint32(buf[8:12])),
		Kind:  types.RelKind(buf[12]),
	}
}

// ShadowLog implements the optional write-ahead full-page-image log used
// for crash recovery (spec.md §4.2). One log transaction covers the pages
// touched between BeginLog and CommitLog; segments are flushed to disk as
// the in-memory buffer fills so a long transaction never holds an
// unbounded amount of memory.
type ShadowLog struct {
	mu sync.Mutex

	logPath   string
	indexPath string

	logFile *os.File
	nextID  uint64

	headerOffset int64
	tailOffset   int64
	segCount     uint64

	segBuf      []blockEntry
	maxSegBlock uint16

	indexBuf []blockEntry
}

// NewShadowLog opens (creating if necessary) the log and index files under
// dataDir/pg_xlog.
func NewShadowLog(dataDir string) (*ShadowLog, error) {
	dir := filepath.Join(dataDir, "pg_xlog")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.FatalStartup(errs.CodeDataDirMissing, "cannot create pg_xlog", err)
	}

	logPath := filepath.Join(dir, "shadow.log")
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.FatalStartup(errs.CodeLogUnreadable, "open shadow log", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &ShadowLog{
		logPath:     logPath,
		indexPath:   filepath.Join(dir, "shadow.index"),
		logFile:     f,
		tailOffset:  fi.Size(),
		maxSegBlock: 64,
	}, nil
}

func (s *ShadowLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logFile.Close()
}

// BeginLog reserves a header block at the current log tail, marked
// incomplete, and starts a fresh in-memory segment buffer.
func (s *ShadowLog) BeginLog() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.headerOffset = s.tailOffset
	s.segCount = 0
	s.segBuf = s.segBuf[:0]
	s.indexBuf = s.indexBuf[:0]

	buf := make([]byte, logHeaderSize)
	s.encodeHeader(buf, false)
	if _, err := s.logFile.WriteAt(buf, s.headerOffset); err != nil {
		return errs.Recoverable(errs.CodeWriteFailed, "write shadow log header", err)
	}
	s.tailOffset = s.headerOffset + logHeaderSize
	return nil
}

func (s *ShadowLog) encodeHeader(buf []byte, completed bool) {
	binary.LittleEndian.PutUint64(buf[0:8], logHeaderMagic)
	binary.LittleEndian.PutUint64(buf[8:16], s.nextID)
	binary.LittleEndian.PutUint64(buf[16:24], s.segCount)
	if completed {
		buf[24] = 1
	} else {
		buf[24] = 0
	}
	binary.LittleEndian.PutUint64(buf[25:33], 0) // owner-tid, unused by this implementation
}

// LogBlock buffers a full-page image into the current in-memory segment,
// flushing the segment to disk once it reaches the configured block count.
func (s *ShadowLog) LogBlock(dbID, rel uint32, kind types.RelKind, block types.BlockNumber, pageBuf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, page.Size)
	copy(cp, pageBuf)
	entry := blockEntry{DBID: dbID, Rel: rel, Block: block, Kind: kind, Page: cp}
	s.segBuf = append(s.segBuf, entry)

	if kind == types.RelKindIndex {
		s.indexBuf = append(s.indexBuf, entry)
	}

	if len(s.segBuf) >= int(s.maxSegBlock) {
		return s.flushSegmentLocked()
	}
	return nil
}

// flushSegmentLocked writes the buffered segment header + entries to the
// log file. Caller holds s.mu.
func (s *ShadowLog) flushSegmentLocked() error {
	if len(s.segBuf) == 0 {
		return nil
	}

	segID := s.segCount
	header := make([]byte, segHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], segHeaderMagic)
	binary.LittleEndian.PutUint64(header[8:16], segID)
	binary.LittleEndian.PutUint16(header[16:18], uint16(len(s.segBuf)))

	if _, err := s.logFile.WriteAt(header, s.tailOffset); err != nil {
		return errs.Recoverable(errs.CodeWriteFailed, "write shadow log segment header", err)
	}
	off := s.tailOffset + segHeaderSize

	entryBuf := make([]byte, storageInfoLen+page.Size)
	for _, e := range s.segBuf {
		encodeStorageInfo(e, entryBuf[:storageInfoLen])
		copy(entryBuf[storageInfoLen:], e.Page)
		if _, err := s.logFile.WriteAt(entryBuf, off); err != nil {
			return errs.Recoverable(errs.CodeWriteFailed, "write shadow log entry", err)
		}
		off += int64(len(entryBuf))
	}

	s.tailOffset = off
	s.segCount++
	s.segBuf = s.segBuf[:0]
	return nil
}

// CommitLog flushes any partial segment, fsyncs the log, then rewrites and
// fsyncs the header with completed=true.
func (s *ShadowLog) CommitLog() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushSegmentLocked(); err != nil {
		return err
	}
	if err := s.logFile.Sync(); err != nil {
		return errs.Recoverable(errs.CodeWriteFailed, "fsync shadow log", err)
	}

	buf := make([]byte, logHeaderSize)
	s.encodeHeader(buf, true)
	if _, err := s.logFile.WriteAt(buf, s.headerOffset); err != nil {
		return errs.Recoverable(errs.CodeWriteFailed, "rewrite shadow log header", err)
	}
	if err := s.logFile.Sync(); err != nil {
		return errs.Recoverable(errs.CodeWriteFailed, "fsync shadow log header", err)
	}

	s.nextID++
	return nil
}

// ExpireLog flushes the accumulated index-log entries to the index file
// and truncates the main log to zero, starting a fresh log.
func (s *ShadowLog) ExpireLog() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.indexBuf) > 0 {
		f, err := os.OpenFile(s.indexPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return errs.Recoverable(errs.CodeWriteFailed, "open shadow index log", err)
		}
		defer f.Close()

		entryBuf := make([]byte, storageInfoLen+page.Size)
		for _, e := range s.indexBuf {
			encodeStorageInfo(e, entryBuf[:storageInfoLen])
			copy(entryBuf[storageInfoLen:], e.Page)
			if _, err := f.Write(entryBuf); err != nil {
				return errs.Recoverable(errs.CodeWriteFailed, "write shadow index log", err)
			}
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}

	if err := s.logFile.Truncate(0); err != nil {
		return err
	}
	s.tailOffset = 0
	s.segCount = 0
	s.nextID = 0
	s.indexBuf = s.indexBuf[:0]
	return nil
}

// RecoveredPage is one page image applied during replay, surfaced to the
// index machinery for pointer cleanup.
type RecoveredPage struct {
	DBID  uint32
	Rel   uint32
	Kind  types.RelKind
	Block types.BlockNumber
}

// applyFunc writes one page image to its on-disk target, provided by the
// caller (normally Manager.WriteBlock followed by a sync).
type applyFunc func(dbID, rel uint32, kind types.RelKind, block types.BlockNumber, pageBuf []byte) error

// ReplayLogs iterates log-transactions from offset 0, applying every page
// image from each completed, sequentially-numbered transaction via apply.
// It stops at the first incomplete or out-of-sequence header. If no
// transaction was replayed at all, it reads the index log alone, without
// applying it, and returns its entries for pointer validation.
func ReplayLogs(dataDir string, apply applyFunc) ([]RecoveredPage, error) {
	dir := filepath.Join(dataDir, "pg_xlog")
	logPath := filepath.Join(dir, "shadow.log")

	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.FatalRuntime(errs.CodeLogUnreadable, "open shadow log for replay", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return nil, nil
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errs.FatalRuntime(errs.CodeLogUnreadable, "mmap shadow log", err)
	}
	defer data.Unmap()

	var recovered []RecoveredPage
	var expectedID uint64
	var replayed bool
	off := int64(0)

	for off+logHeaderSize <= int64(len(data)) {
		hdr := data[off : off+logHeaderSize]
		magic := binary.LittleEndian.Uint64(hdr[0:8])
		if magic != logHeaderMagic {
			break
		}
		logID := binary.LittleEndian.Uint64(hdr[8:16])
		segmentCount := binary.LittleEndian.Uint64(hdr[16:24])
		completed := hdr[24] == 1

		if !completed || logID != expectedID {
			break
		}

		pos := off + logHeaderSize
		for seg := uint64(0); seg < segmentCount; seg++ {
			if pos+segHeaderSize > int64(len(data)) {
				return recovered, errs.FatalRuntime(errs.CodeLogUnreadable, "truncated shadow log segment", nil)
			}
			segHdr := data[pos : pos+segHeaderSize]
			segMagic := binary.LittleEndian.Uint64(segHdr[0:8])
			if segMagic != segHeaderMagic {
				return recovered, errs.FatalRuntime(errs.CodeLogUnreadable, "corrupt shadow log segment header", nil)
			}
			blockCount := binary.LittleEndian.Uint16(segHdr[16:18])
			pos += segHeaderSize

			entrySize := int64(storageInfoLen + page.Size)
			for i := uint16(0); i < blockCount; i++ {
				if pos+entrySize > int64(len(data)) {
					return recovered, errs.FatalRuntime(errs.CodeLogUnreadable, "truncated shadow log entry", nil)
				}
				entry := decodeStorageInfo(data[pos : pos+storageInfoLen])
				pageBuf := data[pos+storageInfoLen : pos+entrySize]

				if err := apply(entry.DBID, entry.Rel, entry.Kind, entry.Block, pageBuf); err != nil {
					return recovered, fmt.Errorf("replay block %d of rel %d: %w", entry.Block, entry.Rel, err)
				}
				metrics.ShadowLogReplayedPages.Inc()
				recovered = append(recovered, RecoveredPage{
					DBID: entry.DBID, Rel: entry.Rel, Kind: entry.Kind, Block: entry.Block,
				})
				pos += entrySize
			}
		}

		off = pos
		expectedID++
		replayed = true
	}

	if replayed {
		log.WithComponent("smgr").Info().Int("pages", len(recovered)).Msg("shadow log replay complete")
		return recovered, nil
	}

	return replayIndexLogOnly(dir)
}

// replayIndexLogOnly is used when the main log held no valid, completed
// transaction: the index-log entries (written by ExpireLog on a prior
// clean shutdown) are returned as-is for pointer validation rather than
// reapplied, since they were already durable at the time they were
// expired.
func replayIndexLogOnly(dir string) ([]RecoveredPage, error) {
	path := filepath.Join(dir, "shadow.index")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.FatalRuntime(errs.CodeLogUnreadable, "read shadow index log", err)
	}

	entrySize := storageInfoLen + page.Size
	var recovered []RecoveredPage
	for off := 0; off+entrySize <= len(data); off += entrySize {
		entry := decodeStorageInfo(data[off : off+storageInfoLen])
		recovered = append(recovered, RecoveredPage{
			DBID: entry.DBID, Rel: entry.Rel, Kind: entry.Kind, Block: entry.Block,
		})
	}
	return recovered, nil
}
