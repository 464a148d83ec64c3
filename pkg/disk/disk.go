// Package disk implements the paged DiskManager: fixed-size page I/O,
// a free-page bitmap, and the file header page 0 describes.
package disk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/bobboyms/oxidb/pkg/errors"
)

const (
	PageSize = 4096

	magic         = "OXDB"
	fileVersion   = 1
	headerPageID  = PageId(0)
	bitmapPageID  = PageId(1)
	firstDataPage = PageId(2)

	// Layout of page 0.
	offMagic       = 0
	offVersion     = 4
	offPageSize    = 8
	offCatalogRoot = 12
	offWALTailLSN  = 20
	offPageCount   = 28
)

// PageId identifies a fixed-size page by its ordinal in the file.
type PageId uint64

// Page is one fixed-size payload plus the bookkeeping that is persisted
// alongside it: an 8-byte LSN and a CRC32 Castagnoli checksum over the
// payload, matching the WAL entry checksum's framing style.
type Page struct {
	ID   PageId
	LSN  uint64
	Data [pagePayloadSize]byte
}

const pagePayloadSize = PageSize - 12 // 4 bytes CRC + 8 bytes LSN trailer

// DiskManager owns the single backing file: page 0 is the file header,
// page 1 the free-page bitmap, pages 2.. are data pages.
type DiskManager struct {
	mu         sync.Mutex
	file       *os.File
	lock       *flock.Flock
	pageCount  uint64
	catalogRoot PageId
	walTailLSN uint64
	freePages  *roaring.Bitmap
}

// Open opens or creates the database file at path, taking an advisory
// single-writer lock so a second process can't corrupt the file
// concurrently.
func Open(path string) (*DiskManager, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.NewIO(err, "disk: acquiring file lock")
	}
	if !locked {
		return nil, errors.NewIO(nil, fmt.Sprintf("disk: database file %q is already open by another process", path))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		fl.Unlock()
		return nil, errors.NewIO(err, fmt.Sprintf("disk: opening %q", path))
	}

	dm := &DiskManager{file: f, lock: fl, freePages: roaring.New()}

	info, err := f.Stat()
	if err != nil {
		dm.Close()
		return nil, errors.NewIO(err, "disk: stat of database file")
	}

	if info.Size() == 0 {
		if err := dm.initializeFile(); err != nil {
			dm.Close()
			return nil, err
		}
	} else {
		if err := dm.loadHeader(); err != nil {
			dm.Close()
			return nil, err
		}
	}

	return dm, nil
}

func (dm *DiskManager) initializeFile() error {
	dm.pageCount = firstDataPage.uint64()
	dm.catalogRoot = 0
	dm.walTailLSN = 0

	if err := dm.writeHeaderPageLocked(); err != nil {
		return err
	}
	return dm.writeBitmapPageLocked()
}

func (dm *DiskManager) loadHeader() error {
	buf := make([]byte, PageSize)
	if _, err := dm.file.ReadAt(buf, int64(headerPageID)*PageSize); err != nil {
		return errors.NewIO(err, "disk: reading header page")
	}
	if string(buf[offMagic:offMagic+4]) != magic {
		return errors.NewCorruption(ErrCorruption, "disk: bad magic in header page")
	}
	dm.catalogRoot = PageId(binary.LittleEndian.Uint64(buf[offCatalogRoot:]))
	dm.walTailLSN = binary.LittleEndian.Uint64(buf[offWALTailLSN:])
	dm.pageCount = binary.LittleEndian.Uint64(buf[offPageCount:])

	bitmapBuf := make([]byte, PageSize)
	if _, err := dm.file.ReadAt(bitmapBuf, int64(bitmapPageID)*PageSize); err != nil {
		return errors.NewIO(err, "disk: reading bitmap page")
	}
	length := binary.LittleEndian.Uint32(bitmapBuf[:4])
	bm := roaring.New()
	if length > 0 {
		if _, err := bm.FromBuffer(bitmapBuf[4 : 4+length]); err != nil {
			return errors.NewCorruption(ErrCorruption, fmt.Sprintf("disk: decoding free-page bitmap: %v", err))
		}
	}
	dm.freePages = bm
	return nil
}

func (dm *DiskManager) writeHeaderPageLocked() error {
	buf := make([]byte, PageSize)
	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], fileVersion)
	binary.LittleEndian.PutUint32(buf[offPageSize:], PageSize)
	binary.LittleEndian.PutUint64(buf[offCatalogRoot:], uint64(dm.catalogRoot))
	binary.LittleEndian.PutUint64(buf[offWALTailLSN:], dm.walTailLSN)
	binary.LittleEndian.PutUint64(buf[offPageCount:], dm.pageCount)
	if _, err := dm.file.WriteAt(buf, int64(headerPageID)*PageSize); err != nil {
		return errors.NewIO(err, "disk: writing header page")
	}
	return nil
}

func (dm *DiskManager) writeBitmapPageLocked() error {
	bits, err := dm.freePages.ToBytes()
	if err != nil {
		return errors.NewSerialization(err, "disk: encoding free-page bitmap")
	}
	if len(bits)+4 > PageSize {
		return errors.NewSerialization(nil, fmt.Sprintf("disk: free-page bitmap overflowed a single page (%d bytes)", len(bits)))
	}
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(bits)))
	copy(buf[4:], bits)
	if _, err = dm.file.WriteAt(buf, int64(bitmapPageID)*PageSize); err != nil {
		return errors.NewIO(err, "disk: writing bitmap page")
	}
	return nil
}

// AllocatePage returns a free page id, reusing one from the free-page
// bitmap before growing the file.
func (dm *DiskManager) AllocatePage() (PageId, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.freePages.IsEmpty() {
		id := dm.freePages.Minimum()
		dm.freePages.Remove(id)
		if err := dm.writeBitmapPageLocked(); err != nil {
			return 0, err
		}
		return PageId(id), nil
	}

	id := PageId(dm.pageCount)
	dm.pageCount++
	if err := dm.writeHeaderPageLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// FreePage returns a page to the free-page bitmap for reuse.
func (dm *DiskManager) FreePage(id PageId) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.freePages.Add(uint32(id))
	return dm.writeBitmapPageLocked()
}

// ReadPage reads and validates page id, returning ErrCorruption on a
// checksum mismatch.
func (dm *DiskManager) ReadPage(id PageId) (*Page, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	buf := make([]byte, PageSize)
	if _, err := dm.file.ReadAt(buf, int64(id)*PageSize); err != nil {
		return nil, errors.NewIO(err, fmt.Sprintf("disk: reading page %d", id))
	}

	lsn := binary.LittleEndian.Uint64(buf[pagePayloadSize:])
	storedCRC := binary.LittleEndian.Uint32(buf[pagePayloadSize+8:])
	payload := buf[:pagePayloadSize]
	if crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)) != storedCRC {
		return nil, errors.NewCorruption(ErrCorruption, fmt.Sprintf("disk: page %d checksum mismatch", id))
	}

	p := &Page{ID: id, LSN: lsn}
	copy(p.Data[:], payload)
	return p, nil
}

// WritePage persists a page's payload and LSN with a fresh checksum.
func (dm *DiskManager) WritePage(p *Page) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	buf := make([]byte, PageSize)
	copy(buf, p.Data[:])
	binary.LittleEndian.PutUint64(buf[pagePayloadSize:], p.LSN)
	crc := crc32.Checksum(buf[:pagePayloadSize], crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(buf[pagePayloadSize+8:], crc)

	if _, err := dm.file.WriteAt(buf, int64(p.ID)*PageSize); err != nil {
		return errors.NewIO(err, fmt.Sprintf("disk: writing page %d", p.ID))
	}
	return nil
}

// Sync fsyncs the backing file.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.file.Sync(); err != nil {
		return errors.NewIO(err, "disk: fsync of database file")
	}
	return nil
}

// SetCatalogRoot and SetWALTailLSN persist the engine's bookkeeping in
// the file header.
func (dm *DiskManager) SetCatalogRoot(id PageId) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.catalogRoot = id
	return dm.writeHeaderPageLocked()
}

func (dm *DiskManager) CatalogRoot() PageId {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.catalogRoot
}

func (dm *DiskManager) SetWALTailLSN(lsn uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.walTailLSN = lsn
	return dm.writeHeaderPageLocked()
}

func (dm *DiskManager) WALTailLSN() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.walTailLSN
}

// Close releases the file lock and underlying descriptor.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	var err error
	if dm.file != nil {
		err = dm.file.Close()
	}
	if dm.lock != nil {
		dm.lock.Unlock()
		os.Remove(dm.lock.Path())
	}
	return err
}

// VerifyAll scans every allocated data page's CRC32 in one pass, a
// bulk, startup-time corruption check rather than the lazy per-ReadPage
// validation: it memory-maps the file read-only
// (zero-copy; one mmap instead of one ReadAt syscall per page) and
// returns ErrCorruption naming the first page whose checksum doesn't
// match. Callers that want strict "refuse to open a corrupt database"
// behavior should call this right after Open.
func (dm *DiskManager) VerifyAll() error {
	dm.mu.Lock()
	pageCount := dm.pageCount
	dm.mu.Unlock()

	m, err := mmap.Map(dm.file, mmap.RDONLY, 0)
	if err != nil {
		return errors.NewIO(err, "disk: mmap for verification")
	}
	defer m.Unmap()

	table := crc32.MakeTable(crc32.Castagnoli)
	for id := uint64(firstDataPage); id < pageCount; id++ {
		start := id * PageSize
		if start+PageSize > uint64(len(m)) {
			break // page never actually written past file growth
		}
		buf := m[start : start+PageSize]
		payload := buf[:pagePayloadSize]
		storedCRC := binary.LittleEndian.Uint32(buf[pagePayloadSize+8:])
		if crc32.Checksum(payload, table) != storedCRC {
			return errors.NewCorruption(ErrCorruption, fmt.Sprintf("disk: page %d checksum mismatch", id))
		}
	}
	return nil
}

func (id PageId) uint64() uint64 { return uint64(id) }
