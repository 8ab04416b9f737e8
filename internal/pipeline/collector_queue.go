package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	// uint32 stored length + int64 created unix sec + uint32 crc + uint8 flags
	spoolHeaderSize     = 4 + 8 + 4 + 1
	spoolFlagZstd       = 1 << 0
	offsetSyncAckBatch  = 128
	offsetSyncInterval  = 2 * time.Second
	spoolDataFileName   = "spool.bin"
	spoolOffsetFileName = "offset.bin"
)

var (
	errQueueEmpty = errors.New("queue is empty")
	errQueueFull  = errors.New("queue limits reached; rejecting new payload")
	errQueueCRC   = errors.New("queue record checksum mismatch")
)

type queueRecord struct {
	payload []byte
	size    int64
	created int64
}

type spoolHeader struct {
	length  uint32
	created int64
	crc     uint32
	flags   uint8
}

func (h spoolHeader) encode() [spoolHeaderSize]byte {
	var buf [spoolHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.length)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.created))
	binary.LittleEndian.PutUint32(buf[12:16], h.crc)
	buf[16] = h.flags
	return buf
}

func decodeSpoolHeader(buf [spoolHeaderSize]byte) spoolHeader {
	return spoolHeader{
		length:  binary.LittleEndian.Uint32(buf[0:4]),
		created: int64(binary.LittleEndian.Uint64(buf[4:12])),
		crc:     binary.LittleEndian.Uint32(buf[12:16]),
		flags:   buf[16],
	}
}

// DiskQueue stores encoded collector batches that could not be delivered.
// Params: directory, limits, and optional zstd compression.
// Returns: append-only queue with a persisted read offset.
type DiskQueue struct {
	mu sync.Mutex

	dataFile   *os.File
	offsetFile *os.File

	maxEvents uint64
	maxAge    time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	offset   int64
	fileSize int64
	pending  uint64
	oldest   int64

	offsetDirty    bool
	ackSinceSync   uint64
	lastOffsetSync time.Time
}

// DiskQueueOptions holds queue limits.
// Params: MaxEvents/MaxAge reject new payloads when reached (0 disables); Compress enables zstd.
// Returns: queue options.
type DiskQueueOptions struct {
	MaxEvents uint64
	MaxAge    time.Duration
	Compress  bool
}

// OpenDiskQueue opens/creates queue files and restores persisted state.
// Params: dir queue directory; opts limits and compression.
// Returns: initialized queue or error.
func OpenDiskQueue(dir string, opts DiskQueueOptions) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir %q: %w", dir, err)
	}

	queue := &DiskQueue{
		maxEvents: opts.MaxEvents,
		maxAge:    opts.MaxAge,
	}

	// Records written with compression stay readable after compression is disabled.
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init queue decoder: %w", err)
	}
	queue.decoder = decoder
	if opts.Compress {
		encoder, encErr := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if encErr != nil {
			decoder.Close()
			return nil, fmt.Errorf("init queue encoder: %w", encErr)
		}
		queue.encoder = encoder
	}

	queue.dataFile, err = os.OpenFile(filepath.Join(dir, spoolDataFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = queue.closeFiles()
		return nil, fmt.Errorf("open queue data file: %w", err)
	}
	queue.offsetFile, err = os.OpenFile(filepath.Join(dir, spoolOffsetFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = queue.closeFiles()
		return nil, fmt.Errorf("open queue offset file: %w", err)
	}

	if err := queue.loadOffset(); err != nil {
		_ = queue.closeFiles()
		return nil, err
	}
	if err := queue.reindex(); err != nil {
		_ = queue.closeFiles()
		return nil, err
	}
	queue.lastOffsetSync = time.Now()

	return queue, nil
}

// Enqueue appends one payload to queue tail if limits allow.
// Params: payload encoded batch.
// Returns: nil on append, errQueueFull when limits reached, or IO error.
func (q *DiskQueue) Enqueue(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dataFile == nil {
		return fmt.Errorf("queue data file is not initialized")
	}

	now := time.Now().Unix()
	if err := q.rejectByLimits(now); err != nil {
		return err
	}

	stored := payload
	header := spoolHeader{created: now}
	if q.encoder != nil {
		stored = q.encoder.EncodeAll(payload, nil)
		header.flags |= spoolFlagZstd
	}
	header.length = uint32(len(stored))
	header.crc = crc32.ChecksumIEEE(stored)

	encoded := header.encode()
	record := make([]byte, 0, spoolHeaderSize+len(stored))
	record = append(record, encoded[:]...)
	record = append(record, stored...)

	if _, err := q.dataFile.WriteAt(record, q.fileSize); err != nil {
		return fmt.Errorf("write queue record: %w", err)
	}

	q.fileSize += int64(len(record))
	q.pending++
	if q.pending == 1 {
		q.oldest = now
	}
	return nil
}

// Peek reads the first pending record.
// Params: none.
// Returns: record, errQueueEmpty when drained, errQueueCRC on a damaged record.
func (q *DiskQueue) Peek() (queueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked()
}

// Ack marks one record as consumed and advances the read offset.
// Params: consumed record returned by Peek.
// Returns: nil or persistence error.
func (q *DiskQueue) Ack(consumed queueRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if consumed.size <= 0 {
		return fmt.Errorf("ack requires positive consumed size")
	}
	if q.pending == 0 {
		return fmt.Errorf("ack on empty queue")
	}

	q.offset = min(q.offset+consumed.size, q.fileSize)
	q.pending--
	q.offsetDirty = true
	q.ackSinceSync++

	if q.pending == 0 || q.offset >= q.fileSize {
		return q.resetFiles()
	}
	if err := q.syncOffsetMaybe(false); err != nil {
		return err
	}

	header, err := q.readHeader(q.offset)
	if err == nil {
		q.oldest = header.created
	}
	return nil
}

// Skip drops the record at the read offset without decoding it.
// Params: none.
// Returns: nil, errQueueEmpty, or IO error.
func (q *DiskQueue) Skip() error {
	q.mu.Lock()
	header, err := q.readHeader(q.offset)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.Ack(queueRecord{size: spoolHeaderSize + int64(header.length)})
}

// Pending returns current pending record count.
func (q *DiskQueue) Pending() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close flushes the read offset and closes queue files.
// Params: none.
// Returns: nil or close/flush error.
func (q *DiskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dataFile == nil && q.offsetFile == nil {
		return nil
	}
	if err := q.syncOffsetMaybe(true); err != nil {
		_ = q.closeFiles()
		return err
	}
	return q.closeFiles()
}

// readHeader reads one record header, caller must hold lock.
// Params: position byte offset.
// Returns: header or errQueueEmpty at end of data.
func (q *DiskQueue) readHeader(position int64) (spoolHeader, error) {
	if position >= q.fileSize {
		return spoolHeader{}, errQueueEmpty
	}
	var buf [spoolHeaderSize]byte
	if _, err := q.dataFile.ReadAt(buf[:], position); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return spoolHeader{}, errQueueEmpty
		}
		return spoolHeader{}, fmt.Errorf("read queue header at %d: %w", position, err)
	}
	return decodeSpoolHeader(buf), nil
}

// peekLocked reads and decodes the first pending record, caller must hold lock.
// Params: none.
// Returns: record or error.
func (q *DiskQueue) peekLocked() (queueRecord, error) {
	if q.dataFile == nil {
		return queueRecord{}, fmt.Errorf("queue data file is not initialized")
	}

	header, err := q.readHeader(q.offset)
	if err != nil {
		return queueRecord{}, err
	}
	size := spoolHeaderSize + int64(header.length)
	if q.offset+size > q.fileSize {
		return queueRecord{}, fmt.Errorf("queue record exceeds file size at offset %d", q.offset)
	}

	stored := make([]byte, header.length)
	if _, err := q.dataFile.ReadAt(stored, q.offset+spoolHeaderSize); err != nil {
		return queueRecord{}, fmt.Errorf("read queue payload: %w", err)
	}
	if crc32.ChecksumIEEE(stored) != header.crc {
		return queueRecord{}, fmt.Errorf("offset %d: %w", q.offset, errQueueCRC)
	}

	payload := stored
	if header.flags&spoolFlagZstd != 0 {
		payload, err = q.decoder.DecodeAll(stored, nil)
		if err != nil {
			return queueRecord{}, fmt.Errorf("decompress queue payload: %w", err)
		}
	}

	return queueRecord{payload: payload, size: size, created: header.created}, nil
}

// loadOffset restores the persisted read offset.
// Params: none.
// Returns: nil or IO error.
func (q *DiskQueue) loadOffset() error {
	var buf [8]byte
	n, err := q.offsetFile.ReadAt(buf[:], 0)
	if errors.Is(err, io.EOF) && n == 0 {
		q.offset = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("read queue offset: %w", err)
	}
	q.offset = max(int64(binary.LittleEndian.Uint64(buf[:])), 0)
	return nil
}

// storeOffset persists the read offset.
// Params: none.
// Returns: nil or IO error.
func (q *DiskQueue) storeOffset() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(q.offset))
	if _, err := q.offsetFile.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write queue offset: %w", err)
	}
	if err := q.offsetFile.Sync(); err != nil {
		return fmt.Errorf("sync queue offset: %w", err)
	}
	q.offsetDirty = false
	q.ackSinceSync = 0
	q.lastOffsetSync = time.Now()
	return nil
}

// reindex walks records from the read offset, truncating a damaged tail.
// Params: none.
// Returns: nil or IO error.
func (q *DiskQueue) reindex() error {
	info, err := q.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("stat queue data: %w", err)
	}
	q.fileSize = info.Size()
	if q.offset > q.fileSize {
		q.offset = 0
		if err := q.storeOffset(); err != nil {
			return err
		}
	}

	q.pending = 0
	q.oldest = 0
	position := q.offset
	for position < q.fileSize {
		header, err := q.readHeader(position)
		if errors.Is(err, errQueueEmpty) {
			return q.truncateTail(position)
		}
		if err != nil {
			return err
		}

		size := spoolHeaderSize + int64(header.length)
		if position+size > q.fileSize || !q.checksumAt(position, header) {
			return q.truncateTail(position)
		}

		if q.pending == 0 {
			q.oldest = header.created
		}
		q.pending++
		position += size
	}
	return nil
}

// checksumAt verifies one stored payload against its header crc.
func (q *DiskQueue) checksumAt(position int64, header spoolHeader) bool {
	stored := make([]byte, header.length)
	if _, err := q.dataFile.ReadAt(stored, position+spoolHeaderSize); err != nil {
		return false
	}
	return crc32.ChecksumIEEE(stored) == header.crc
}

// truncateTail cuts the data file at the first damaged record.
// Params: position byte offset where damage starts.
// Returns: nil or truncate error.
func (q *DiskQueue) truncateTail(position int64) error {
	if err := q.dataFile.Truncate(position); err != nil {
		return fmt.Errorf("truncate damaged queue tail at %d: %w", position, err)
	}
	q.fileSize = position
	return nil
}

// rejectByLimits checks queue constraints before append.
// Params: now unix timestamp.
// Returns: errQueueFull if queue rejects new payload.
func (q *DiskQueue) rejectByLimits(now int64) error {
	if q.maxEvents > 0 && q.pending >= q.maxEvents {
		return errQueueFull
	}
	if q.maxAge > 0 && q.pending > 0 && q.oldest > 0 {
		if time.Unix(now, 0).Sub(time.Unix(q.oldest, 0)) >= q.maxAge {
			return errQueueFull
		}
	}
	return nil
}

// resetFiles clears data and offset after a full drain.
// Params: none.
// Returns: nil or IO error.
func (q *DiskQueue) resetFiles() error {
	if err := q.dataFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate queue data: %w", err)
	}
	q.fileSize = 0
	q.offset = 0
	q.pending = 0
	q.oldest = 0
	q.offsetDirty = true
	return q.storeOffset()
}

// syncOffsetMaybe persists offset based on time/ack thresholds.
// Params: force triggers immediate flush.
// Returns: nil or IO error.
func (q *DiskQueue) syncOffsetMaybe(force bool) error {
	if !q.offsetDirty {
		return nil
	}
	if !force && q.ackSinceSync < offsetSyncAckBatch && time.Since(q.lastOffsetSync) < offsetSyncInterval {
		return nil
	}
	return q.storeOffset()
}

// closeFiles closes descriptors and codec resources.
// Params: none.
// Returns: first close error.
func (q *DiskQueue) closeFiles() error {
	var firstErr error
	if q.dataFile != nil {
		if err := q.dataFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close queue data file: %w", err)
		}
		q.dataFile = nil
	}
	if q.offsetFile != nil {
		if err := q.offsetFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close queue offset file: %w", err)
		}
		q.offsetFile = nil
	}
	if q.encoder != nil {
		_ = q.encoder.Close()
		q.encoder = nil
	}
	if q.decoder != nil {
		q.decoder.Close()
		q.decoder = nil
	}
	return firstErr
}
