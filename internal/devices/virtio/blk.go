package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/aszer/zircon/internal/devices/pci"
	"github.com/aszer/zircon/internal/hv"
)

const (
	blkSectorSize = 512

	blkQueueRequest = 0
)

// Virtio block request types.
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8
)

// Virtio block status codes, written to the chain's status byte.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits.
const (
	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

// blkConfigSize covers capacity, size_max, seg_max, geometry and
// blk_size of the virtio-blk config structure.
const blkConfigSize = 24

// Blk is a virtio block device backed by a host file. It serves the
// request queue from a poll worker started by Start.
type Blk struct {
	dev *Device
	log *slog.Logger

	mu       sync.Mutex
	file     *os.File
	readonly bool
	capacity uint64 // in 512-byte sectors

	worker *PollWorker
}

// BlkConfig describes a block device instance.
type BlkConfig struct {
	Memory      hv.GuestMemory
	Interrupter pci.Interrupter
	IRQLine     uint32
	Logger      *slog.Logger

	File     *os.File
	ReadOnly bool
}

// NewBlk creates a block device over cfg.File. Capacity is the file
// size in 512-byte sectors at creation time.
func NewBlk(cfg BlkConfig) (*Blk, error) {
	if cfg.File == nil {
		return nil, fmt.Errorf("virtio-blk: backing file required")
	}
	fi, err := cfg.File.Stat()
	if err != nil {
		return nil, fmt.Errorf("virtio-blk: stat backing file: %w", err)
	}

	features := uint32(VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH)
	if cfg.ReadOnly {
		features |= VIRTIO_BLK_F_RO
	}

	b := &Blk{
		file:     cfg.File,
		readonly: cfg.ReadOnly,
		capacity: uint64(fi.Size()) / blkSectorSize,
	}
	dev, err := NewDevice(DeviceConfig{
		Kind:        VIRTIO_ID_BLOCK,
		Features:    features,
		NumQueues:   1,
		ConfigSize:  blkConfigSize,
		Memory:      cfg.Memory,
		Ops:         b,
		Interrupter: cfg.Interrupter,
		IRQLine:     cfg.IRQLine,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	b.dev = dev
	b.log = dev.log
	return b, nil
}

// Device returns the underlying virtio device.
func (b *Blk) Device() *Device { return b.dev }

// Start launches the request queue worker.
func (b *Blk) Start() error {
	w, err := b.dev.StartPoll(blkQueueRequest, b.handleRequest)
	if err != nil {
		return err
	}
	b.worker = w
	return nil
}

// Close stops the worker and shuts the device down. The backing file is
// the caller's to close.
func (b *Blk) Close() error {
	return b.dev.Close()
}

// ReadConfig implements Ops.
func (b *Blk) ReadConfig(offset uint16) (pci.IoValue, error) {
	return readConfigWindow(b.configBytes(), offset, 4)
}

// WriteConfig implements Ops. The block config window is read-only.
func (b *Blk) WriteConfig(offset uint16, value pci.IoValue) error {
	return fmt.Errorf("%w: write to read-only block config at %#x", ErrUnsupported, offset)
}

// QueueNotify implements Ops. The request queue is drained by the poll
// worker, which the transport wakes after this returns.
func (b *Blk) QueueNotify(queue uint16) error {
	if int(queue) >= b.dev.NumQueues() {
		return fmt.Errorf("%w: notify for queue %d", ErrInvalidArgs, queue)
	}
	return nil
}

type blkSpan struct {
	data  []byte
	write bool
}

// handleRequest serves one request chain: a 16-byte read-only header,
// data descriptors, and a trailing writable status byte.
func (b *Blk) handleRequest(q *Queue, head uint16) (uint32, error) {
	var spans []blkSpan
	_, err := q.WalkChain(head, func(span []byte, flags uint16) (uint32, error) {
		spans = append(spans, blkSpan{data: span, write: flags&virtqDescFWrite != 0})
		return 0, nil
	})
	if err != nil {
		return 0, err
	}
	if len(spans) < 2 {
		return 0, fmt.Errorf("%w: request chain has %d descriptors", ErrInvalidArgs, len(spans))
	}

	hdr := spans[0]
	status := spans[len(spans)-1]
	data := spans[1 : len(spans)-1]

	if hdr.write || len(hdr.data) < 16 {
		return 0, fmt.Errorf("%w: malformed request header", ErrInvalidArgs)
	}
	if !status.write || len(status.data) < 1 {
		return 0, fmt.Errorf("%w: malformed status descriptor", ErrInvalidArgs)
	}

	reqType := binary.LittleEndian.Uint32(hdr.data[0:4])
	sector := binary.LittleEndian.Uint64(hdr.data[8:16])

	written, code := b.execute(reqType, sector, data)
	status.data[0] = code

	// The status byte counts toward the used length.
	return written + 1, nil
}

func (b *Blk) execute(reqType uint32, sector uint64, data []blkSpan) (uint32, byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := int64(sector) * blkSectorSize

	switch reqType {
	case VIRTIO_BLK_T_IN:
		var written uint32
		for _, span := range data {
			if !span.write {
				return written, VIRTIO_BLK_S_IOERR
			}
			n, err := b.file.ReadAt(span.data, offset)
			if err != nil && n == 0 {
				b.log.Error("virtio-blk: read failed", "offset", offset, "length", len(span.data), "error", err)
				return written, VIRTIO_BLK_S_IOERR
			}
			offset += int64(n)
			written += uint32(n)
		}
		return written, VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_OUT:
		if b.readonly {
			return 0, VIRTIO_BLK_S_IOERR
		}
		for _, span := range data {
			if span.write {
				return 0, VIRTIO_BLK_S_IOERR
			}
			n, err := b.file.WriteAt(span.data, offset)
			if err != nil {
				b.log.Error("virtio-blk: write failed", "offset", offset, "length", len(span.data), "error", err)
				return 0, VIRTIO_BLK_S_IOERR
			}
			offset += int64(n)
		}
		return 0, VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_FLUSH:
		if err := b.file.Sync(); err != nil {
			return 0, VIRTIO_BLK_S_IOERR
		}
		return 0, VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_GET_ID:
		// 20-byte null-padded ASCII ID.
		id := make([]byte, 20)
		copy(id, "virtio-blk")
		if len(data) == 0 || !data[0].write {
			return 0, VIRTIO_BLK_S_IOERR
		}
		n := copy(data[0].data, id)
		return uint32(n), VIRTIO_BLK_S_OK

	default:
		return 0, VIRTIO_BLK_S_UNSUPP
	}
}

func (b *Blk) configBytes() []byte {
	b.mu.Lock()
	capacity := b.capacity
	b.mu.Unlock()

	buf := make([]byte, blkConfigSize)
	binary.LittleEndian.PutUint64(buf[0:8], capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20) // size_max
	binary.LittleEndian.PutUint32(buf[12:16], 128)  // seg_max
	// Geometry left zeroed; guests fall back to capacity.
	binary.LittleEndian.PutUint32(buf[20:24], blkSectorSize)
	return buf
}

var _ Ops = (*Blk)(nil)
