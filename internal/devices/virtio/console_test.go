package virtio

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aszer/zircon/internal/hv"
)

// syncBuffer is a goroutine-safe output sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsoleTX(t *testing.T) {
	mem := hv.NewRAM(testMemSize)
	out := &syncBuffer{}
	console, err := NewConsole(ConsoleConfig{
		Memory: mem,
		Logger: testLogger(),
		Output: out,
		Cols:   80,
		Rows:   25,
	})
	if err != nil {
		t.Fatalf("NewConsole failed: %v", err)
	}
	defer console.Close()

	ring := setupQueue(t, console.Device(), consoleQueueTX, 8, 4, mem)
	if err := console.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const buf = uint64(0x40000)
	span, _ := mem.Slice(buf, 16)
	copy(span, "guest says hi")
	ring.writeDesc(0, buf, 13, 0, 0)
	ring.push(0)
	console.Device().Queue(consoleQueueTX).Signal()

	deadline := time.Now().Add(time.Second)
	for out.String() != "guest says hi" {
		if time.Now().After(deadline) {
			t.Fatalf("output %q, want %q", out.String(), "guest says hi")
		}
		time.Sleep(time.Millisecond)
	}

	if _, _, ok := ring.popUsed(); !ok {
		// The completion may lag the write by a scheduling beat.
		time.Sleep(50 * time.Millisecond)
		if _, _, ok := ring.popUsed(); !ok {
			t.Error("transmit buffer never returned")
		}
	}
}

func TestConsoleRX(t *testing.T) {
	mem := hv.NewRAM(testMemSize)
	input, inputW := io.Pipe()
	console, err := NewConsole(ConsoleConfig{
		Memory: mem,
		Logger: testLogger(),
		Input:  input,
	})
	if err != nil {
		t.Fatalf("NewConsole failed: %v", err)
	}
	defer console.Close()

	ring := setupQueue(t, console.Device(), consoleQueueRX, 8, 4, mem)
	if err := console.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const buf = uint64(0x40000)
	ring.writeDesc(0, buf, 64, virtqDescFWrite, 0)
	ring.push(0)
	console.Device().Queue(consoleQueueRX).Signal()

	go inputW.Write([]byte("host says hello"))

	deadline := time.Now().Add(time.Second)
	for {
		if id, length, ok := ring.popUsed(); ok {
			if id != 0 {
				t.Errorf("used id = %d, want 0", id)
			}
			span, _ := mem.Slice(buf, length)
			if !bytes.Equal(span, []byte("host says hello")) {
				t.Errorf("guest buffer %q", span)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("input never delivered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConsoleConfig(t *testing.T) {
	mem := hv.NewRAM(testMemSize)
	console, err := NewConsole(ConsoleConfig{
		Memory: mem,
		Logger: testLogger(),
		Cols:   132,
		Rows:   43,
	})
	if err != nil {
		t.Fatalf("NewConsole failed: %v", err)
	}
	defer console.Close()

	cols, err := console.ReadConfig(0)
	if err != nil {
		t.Fatalf("cols read failed: %v", err)
	}
	rows, err := console.ReadConfig(2)
	if err != nil {
		t.Fatalf("rows read failed: %v", err)
	}
	if cols.Value != 132 || rows.Value != 43 {
		t.Errorf("size = %dx%d, want 132x43", cols.Value, rows.Value)
	}

	t.Run("ResizeRaisesConfigISR", func(t *testing.T) {
		if err := console.Resize(80, 25); err != nil {
			t.Fatalf("Resize failed: %v", err)
		}
		if console.Device().readAndClearISR()&VIRTIO_ISR_CONFIG == 0 {
			t.Error("config ISR bit not set after resize")
		}
	})
}
