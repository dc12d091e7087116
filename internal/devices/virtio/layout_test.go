package virtio

import (
	"errors"
	"testing"
)

func TestComputeRingLayout(t *testing.T) {
	t.Run("Placement", func(t *testing.T) {
		// Queue of 8 at PFN 1: desc table fills 128 bytes, avail ring
		// 4+16 bytes plus the used-event word, used ring on the next
		// page.
		l, err := computeRingLayout(1, 8, 1<<20)
		if err != nil {
			t.Fatalf("computeRingLayout failed: %v", err)
		}
		if l.desc != 0x1000 {
			t.Errorf("desc at %#x, want 0x1000", l.desc)
		}
		if l.avail != 0x1000+8*16 {
			t.Errorf("avail at %#x, want %#x", l.avail, 0x1000+8*16)
		}
		if l.usedEvent != l.avail+4+8*2 {
			t.Errorf("used-event at %#x, want %#x", l.usedEvent, l.avail+4+8*2)
		}
		if l.used != 0x2000 {
			t.Errorf("used at %#x, want 0x2000", l.used)
		}
		if l.availEvent != l.used+4+8*8 {
			t.Errorf("avail-event at %#x, want %#x", l.availEvent, l.used+4+8*8)
		}
		if l.end != l.availEvent+2 {
			t.Errorf("end at %#x, want %#x", l.end, l.availEvent+2)
		}
	})

	t.Run("UsedAlreadyAligned", func(t *testing.T) {
		// A queue of 128 has desc+avail spilling past one page; the
		// used ring must land on the following boundary.
		l, err := computeRingLayout(2, 128, 1<<20)
		if err != nil {
			t.Fatalf("computeRingLayout failed: %v", err)
		}
		if l.used%PageSize != 0 {
			t.Errorf("used ring at %#x is not page aligned", l.used)
		}
		if l.used <= l.usedEvent {
			t.Errorf("used ring at %#x overlaps avail at %#x", l.used, l.usedEvent)
		}
	})

	t.Run("BeyondGuestMemory", func(t *testing.T) {
		_, err := computeRingLayout(0x100, 8, 1<<20)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("got %v, want ErrOutOfRange", err)
		}
	})

	t.Run("ExactFit", func(t *testing.T) {
		l, err := computeRingLayout(1, 8, 0x1000)
		if !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("one page cannot hold both rings, got layout %+v err %v", l, err)
		}
		if _, err := computeRingLayout(1, 8, 0x2000+4+8*8+2); err != nil {
			t.Errorf("layout ending exactly at memory size rejected: %v", err)
		}
	})

	t.Run("AddressOverflow", func(t *testing.T) {
		// The largest PFN puts the ring close to 2^44; with a huge
		// synthetic memory size the end computation must not wrap.
		_, err := computeRingLayout(0xffffffff, 0x8000, 1<<20)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("got %v, want ErrOutOfRange", err)
		}
	})
}
