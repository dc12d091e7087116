package virtio

import (
	"errors"
)

// PollHandler processes one descriptor chain popped from the avail
// ring. It returns the number of bytes written to device-writable
// buffers, published to the used ring on its behalf. Returning ErrStop
// ends the worker.
type PollHandler func(q *Queue, head uint16) (written uint32, err error)

// PollWorker drains a queue's avail ring in a background goroutine,
// handing each chain to a handler and returning it used.
type PollWorker struct {
	q    *Queue
	done chan struct{}
}

func startPollWorker(q *Queue, handler PollHandler) *PollWorker {
	w := &PollWorker{q: q, done: make(chan struct{})}
	go w.run(handler)
	return w
}

func (w *PollWorker) run(handler PollHandler) {
	defer close(w.done)
	d := w.q.dev
	for {
		head, err := w.q.Wait()
		if err != nil {
			// Only ErrStop escapes Wait.
			return
		}

		written, err := handler(w.q, head)

		// The chain is returned used whatever the outcome; the guest
		// owns the buffer again either way.
		w.q.Return(head, written)

		if errors.Is(err, ErrStop) {
			return
		}
		if err != nil {
			d.log.Error("virtio: poll handler failed", "error", err)
			return
		}
		if err := d.Interrupt(); err != nil {
			d.log.Error("virtio: interrupt delivery failed", "error", err)
		}
	}
}

// Stop shuts the worker's queue down and waits for the worker goroutine
// to exit. Safe to call more than once.
func (w *PollWorker) Stop() {
	w.q.shutdown()
	w.join()
}

func (w *PollWorker) join() {
	<-w.done
}
