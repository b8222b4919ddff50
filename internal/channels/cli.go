package channels

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// WriterDeliverer prints deliveries to a writer. It backs the "cli"
// channel, where the recipient is ignored.
type WriterDeliverer struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

// NewWriterDeliverer creates a deliverer writing to w.
func NewWriterDeliverer(w io.Writer, prefix string) *WriterDeliverer {
	return &WriterDeliverer{w: w, prefix: prefix}
}

// Deliver writes text followed by a newline.
func (d *WriterDeliverer) Deliver(_ context.Context, _ string, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := fmt.Fprintf(d.w, "%s%s\n", d.prefix, text)
	return err
}
