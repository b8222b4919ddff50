package channels

import (
	"context"
	"fmt"

	nerrors "neko/internal/errors"
)

// Attachment is a local file to send to a chat.
type Attachment struct {
	Path     string
	Name     string
	MIMEType string
	Caption  string
}

// FileDeliverer is implemented by channels that can send files.
type FileDeliverer interface {
	DeliverFile(ctx context.Context, recipient string, file Attachment) error
}

// DeliverFile routes file to addr. Channels without file support fail with
// DeliveryFailed like unknown ones.
func (r *Router) DeliverFile(ctx context.Context, addr Address, file Attachment) error {
	if addr.IsZero() {
		return nerrors.New(nerrors.KindDeliveryFailed, "channels", "no destination")
	}
	r.mu.RLock()
	d, ok := r.deliverers[addr.Channel]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("File delivery to %s dropped: channel not enabled", addr)
		return nerrors.New(nerrors.KindDeliveryFailed, "channels", "channel %q is not enabled", addr.Channel)
	}
	fd, ok := d.(FileDeliverer)
	if !ok {
		return nerrors.New(nerrors.KindDeliveryFailed, "channels", "channel %q cannot send files", addr.Channel)
	}
	if err := fd.DeliverFile(ctx, addr.Recipient, file); err != nil {
		r.logger.Warn("File delivery to %s failed: %v", addr, err)
		return nerrors.Wrap(nerrors.KindDeliveryFailed, "channels: send file to "+addr.String(), err)
	}
	r.logger.Debug("Delivered %s (%s) to %s", file.Name, file.MIMEType, addr)
	return nil
}

// DeliverFile prints a line naming the file instead of its contents.
func (d *WriterDeliverer) DeliverFile(_ context.Context, _ string, file Attachment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	line := fmt.Sprintf("%s[file] %s (%s)", d.prefix, file.Path, file.MIMEType)
	if file.Caption != "" {
		line += " " + file.Caption
	}
	_, err := fmt.Fprintln(d.w, line)
	return err
}
