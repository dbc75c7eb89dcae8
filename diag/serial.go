package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
)

// SerialHandler mirrors log records to w as plain text, one line per
// record, terminated "\r\n" the way a raw serial terminal expects (spec
// §9 SUPPLEMENTED FEATURES #4, mirroring
// original_source/network/src/mainloop/serial.rs's println). It never
// retries or buffers: a write that fails (port not wired, TUI not
// listening) is simply dropped, since diagnostics must never block or
// fail the caller the way the ring buffer doesn't either.
type SerialHandler struct {
	mu    sync.Mutex
	w     io.Writer
	attrs []slog.Attr
	group string
}

// NewSerialHandler wraps w, the write end of whatever UART the firmware
// wired up (firmware.SerialWriter on real hardware, any io.Writer in
// tests or cmd/morpheussim).
func NewSerialHandler(w io.Writer) *SerialHandler {
	return &SerialHandler{w: w}
}

var _ slog.Handler = (*SerialHandler)(nil)

func (h *SerialHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *SerialHandler) Handle(_ context.Context, rec slog.Record) error {
	line := fmt.Sprintf("[%s] %s", rec.Level, rec.Message)
	if h.group != "" {
		line = h.group + ": " + line
	}

	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.WriteString(h.w, line+"\r\n")
	return err
}

func (h *SerialHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := *h
	child.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &child
}

func (h *SerialHandler) WithGroup(name string) slog.Handler {
	child := *h
	if h.group == "" {
		child.group = name
	} else {
		child.group = h.group + "." + name
	}
	return &child
}

// FormatMAC renders mac as the colon-separated hex pairs
// original_source's print_mac produces, for use as a slog.Attr value
// (e.g. slog.String("mac", diag.FormatMAC(mac))).
func FormatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// FormatIPv4 renders addr in dotted-decimal form, mirroring
// original_source's print_ipv4.
func FormatIPv4(addr netip.Addr) string {
	if !addr.Is4() {
		return addr.String()
	}
	o := addr.As4()
	return fmt.Sprintf("%d.%d.%d.%d", o[0], o[1], o[2], o[3])
}
