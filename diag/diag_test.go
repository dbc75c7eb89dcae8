package diag

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(2)
	logger := slog.New(r)

	logger.Info("first")
	logger.Info("second")
	logger.Info("third")

	entries := r.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Message != "second" || entries[1].Message != "third" {
		t.Fatalf("entries = %+v, want [second third]", entries)
	}
}

func TestRingWithAttrsIsolatesParent(t *testing.T) {
	r := NewRing(4)
	child := r.WithAttrs([]slog.Attr{slog.String("component", "dhcp")})

	logger := slog.New(child)
	logger.Info("bound")

	parentLogger := slog.New(r)
	parentLogger.Info("unrelated")

	entries := r.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if len(entries[0].Attrs) != 1 || entries[0].Attrs[0].Key != "component" {
		t.Fatalf("entries[0].Attrs = %+v, want [component=dhcp]", entries[0].Attrs)
	}
	if len(entries[1].Attrs) != 0 {
		t.Fatalf("entries[1].Attrs = %+v, want none (parent handler unaffected)", entries[1].Attrs)
	}
}

func TestSerialHandlerWritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewSerialHandler(&buf))

	logger.Info("link up", "mac", FormatMAC([6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}))

	out := buf.String()
	if !strings.Contains(out, "link up") {
		t.Fatalf("output %q missing message", out)
	}
	if !strings.Contains(out, "de:ad:be:ef:00:01") {
		t.Fatalf("output %q missing formatted MAC", out)
	}
	if !strings.HasSuffix(out, "\r\n") {
		t.Fatalf("output %q does not end with CRLF", out)
	}
}

func TestFormatIPv4(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.17")
	if got := FormatIPv4(addr); got != "192.0.2.17" {
		t.Fatalf("FormatIPv4 = %q, want 192.0.2.17", got)
	}
}
