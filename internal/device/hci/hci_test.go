package hci

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/racectl/internal/device"
	"github.com/danmuck/racectl/internal/testutil/testlog"
)

func TestUnconnectedLink(t *testing.T) {
	testlog.Start(t)
	l := New(Config{Address: " AA:BB:CC:DD:EE:FF "})
	if l.cfg.NotifyUUID == "" || l.cfg.ScanTimeout == 0 {
		t.Fatalf("defaults not applied: %+v", l.cfg)
	}
	if _, err := l.Exchange(context.Background(), []byte("Q")); !errors.Is(err, device.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Write(ctx, []byte("0")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := normalizeAddr(l.cfg.Address); got != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("unexpected address %q", got)
	}
}
