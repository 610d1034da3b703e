// Package hci implements device.Link directly over an HCI socket with
// go-ble, for hosts without bluetoothd.
package hci

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Address is the peripheral MAC. Empty scans for ServiceUUID.
	Address     string
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
	ScanTimeout time.Duration
}

func (c Config) WithDefaults() Config {
	if c.ServiceUUID == "" {
		c.ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	}
	if c.WriteUUID == "" {
		c.WriteUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	}
	if c.NotifyUUID == "" {
		c.NotifyUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 10 * time.Second
	}
	return c
}

var (
	hostOnce sync.Once
	hostErr  error
)

// openHost installs the process-wide HCI device once.
func openHost() error {
	hostOnce.Do(func() {
		d, err := newHostDevice()
		if err != nil {
			hostErr = errors.Wrap(err, "open hci device")
			return
		}
		ble.SetDefaultDevice(d)
	})
	return hostErr
}

type Link struct {
	*device.StateTracker

	cfg   Config
	notes *device.Feed[[]byte]

	mu     sync.Mutex
	client ble.Client
	write  *ble.Characteristic
	notify *ble.Characteristic
}

func New(cfg Config) *Link {
	return &Link{
		StateTracker: device.NewStateTracker(),
		cfg:          cfg.WithDefaults(),
		notes:        device.NewFeed[[]byte]("hci.notify", 32),
	}
}

func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return nil
	}
	l.Set(device.StateConnecting)
	if err := l.connectLocked(ctx); err != nil {
		l.closeLocked()
		l.Set(device.StateDisconnected)
		return device.Transport("connect", err)
	}
	l.Set(device.StateConnected)
	log.Info().Str("address", l.client.Addr().String()).Msg("hci: connected")
	go l.watch(l.client)
	return nil
}

func (l *Link) connectLocked(ctx context.Context) error {
	if err := openHost(); err != nil {
		return err
	}
	service, err := ble.Parse(l.cfg.ServiceUUID)
	if err != nil {
		return errors.Wrap(err, "service uuid")
	}
	writeUUID, err := ble.Parse(l.cfg.WriteUUID)
	if err != nil {
		return errors.Wrap(err, "write uuid")
	}
	notifyUUID, err := ble.Parse(l.cfg.NotifyUUID)
	if err != nil {
		return errors.Wrap(err, "notify uuid")
	}

	scanCtx, cancel := context.WithTimeout(ctx, l.cfg.ScanTimeout)
	defer cancel()
	var client ble.Client
	if l.cfg.Address != "" {
		client, err = ble.Dial(scanCtx, ble.NewAddr(normalizeAddr(l.cfg.Address)))
	} else {
		client, err = ble.Connect(scanCtx, func(a ble.Advertisement) bool {
			for _, u := range a.Services() {
				if u.Equal(service) {
					return true
				}
			}
			return false
		})
	}
	if err != nil {
		switch errors.Cause(err) {
		case context.DeadlineExceeded:
			return errors.Errorf("transponder not found within %s", l.cfg.ScanTimeout)
		case context.Canceled:
			return errors.Wrap(err, "scan canceled")
		default:
			return errors.Wrap(err, "dial")
		}
	}
	l.client = client

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return errors.Wrap(err, "discover profile")
	}
	w, ok := profile.Find(ble.NewCharacteristic(writeUUID)).(*ble.Characteristic)
	if !ok {
		return errors.Errorf("write characteristic %s not found", l.cfg.WriteUUID)
	}
	n, ok := profile.Find(ble.NewCharacteristic(notifyUUID)).(*ble.Characteristic)
	if !ok {
		return errors.Errorf("notify characteristic %s not found", l.cfg.NotifyUUID)
	}
	l.write, l.notify = w, n

	if err := client.Subscribe(n, false, func(b []byte) {
		l.notes.Publish(append([]byte(nil), b...))
	}); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	return nil
}

func (l *Link) watch(client ble.Client) {
	<-client.Disconnected()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != client {
		return
	}
	log.Warn().Msg("hci: peer disconnected")
	l.client, l.write, l.notify = nil, nil, nil
	l.notes.CloseSubscribers()
	l.Set(device.StateDisconnected)
}

func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil
	}
	l.Set(device.StateDisconnecting)
	err := l.closeLocked()
	l.Set(device.StateDisconnected)
	return device.Transport("disconnect", err)
}

func (l *Link) closeLocked() error {
	var err error
	if l.client != nil {
		if l.notify != nil {
			if uerr := l.client.Unsubscribe(l.notify, false); uerr != nil {
				log.Debug().Err(uerr).Msg("hci: unsubscribe")
			}
		}
		err = l.client.CancelConnection()
	}
	l.client, l.write, l.notify = nil, nil, nil
	l.notes.CloseSubscribers()
	return err
}

func (l *Link) session(op string) (ble.Client, *ble.Characteristic, *ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, nil, nil, device.NotConnected(op)
	}
	return l.client, l.write, l.notify, nil
}

// Write sends frame with a write request. go-ble calls are not context aware,
// so ctx is only checked before the call.
func (l *Link) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, w, _, err := l.session("write")
	if err != nil {
		return err
	}
	return device.Transport("write", client.WriteCharacteristic(w, frame, false))
}

func (l *Link) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	if err := l.Write(ctx, frame); err != nil {
		return nil, err
	}
	return l.Read(ctx)
}

func (l *Link) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, _, r, err := l.session("read")
	if err != nil {
		return nil, err
	}
	b, err := client.ReadCharacteristic(r)
	if err != nil {
		return nil, device.Transport("read", err)
	}
	return b, nil
}

func (l *Link) Subscribe() (<-chan []byte, func()) {
	return l.notes.Subscribe()
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

var (
	_ device.Link           = (*Link)(nil)
	_ device.ResponseReader = (*Link)(nil)
)
