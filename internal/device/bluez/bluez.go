// Package bluez implements device.Link over the BlueZ D-Bus GATT API.
package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/racectl/internal/device"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	busName            = "org.bluez"
	adapterInterface   = "org.bluez.Adapter1"
	deviceInterface    = "org.bluez.Device1"
	serviceInterface   = "org.bluez.GattService1"
	charInterface      = "org.bluez.GattCharacteristic1"
	propertiesChanged  = "org.freedesktop.DBus.Properties.PropertiesChanged"
	propertiesGet      = "org.freedesktop.DBus.Properties.Get"
	managedObjectsCall = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// Default GATT identifiers of the transponder (Nordic UART layout).
const (
	DefaultServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultWriteUUID   = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultNotifyUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

type Config struct {
	// Adapter is the controller name, e.g. hci0. Empty picks the first one.
	Adapter string
	// Address is the peripheral's MAC address. Empty matches the first device
	// advertising ServiceUUID.
	Address     string
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
	// ResolveTimeout bounds the wait for GATT services after Device1.Connect.
	ResolveTimeout time.Duration
	// DiscoveryWait is how long discovery runs before devices are matched.
	DiscoveryWait time.Duration
}

func (c Config) WithDefaults() Config {
	if c.ServiceUUID == "" {
		c.ServiceUUID = DefaultServiceUUID
	}
	if c.WriteUUID == "" {
		c.WriteUUID = DefaultWriteUUID
	}
	if c.NotifyUUID == "" {
		c.NotifyUUID = DefaultNotifyUUID
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 10 * time.Second
	}
	if c.DiscoveryWait <= 0 {
		c.DiscoveryWait = 2 * time.Second
	}
	return c
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Link talks to one transponder through bluetoothd.
type Link struct {
	*device.StateTracker

	cfg   Config
	notes *device.Feed[[]byte]

	mu         sync.Mutex
	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	writeChar  dbus.BusObject
	notifyChar dbus.BusObject
	signals    chan *dbus.Signal
	stop       chan struct{}
}

func New(cfg Config) *Link {
	return &Link{
		StateTracker: device.NewStateTracker(),
		cfg:          cfg.WithDefaults(),
		notes:        device.NewFeed[[]byte]("bluez.notify", 32),
	}
}

func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	l.Set(device.StateConnecting)
	if err := l.connectLocked(ctx); err != nil {
		l.teardownLocked()
		l.Set(device.StateDisconnected)
		return device.Transport("connect", err)
	}
	l.Set(device.StateConnected)
	log.Info().Str("device", string(l.devicePath)).Msg("bluez: connected")
	return nil
}

func (l *Link) connectLocked(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	l.conn = conn

	adapterPath, err := l.findAdapter()
	if err != nil {
		return err
	}
	devicePath, err := l.findDevice(ctx, adapterPath)
	if err != nil {
		return err
	}
	l.devicePath = devicePath

	dev := conn.Object(busName, devicePath)
	if err := dev.CallWithContext(ctx, deviceInterface+".Connect", 0).Store(); err != nil {
		return fmt.Errorf("Device1.Connect: %w", err)
	}
	if err := l.waitResolved(ctx); err != nil {
		return err
	}
	if err := l.findCharacteristics(); err != nil {
		return err
	}

	for _, path := range []dbus.ObjectPath{l.notifyChar.Path(), devicePath} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchObjectPath(path),
		); err != nil {
			return fmt.Errorf("add match: %w", err)
		}
	}
	l.signals = make(chan *dbus.Signal, 32)
	l.stop = make(chan struct{})
	conn.Signal(l.signals)
	go l.watch(l.signals, l.stop, l.notifyChar.Path(), devicePath)

	if err := l.notifyChar.CallWithContext(ctx, charInterface+".StartNotify", 0).Store(); err != nil {
		return fmt.Errorf("StartNotify: %w", err)
	}
	return nil
}

func (l *Link) managedObjects() (managedObjects, error) {
	var objects managedObjects
	err := l.conn.Object(busName, "/").Call(managedObjectsCall, 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("managed objects: %w", err)
	}
	return objects, nil
}

func (l *Link) findAdapter() (dbus.ObjectPath, error) {
	objects, err := l.managedObjects()
	if err != nil {
		return "", err
	}
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterInterface]; !ok {
			continue
		}
		if l.cfg.Adapter == "" || strings.HasSuffix(string(path), "/"+l.cfg.Adapter) {
			return path, nil
		}
	}
	return "", fmt.Errorf("bluetooth adapter %q not found", l.cfg.Adapter)
}

func (l *Link) findDevice(ctx context.Context, adapterPath dbus.ObjectPath) (dbus.ObjectPath, error) {
	if path, ok := l.matchDevice(adapterPath); ok {
		return path, nil
	}

	adapter := l.conn.Object(busName, adapterPath)
	if err := adapter.CallWithContext(ctx, adapterInterface+".StartDiscovery", 0).Store(); err != nil {
		log.Warn().Err(err).Msg("bluez: could not start discovery")
	}
	defer adapter.Call(adapterInterface+".StopDiscovery", 0)

	t := time.NewTimer(l.cfg.DiscoveryWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.C:
	}
	if path, ok := l.matchDevice(adapterPath); ok {
		return path, nil
	}
	if l.cfg.Address != "" {
		return "", fmt.Errorf("device %s not found", l.cfg.Address)
	}
	return "", fmt.Errorf("no device advertising %s", l.cfg.ServiceUUID)
}

func (l *Link) matchDevice(adapterPath dbus.ObjectPath) (dbus.ObjectPath, bool) {
	objects, err := l.managedObjects()
	if err != nil {
		return "", false
	}
	for path, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok {
			continue
		}
		if adapter, _ := props["Adapter"].Value().(dbus.ObjectPath); adapter != adapterPath {
			continue
		}
		if l.cfg.Address != "" {
			if addr, _ := props["Address"].Value().(string); strings.EqualFold(addr, l.cfg.Address) {
				return path, true
			}
			continue
		}
		uuids, _ := props["UUIDs"].Value().([]string)
		for _, u := range uuids {
			if strings.EqualFold(u, l.cfg.ServiceUUID) {
				return path, true
			}
		}
	}
	return "", false
}

func (l *Link) waitResolved(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ResolveTimeout)
	defer cancel()
	dev := l.conn.Object(busName, l.devicePath)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		var resolved bool
		err := dev.CallWithContext(ctx, propertiesGet, 0, deviceInterface, "ServicesResolved").Store(&resolved)
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("services not resolved: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

func (l *Link) findCharacteristics() error {
	objects, err := l.managedObjects()
	if err != nil {
		return err
	}
	var servicePath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[serviceInterface]
		if !ok {
			continue
		}
		owner, _ := props["Device"].Value().(dbus.ObjectPath)
		uuid, _ := props["UUID"].Value().(string)
		if owner == l.devicePath && strings.EqualFold(uuid, l.cfg.ServiceUUID) {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return fmt.Errorf("service %s not found", l.cfg.ServiceUUID)
	}

	for path, ifaces := range objects {
		props, ok := ifaces[charInterface]
		if !ok {
			continue
		}
		if svc, _ := props["Service"].Value().(dbus.ObjectPath); svc != servicePath {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		if strings.EqualFold(uuid, l.cfg.WriteUUID) {
			l.writeChar = l.conn.Object(busName, path)
		}
		if strings.EqualFold(uuid, l.cfg.NotifyUUID) {
			l.notifyChar = l.conn.Object(busName, path)
		}
	}
	if l.writeChar == nil || l.notifyChar == nil {
		return fmt.Errorf("characteristics missing (write=%v notify=%v)", l.writeChar != nil, l.notifyChar != nil)
	}
	return nil
}

// watch forwards Value changes of the notify characteristic and tracks the
// device's Connected property.
func (l *Link) watch(signals <-chan *dbus.Signal, stop chan struct{}, charPath, devicePath dbus.ObjectPath) {
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				l.dropped(stop, "signal channel closed")
				return
			}
			if sig.Name != propertiesChanged || len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			changed, _ := sig.Body[1].(map[string]dbus.Variant)
			switch {
			case sig.Path == charPath && iface == charInterface:
				if v, ok := changed["Value"]; ok {
					if b, ok := v.Value().([]byte); ok {
						l.notes.Publish(append([]byte(nil), b...))
					}
				}
			case sig.Path == devicePath && iface == deviceInterface:
				if v, ok := changed["Connected"]; ok {
					if connected, _ := v.Value().(bool); !connected {
						l.dropped(stop, "peer disconnected")
						return
					}
				}
			}
		}
	}
}

// dropped tears down the connection that stop belongs to, unless Disconnect
// or a newer Connect already replaced it.
func (l *Link) dropped(stop chan struct{}, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != stop {
		return
	}
	log.Warn().Str("reason", reason).Msg("bluez: link lost")
	l.teardownLocked()
	l.Set(device.StateDisconnected)
}

func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	l.Set(device.StateDisconnecting)
	var err error
	if l.devicePath != "" {
		err = l.conn.Object(busName, l.devicePath).Call(deviceInterface+".Disconnect", 0).Store()
	}
	l.teardownLocked()
	l.Set(device.StateDisconnected)
	return device.Transport("disconnect", err)
}

func (l *Link) teardownLocked() {
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	if l.conn != nil {
		if l.signals != nil {
			l.conn.RemoveSignal(l.signals)
		}
		if l.notifyChar != nil {
			l.notifyChar.Call(charInterface+".StopNotify", 0)
		}
		l.conn.Close()
	}
	l.conn = nil
	l.signals = nil
	l.writeChar = nil
	l.notifyChar = nil
	l.devicePath = ""
	l.notes.CloseSubscribers()
}

func (l *Link) chars(op string) (dbus.BusObject, dbus.BusObject, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, nil, device.NotConnected(op)
	}
	return l.writeChar, l.notifyChar, nil
}

func (l *Link) Write(ctx context.Context, frame []byte) error {
	w, _, err := l.chars("write")
	if err != nil {
		return err
	}
	call := w.CallWithContext(ctx, charInterface+".WriteValue", 0, frame, map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	})
	return device.Transport("write", call.Err)
}

func (l *Link) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	if err := l.Write(ctx, frame); err != nil {
		return nil, err
	}
	return l.Read(ctx)
}

// Read fetches the current value of the response characteristic.
func (l *Link) Read(ctx context.Context) ([]byte, error) {
	_, r, err := l.chars("read")
	if err != nil {
		return nil, err
	}
	var value []byte
	err = r.CallWithContext(ctx, charInterface+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value)
	if err != nil {
		return nil, device.Transport("read", err)
	}
	return value, nil
}

func (l *Link) Subscribe() (<-chan []byte, func()) {
	return l.notes.Subscribe()
}

var (
	_ device.Link           = (*Link)(nil)
	_ device.ResponseReader = (*Link)(nil)
)
