// SPDX-License-Identifier: MIT

// Package audio brings up the background music player behind a Bluetooth
// sink without racing an existing instance.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	xlog "github.com/montyhome/homectl/internal/log"
)

// BluetoothStatus is the sink view the startup machine decides on.
type BluetoothStatus struct {
	Connected  bool   `json:"connected"`
	SinkReady  bool   `json:"sink_ready"`
	DeviceName string `json:"device_name,omitempty"`
}

// Bluetooth abstracts the BlueZ collaborator.
type Bluetooth interface {
	Status(ctx context.Context) (BluetoothStatus, error)
	Connect(ctx context.Context) error
}

// ErrNoDevice reports that the configured speaker is not known to BlueZ.
var ErrNoDevice = errors.New("bluetooth device not found")

const (
	bluezService     = "org.bluez"
	deviceInterface  = "org.bluez.Device1"
	connectPollEvery = 2 * time.Second
)

// BlueZClient talks to the BlueZ daemon over the system bus. devicePath is
// the D-Bus object path of the paired speaker, e.g.
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
type BlueZClient struct {
	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	logger     zerolog.Logger
}

// NewBlueZClient connects to the system bus.
func NewBlueZClient(devicePath string) (*BlueZClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	return &BlueZClient{
		conn:       conn,
		devicePath: dbus.ObjectPath(devicePath),
		logger:     xlog.WithComponent("bluez"),
	}, nil
}

// Close releases the bus connection.
func (c *BlueZClient) Close() error { return c.conn.Close() }

// Status reads the device's Connected and ServicesResolved properties. A
// resolved service set means the A2DP sink is usable.
func (c *BlueZClient) Status(ctx context.Context) (BluetoothStatus, error) {
	obj := c.conn.Object(bluezService, c.devicePath)

	var st BluetoothStatus
	props := map[string]dbus.Variant{}
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.GetAll", 0, deviceInterface)
	if call.Err != nil {
		if isUnknownObject(call.Err) {
			return st, fmt.Errorf("%w: %s", ErrNoDevice, c.devicePath)
		}
		return st, fmt.Errorf("bluez: get properties: %w", call.Err)
	}
	if err := call.Store(&props); err != nil {
		return st, fmt.Errorf("bluez: decode properties: %w", err)
	}

	if v, ok := props["Connected"]; ok {
		st.Connected, _ = v.Value().(bool)
	}
	if v, ok := props["ServicesResolved"]; ok {
		st.SinkReady, _ = v.Value().(bool)
	}
	if v, ok := props["Alias"]; ok {
		st.DeviceName, _ = v.Value().(string)
	}
	return st, nil
}

// Connect asks BlueZ to connect the device and polls until the sink is
// ready or ctx expires. The caller owns the budget.
func (c *BlueZClient) Connect(ctx context.Context) error {
	obj := c.conn.Object(bluezService, c.devicePath)
	if call := obj.CallWithContext(ctx, deviceInterface+".Connect", 0); call.Err != nil {
		if isUnknownObject(call.Err) {
			return fmt.Errorf("%w: %s", ErrNoDevice, c.devicePath)
		}
		// AlreadyConnected is a success from our point of view.
		if !isAlreadyConnected(call.Err) {
			return fmt.Errorf("bluez: connect: %w", call.Err)
		}
	}

	ticker := time.NewTicker(connectPollEvery)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if st.Connected && st.SinkReady {
			c.logger.Info().
				Str(xlog.FieldEvent, "bluez.connected").
				Str("device", st.DeviceName).
				Msg("sink ready")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bluez: sink not ready: %w", context.Cause(ctx))
		case <-ticker.C:
		}
	}
}

func isUnknownObject(err error) bool {
	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.DBus.Error.UnknownObject"
}

func isAlreadyConnected(err error) bool {
	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && dbusErr.Name == "org.bluez.Error.AlreadyConnected"
}
