// Package actuator maps user-level device toggles onto backend command
// tokens and tracks the optimistic on/off state of each device.
package actuator

import (
	"context"
	"errors"
	"fmt"
)

// Device is a controllable coop device.
type Device string

const (
	Fan   Device = "fan"
	Lamp  Device = "lamp"
	Water Device = "water"
)

// Devices lists every controllable device.
var Devices = []Device{Fan, Lamp, Water}

// Action is the requested position of a device.
type Action string

const (
	On  Action = "on"
	Off Action = "off"
)

var ErrUnknownDevice = errors.New("unknown device")

type command struct {
	device Device
	action Action
}

var commands = map[command]string{
	{Fan, On}:    "fan_on",
	{Fan, Off}:   "fan_off",
	{Lamp, On}:   "light_on",
	{Lamp, Off}:  "light_off",
	{Water, On}:  "water_on",
	{Water, Off}: "water_off",
}

// ParseDevice validates a device name.
func ParseDevice(s string) (Device, error) {
	d := Device(s)
	for _, known := range Devices {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDevice, s)
}

// Command returns the backend token for device and action.
func Command(d Device, a Action) (string, error) {
	c, ok := commands[command{d, a}]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, d)
	}
	return c, nil
}

// Commander sends one command token to the control endpoint.
type Commander interface {
	Control(ctx context.Context, device, command string) error
}

// Reporter surfaces user-visible messages.
type Reporter interface {
	ShowMessage(msg string)
}

// State is the local on/off view of every device.
type State map[Device]bool
