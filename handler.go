package tcmu

import (
	"context"

	"github.com/ehrlich-b/go-tcmu/internal/interfaces"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// Handler serves the SCSI commands of the devices whose subtype it is
// registered for.
//
// HandleCommand returns a terminal status for commands it completed
// synchronously, scsi.AsyncHandled when it will call cmd.Complete later
// (from any goroutine), or scsi.NotHandled to fall back to the built-in
// emulation. Handlers that return a failure status may fill cmd.Sense()
// and return scsi.PassthroughErr to report their own sense data.
type Handler interface {
	// Subtype is the name after "user_" the kernel uses to pick the
	// handler, e.g. "file" for a backstore created as user:file.
	Subtype() string
	HandleCommand(dev *Device, cmd *Command) scsi.Status
}

// HandlerFunc adapts a function to a Handler for a fixed subtype.
type HandlerFunc struct {
	Name string
	Fn   func(dev *Device, cmd *Command) scsi.Status
}

func (h HandlerFunc) Subtype() string { return h.Name }

func (h HandlerFunc) HandleCommand(dev *Device, cmd *Command) scsi.Status {
	return h.Fn(dev, cmd)
}

// Opener is implemented by handlers that keep per-device state. Open is
// called before the device serves commands and Close after it stopped.
type Opener interface {
	Open(dev *Device) error
	Close(dev *Device) error
}

// Flusher is implemented by handlers with a volatile cache.
type Flusher interface {
	Flush(ctx context.Context, dev *Device) error
}

// Reconfigurer is implemented by handlers that accept configuration
// changes while the device is blocked. Unset fields are unchanged.
type Reconfigurer interface {
	Reconfig(dev *Device, change Reconfig) error
}

// ConfigChecker validates a configuration string before the kernel creates
// a device with it.
type ConfigChecker interface {
	CheckConfig(cfgString string) error
}

// Describer lets a handler publish a human-readable name and a description
// of its configuration string.
type Describer interface {
	Name() string
	ConfigDesc() string
}

// Reconfig is one configuration change announced by the kernel.
type Reconfig struct {
	CfgString  *string
	Size       *uint64
	WriteCache *bool
}

// Store types are shared with the backends.
type (
	Store       = interfaces.Store
	Unmapper    = interfaces.Unmapper
	ZeroWriter  = interfaces.ZeroWriter
	RangeSyncer = interfaces.RangeSyncer
	Stater      = interfaces.Stater
	Resizer     = interfaces.Resizer
)

// Logger is the minimal logging interface accepted in Options.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
