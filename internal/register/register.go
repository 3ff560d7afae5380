// Package register announces handlers to the TCMU service on the system bus
// and answers its configuration checks.
package register

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-tcmu/internal/logging"
)

// Bus names and object paths of the TCMU service.
const (
	ServiceName      = "org.kernel.TCMUService1"
	ManagerPath      = "/org/kernel/TCMUService1/HandlerManager1"
	ManagerInterface = "org.kernel.TCMUService1.HandlerManager1"
	HandlerInterface = "org.kernel.TCMUService1"
)

// Handler is one subtype to register.
type Handler struct {
	Subtype    string
	ConfigDesc string
	// Check validates a configuration string; nil accepts everything.
	Check func(cfgString string) error
}

// BusName is the name owned on behalf of a subtype.
func BusName(subtype string) string { return ManagerInterface + "." + subtype }

// ObjectPath is where a subtype's CheckConfig object is exported.
func ObjectPath(subtype string) dbus.ObjectPath {
	return dbus.ObjectPath(ManagerPath + "/" + subtype)
}

// Bus is the part of *dbus.Conn the registrar uses.
type Bus interface {
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
}

// Manager is the TCMU service's handler manager.
type Manager interface {
	RegisterHandler(ctx context.Context, subtype, configDesc string) (bool, string, error)
}

// busManager calls the handler manager object over the bus.
type busManager struct {
	obj dbus.BusObject
}

// NewManager returns the handler manager reachable through conn.
func NewManager(conn *dbus.Conn) Manager {
	return &busManager{obj: conn.Object(ServiceName, ManagerPath)}
}

func (m *busManager) RegisterHandler(ctx context.Context, subtype, configDesc string) (bool, string, error) {
	var (
		ok     bool
		reason string
	)
	call := m.obj.CallWithContext(ctx, ManagerInterface+".RegisterHandler", 0, subtype, configDesc)
	if err := call.Store(&ok, &reason); err != nil {
		return false, "", errors.Wrap(err, "RegisterHandler")
	}
	return ok, reason, nil
}

// checker is the object exported for a subtype.
type checker struct {
	h Handler
}

// CheckConfig is called by the TCMU service before it creates a device.
func (c checker) CheckConfig(cfgString string) (bool, string, *dbus.Error) {
	if c.h.Check == nil {
		return true, "OK", nil
	}
	if err := c.h.Check(cfgString); err != nil {
		return false, err.Error(), nil
	}
	return true, "OK", nil
}

// Registrar owns the bus names of a set of handlers and registers them
// whenever the TCMU service appears.
type Registrar struct {
	bus      Bus
	manager  Manager
	handlers []Handler
	logger   *logging.Logger
}

// New returns a registrar for handlers.
func New(bus Bus, manager Manager, handlers []Handler, logger *logging.Logger) *Registrar {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registrar{bus: bus, manager: manager, handlers: handlers, logger: logger}
}

// ConnectSystem connects to the system bus and returns a registrar using
// it. The returned connection is closed by the caller.
func ConnectSystem(handlers []Handler, logger *logging.Logger) (*Registrar, *dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect system bus")
	}
	return New(conn, NewManager(conn), handlers, logger), conn, nil
}

// Export owns each handler's bus name and exports its CheckConfig object.
func (r *Registrar) Export() error {
	for _, h := range r.handlers {
		reply, err := r.bus.RequestName(BusName(h.Subtype), dbus.NameFlagDoNotQueue)
		if err != nil {
			return errors.Wrapf(err, "request name for %s", h.Subtype)
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			return errors.Errorf("bus name %s is owned by another process", BusName(h.Subtype))
		}
		if err := r.bus.Export(checker{h}, ObjectPath(h.Subtype), HandlerInterface); err != nil {
			return errors.Wrapf(err, "export %s", ObjectPath(h.Subtype))
		}
		r.logger.Debug("exported handler", "subtype", h.Subtype, "path", ObjectPath(h.Subtype))
	}
	return nil
}

// RegisterAll registers every handler with the handler manager.
func (r *Registrar) RegisterAll(ctx context.Context) error {
	var errs error
	for _, h := range r.handlers {
		ok, reason, err := r.manager.RegisterHandler(ctx, h.Subtype, h.ConfigDesc)
		switch {
		case err != nil:
			errs = multierr.Append(errs, errors.Wrapf(err, "register %s", h.Subtype))
		case !ok:
			errs = multierr.Append(errs, errors.Errorf("register %s: %s", h.Subtype, reason))
		default:
			r.logger.Info("registered handler", "subtype", h.Subtype)
		}
	}
	return errs
}

// Run exports the handlers, registers them, and registers them again each
// time the TCMU service gets a new owner, until ctx is done. A service that
// is not running yet is not an error.
func (r *Registrar) Run(ctx context.Context) error {
	if err := r.Export(); err != nil {
		return err
	}

	err := r.bus.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, ServiceName),
	)
	if err != nil {
		return errors.Wrap(err, "watch TCMU service")
	}
	signals := make(chan *dbus.Signal, 8)
	r.bus.Signal(signals)

	if err := r.RegisterAll(ctx); err != nil {
		r.logger.Warn("TCMU service not available yet", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			if !serviceAppeared(sig) {
				continue
			}
			if err := r.RegisterAll(ctx); err != nil {
				r.logger.Error("registering handlers failed", "error", err)
			}
		}
	}
}

// serviceAppeared reports whether sig announces a new owner of the TCMU
// service name.
func serviceAppeared(sig *dbus.Signal) bool {
	if sig == nil || sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return false
	}
	name, _ := sig.Body[0].(string)
	owner, _ := sig.Body[2].(string)
	return name == ServiceName && owner != ""
}
