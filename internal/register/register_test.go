package register

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tcmu/internal/logging"
)

type fakeBus struct {
	mu       sync.Mutex
	names    []string
	exported map[dbus.ObjectPath]interface{}
	matches  int
	signals  chan<- *dbus.Signal
	reply    dbus.RequestNameReply
}

func newFakeBus() *fakeBus {
	return &fakeBus{exported: make(map[dbus.ObjectPath]interface{}), reply: dbus.RequestNameReplyPrimaryOwner}
}

func (b *fakeBus) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names = append(b.names, name)
	return b.reply, nil
}

func (b *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exported[path] = v
	return nil
}

func (b *fakeBus) AddMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches++
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = ch
}

func (b *fakeBus) emit(sig *dbus.Signal) {
	b.mu.Lock()
	ch := b.signals
	b.mu.Unlock()
	ch <- sig
}

type fakeManager struct {
	mu    sync.Mutex
	err   error
	calls chan string
}

func (m *fakeManager) RegisterHandler(ctx context.Context, subtype, desc string) (bool, string, error) {
	m.mu.Lock()
	err := m.err
	m.mu.Unlock()
	if m.calls != nil {
		m.calls <- subtype
	}
	if err != nil {
		return false, "", err
	}
	if subtype == "refused" {
		return false, "subtype taken", nil
	}
	return true, "", nil
}

func handlers() []Handler {
	return []Handler{
		{Subtype: "file", ConfigDesc: "path=<file>", Check: func(s string) error {
			if s == "" {
				return errors.New("path is required")
			}
			return nil
		}},
		{Subtype: "mem"},
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "org.kernel.TCMUService1.HandlerManager1.file", BusName("file"))
	assert.Equal(t, dbus.ObjectPath("/org/kernel/TCMUService1/HandlerManager1/file"), ObjectPath("file"))
	assert.True(t, ObjectPath("file").IsValid())
}

func TestExport(t *testing.T) {
	bus := newFakeBus()
	r := New(bus, &fakeManager{}, handlers(), logging.Nop())
	require.NoError(t, r.Export())

	assert.Equal(t, []string{BusName("file"), BusName("mem")}, bus.names)
	require.Contains(t, bus.exported, ObjectPath("file"))

	c := bus.exported[ObjectPath("file")].(checker)
	ok, reason, derr := c.CheckConfig("")
	assert.Nil(t, derr)
	assert.False(t, ok)
	assert.Equal(t, "path is required", reason)

	ok, reason, _ = c.CheckConfig("/img")
	assert.True(t, ok)
	assert.Equal(t, "OK", reason)

	ok, _, _ = bus.exported[ObjectPath("mem")].(checker).CheckConfig("anything")
	assert.True(t, ok)
}

func TestExportNameTaken(t *testing.T) {
	bus := newFakeBus()
	bus.reply = dbus.RequestNameReplyExists
	r := New(bus, &fakeManager{}, handlers(), logging.Nop())
	assert.Error(t, r.Export())
}

func TestRegisterAll(t *testing.T) {
	m := &fakeManager{}
	r := New(newFakeBus(), m, append(handlers(), Handler{Subtype: "refused"}), logging.Nop())

	err := r.RegisterAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subtype taken")

	m.err = errors.New("no such service")
	err = r.RegisterAll(context.Background())
	assert.Contains(t, err.Error(), "no such service")
}

func TestRunRegistersWhenServiceAppears(t *testing.T) {
	bus := newFakeBus()
	m := &fakeManager{calls: make(chan string, 8)}
	r := New(bus, m, handlers()[1:], logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	expectCall := func() {
		select {
		case s := <-m.calls:
			assert.Equal(t, "mem", s)
		case <-time.After(5 * time.Second):
			t.Fatal("handler was not registered")
		}
	}
	expectCall()

	// the service going away is ignored; a new owner triggers registration
	bus.emit(&dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{ServiceName, ":1.4", ""}})
	bus.emit(&dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{ServiceName, "", ":1.9"}})
	expectCall()

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, bus.matches)
	assert.Empty(t, m.calls)
}

func TestServiceAppeared(t *testing.T) {
	assert.False(t, serviceAppeared(nil))
	assert.False(t, serviceAppeared(&dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{"other", "", ":1"}}))
	assert.True(t, serviceAppeared(&dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{ServiceName, "", ":1"}}))
}
