package ctrl

import (
	"context"
	"encoding/binary"
	"syscall"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tcmu/internal/constants"
	"github.com/ehrlich-b/go-tcmu/internal/logging"
	"github.com/ehrlich-b/go-tcmu/internal/uapi"
)

// genlHdrLen is the size of struct genlmsghdr.
const genlHdrLen = 4

// Netlink is a subscription to the TCMU generic netlink family's config
// multicast group.
type Netlink struct {
	family uint16
	sock   *nl.NetlinkSocket
	logger *logging.Logger
}

// OpenNetlink resolves the TCMU family, joins its config group and asks the
// kernel to wait for *_DONE replies.
func OpenNetlink(logger *logging.Logger) (*Netlink, error) {
	if logger == nil {
		logger = logging.Default()
	}
	fam, err := netlink.GenlFamilyGet(uapi.TCMU_GENL_NAME)
	if err != nil {
		return nil, errors.Wrap(err, "resolve TCMU netlink family (is target_core_user loaded?)")
	}
	var group uint32
	for _, g := range fam.Groups {
		if g.Name == uapi.TCMU_MCGRP_CONFIG {
			group = g.ID
		}
	}
	if group == 0 {
		return nil, errors.Errorf("TCMU family has no %q multicast group", uapi.TCMU_MCGRP_CONFIG)
	}

	sock, err := nl.Subscribe(unix.NETLINK_GENERIC)
	if err != nil {
		return nil, errors.Wrap(err, "open generic netlink socket")
	}
	// group ids above 32 cannot be joined through the bind mask
	if err := unix.SetsockoptInt(sock.GetFd(), unix.SOL_NETLINK, unix.NETLINK_ADD_MEMBERSHIP, int(group)); err != nil {
		sock.Close()
		return nil, errors.Wrap(err, "join TCMU config group")
	}
	tv := unix.NsecToTimeval(int64(constants.UIOPollTimeout))
	if err := sock.SetReceiveTimeout(&tv); err != nil {
		sock.Close()
		return nil, errors.Wrap(err, "set netlink receive timeout")
	}

	n := &Netlink{family: fam.ID, sock: sock, logger: logger}
	// older kernels do not know SET_FEATURES and never wait for replies
	_ = n.setFeatures()
	return n, nil
}

func (n *Netlink) setFeatures() error {
	req := n.request(uapi.TCMU_CMD_SET_FEATURES, unix.NLM_F_ACK)
	req.AddData(nl.NewRtAttr(uapi.TCMU_ATTR_SUPP_KERN_CMD_REPLY, nl.Uint8Attr(1)))
	_, err := req.Execute(unix.NETLINK_GENERIC, 0)
	return errors.Wrap(err, "set TCMU netlink features")
}

func (n *Netlink) request(cmd uint8, flags int) *nl.NetlinkRequest {
	req := nl.NewNetlinkRequest(int(n.family), flags)
	req.AddData(&nl.Genlmsg{Command: cmd, Version: uapi.TCMU_GENL_VERSION})
	return req
}

// Receive waits for the next batch of events. It returns an empty batch when
// the receive timeout passes so callers can observe ctx.
func (n *Netlink) Receive(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, _, err := n.sock.Receive()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "receive netlink")
	}
	return n.events(msgs), nil
}

// events decodes the TCMU messages of one batch. Messages of other families
// and commands that are not device events are skipped.
func (n *Netlink) events(msgs []syscall.NetlinkMessage) []Event {
	var events []Event
	for _, m := range msgs {
		if m.Header.Type != n.family {
			continue
		}
		ev, err := ParseMessage(m.Data)
		if err != nil {
			n.logger.Debug("ignoring netlink message", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Reply sends the *_DONE message for ev with status (0 or a negative errno).
// Events without a device id need no reply.
func (n *Netlink) Reply(ev Event, status int32) error {
	if !ev.HasDeviceID {
		return nil
	}
	req := n.request(ev.Kind.doneCmd(), 0)
	req.AddData(nl.NewRtAttr(uapi.TCMU_ATTR_CMD_STATUS, nl.Uint32Attr(uint32(status))))
	req.AddData(nl.NewRtAttr(uapi.TCMU_ATTR_DEVICE_ID, nl.Uint32Attr(ev.DeviceID)))
	if err := n.sock.Send(req); err != nil {
		return errors.Wrapf(err, "reply to %s event for %s", ev.Kind, ev.Device)
	}
	return nil
}

func (n *Netlink) Close() error {
	n.sock.Close()
	return nil
}

// ParseMessage decodes the payload of one TCMU generic netlink message.
func ParseMessage(data []byte) (Event, error) {
	if len(data) < genlHdrLen {
		return Event{}, errors.Errorf("short genl message of %d bytes", len(data))
	}
	ev := Event{Kind: EventKind(data[0])}
	switch ev.Kind {
	case EventAdded, EventRemoved, EventReconfig:
	default:
		return Event{}, errors.Errorf("unexpected TCMU netlink command %d", data[0])
	}

	attrs, err := nl.ParseRouteAttr(data[genlHdrLen:])
	if err != nil {
		return Event{}, errors.Wrap(err, "parse netlink attributes")
	}
	for _, a := range attrs {
		if err := ev.apply(a); err != nil {
			return Event{}, err
		}
	}
	if ev.Device == "" {
		return Event{}, errors.Errorf("%s event without device name", ev.Kind)
	}
	return ev, nil
}

func (ev *Event) apply(a syscall.NetlinkRouteAttr) error {
	need := func(n int) error {
		if len(a.Value) < n {
			return errors.Errorf("netlink attribute %d: %d bytes, want %d", a.Attr.Type, len(a.Value), n)
		}
		return nil
	}
	switch a.Attr.Type {
	case uapi.TCMU_ATTR_DEVICE:
		ev.Device = cString(a.Value)
	case uapi.TCMU_ATTR_MINOR:
		if err := need(4); err != nil {
			return err
		}
		ev.Minor = binary.NativeEndian.Uint32(a.Value)
	case uapi.TCMU_ATTR_DEVICE_ID:
		if err := need(4); err != nil {
			return err
		}
		ev.DeviceID = binary.NativeEndian.Uint32(a.Value)
		ev.HasDeviceID = true
	case uapi.TCMU_ATTR_DEV_CFG:
		s := cString(a.Value)
		ev.Cfg = &s
	case uapi.TCMU_ATTR_DEV_SIZE:
		if err := need(8); err != nil {
			return err
		}
		v := binary.NativeEndian.Uint64(a.Value)
		ev.Size = &v
	case uapi.TCMU_ATTR_WRITECACHE:
		if err := need(1); err != nil {
			return err
		}
		v := a.Value[0] != 0
		ev.WriteCache = &v
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
