package ctrl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-tcmu/internal/uapi"
)

// DeviceName is the identity the kernel encodes in a TCMU uio device name:
//
//	tcm-user/<hba>/<device>/<subtype>/<cfgstring>
type DeviceName struct {
	HBA       uint32
	Device    string
	Subtype   string
	CfgString string // everything after "<subtype>/"
}

// ParseDeviceName splits a uio name. Names without the tcm-user/ prefix are
// not TCMU devices.
func ParseDeviceName(name string) (DeviceName, error) {
	name = strings.TrimRight(name, "\n\x00")
	rest, ok := strings.CutPrefix(name, uapi.TCMU_UIO_PREFIX)
	if !ok {
		return DeviceName{}, errors.Errorf("uio device %q is not a tcmu device", name)
	}
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) < 3 {
		return DeviceName{}, errors.Errorf("malformed tcmu device name %q", name)
	}
	hba, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return DeviceName{}, errors.Wrapf(err, "hba in device name %q", name)
	}
	dn := DeviceName{
		HBA:     uint32(hba),
		Device:  parts[1],
		Subtype: parts[2],
	}
	if dn.Device == "" || dn.Subtype == "" {
		return DeviceName{}, errors.Errorf("malformed tcmu device name %q", name)
	}
	if len(parts) == 4 {
		dn.CfgString = parts[3]
	}
	return dn, nil
}

func (d DeviceName) String() string {
	s := fmt.Sprintf("%s%d/%s/%s", uapi.TCMU_UIO_PREFIX, d.HBA, d.Device, d.Subtype)
	if d.CfgString != "" {
		s += "/" + d.CfgString
	}
	return s
}

// ConfigDir is the device's directory below the configfs core directory.
func (d DeviceName) ConfigDir() string {
	return fmt.Sprintf("user_%d/%s", d.HBA, d.Device)
}

// EventKind is the netlink command carried by an Event.
type EventKind uint8

const (
	EventAdded    EventKind = uapi.TCMU_CMD_ADDED_DEVICE
	EventRemoved  EventKind = uapi.TCMU_CMD_REMOVED_DEVICE
	EventReconfig EventKind = uapi.TCMU_CMD_RECONFIG_DEVICE
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventReconfig:
		return "reconfig"
	}
	return fmt.Sprintf("cmd(%d)", uint8(k))
}

// doneCmd is the reply command for k.
func (k EventKind) doneCmd() uint8 {
	switch k {
	case EventAdded:
		return uapi.TCMU_CMD_ADDED_DEVICE_DONE
	case EventRemoved:
		return uapi.TCMU_CMD_REMOVED_DEVICE_DONE
	case EventReconfig:
		return uapi.TCMU_CMD_RECONFIG_DEVICE_DONE
	}
	return uapi.TCMU_CMD_UNSPEC
}

// Event is one control-channel notification.
type Event struct {
	Kind     EventKind
	Device   string // uio name
	Minor    uint32
	DeviceID uint32
	// HasDeviceID is set when the kernel expects a *_DONE reply.
	HasDeviceID bool

	// Reconfiguration payload; at most one is set.
	Cfg        *string
	Size       *uint64
	WriteCache *bool
}
