// Package uapi provides Linux kernel UAPI definitions for target_core_user
package uapi

// Mailbox
const (
	TCMU_MAILBOX_VERSION = 2
	ALIGN_SIZE           = 64 // cmd_tail sits on its own cache line
)

// Mailbox capability flags
const (
	TCMU_MAILBOX_FLAG_CAP_OOOC     = 1 << 0 // out of order completion
	TCMU_MAILBOX_FLAG_CAP_READ_LEN = 1 << 1 // read_len valid in response
	TCMU_MAILBOX_FLAG_CAP_TMR      = 1 << 2 // TMR notifications
	TCMU_MAILBOX_FLAG_CAP_KEEP_BUF = 1 << 3 // data area kept after completion
)

// Entry opcodes, stored in the low 3 bits of len_op
const (
	TCMU_OP_PAD = 0
	TCMU_OP_CMD = 1
	TCMU_OP_TMR = 2

	TCMU_OP_MASK = 0x7
)

// Entry flags
const (
	TCMU_UFLAG_UNKNOWN_OP = 0x1
	TCMU_UFLAG_READ_LEN   = 0x2
	TCMU_UFLAG_KEEP_BUF   = 0x4
)

const TCMU_SENSE_BUFFERSIZE = 96

// Task management function types carried by TMR entries
const (
	TCMU_TMR_UNKNOWN           = 0
	TCMU_TMR_ABORT_TASK        = 1
	TCMU_TMR_ABORT_TASK_SET    = 2
	TCMU_TMR_CLEAR_ACA         = 3
	TCMU_TMR_CLEAR_TASK_SET    = 4
	TCMU_TMR_LUN_RESET         = 5
	TCMU_TMR_TARGET_WARM_RESET = 6
	TCMU_TMR_TARGET_COLD_RESET = 7
	TCMU_TMR_LUN_RESET_PRO     = 128
)

// Byte offsets inside the mailbox and command entries (64-bit layout).
const (
	offMbVersion  = 0
	offMbFlags    = 2
	offMbCmdrOff  = 4
	offMbCmdrSize = 8
	offMbCmdHead  = 12
	offMbCmdTail  = 64

	offLenOp  = 0
	offCmdID  = 4
	offKFlags = 6
	offUFlags = 7

	offReqIovCnt     = 8
	offReqIovBidiCnt = 12
	offReqIovDifCnt  = 16
	offReqCdbOff     = 24
	offReqIov        = 48

	offRspSCSIStatus = 8
	offRspReadLen    = 12
	offRspSense      = 16

	offTmrType   = 8
	offTmrCmdCnt = 12
	offTmrCmdIDs = 32

	// EntryHdrSize is the size of tcmu_cmd_entry_hdr.
	EntryHdrSize = 8
	// IovecSize is the size of one struct iovec in the request.
	IovecSize = 16
	// MinEntrySize is the smallest command entry the kernel queues. The CDB
	// follows it, so a completion never overwrites the CDB.
	MinEntrySize = offRspSense + TCMU_SENSE_BUFFERSIZE
)

// Generic netlink interface of target_core_user
const (
	TCMU_GENL_NAME    = "TCMU"
	TCMU_MCGRP_CONFIG = "config"
	TCMU_GENL_VERSION = 2
)

// Netlink commands
const (
	TCMU_CMD_UNSPEC               = 0
	TCMU_CMD_ADDED_DEVICE         = 1
	TCMU_CMD_REMOVED_DEVICE       = 2
	TCMU_CMD_RECONFIG_DEVICE      = 3
	TCMU_CMD_ADDED_DEVICE_DONE    = 4
	TCMU_CMD_REMOVED_DEVICE_DONE  = 5
	TCMU_CMD_RECONFIG_DEVICE_DONE = 6
	TCMU_CMD_SET_FEATURES         = 7
)

// Netlink attributes
const (
	TCMU_ATTR_UNSPEC              = 0
	TCMU_ATTR_DEVICE              = 1 // string
	TCMU_ATTR_MINOR               = 2 // u32
	TCMU_ATTR_PAD                 = 3
	TCMU_ATTR_DEV_CFG             = 4 // string
	TCMU_ATTR_DEV_SIZE            = 5 // u64
	TCMU_ATTR_WRITECACHE          = 6 // u8
	TCMU_ATTR_CMD_STATUS          = 7 // s32
	TCMU_ATTR_DEVICE_ID           = 8 // u32
	TCMU_ATTR_SUPP_KERN_CMD_REPLY = 9 // u8
)

// Device file paths
const (
	UIO_DEV_DIR        = "/dev"
	UIO_SYSFS_DIR      = "/sys/class/uio"
	TCMU_UIO_PREFIX    = "tcm-user/"
	TCMU_MODULE_PARAMS = "/sys/module/target_core_user/parameters"
)
