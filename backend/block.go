package backend

import (
	"context"
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	tcmu "github.com/ehrlich-b/go-tcmu"
	"github.com/ehrlich-b/go-tcmu/internal/queue"
	"github.com/ehrlich-b/go-tcmu/iovec"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// Config is a parsed handler configuration string: comma separated
// key=value pairs, e.g. "path=/var/lib/lun0.img,size=1G,async=true". A
// leading value without a key is taken as the path.
type Config struct {
	Path    string
	Size    int64
	Async   bool
	WWN     string
	Product string
}

// ParseConfig parses a configuration string.
func ParseConfig(s string) (Config, error) {
	var cfg Config
	for i, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			if i != 0 {
				return cfg, errors.Errorf("backend: option %q has no value", field)
			}
			key, val = "path", field
		}
		switch key {
		case "path":
			cfg.Path = val
		case "size":
			n, err := units.RAMInBytes(val)
			if err != nil {
				return cfg, errors.Wrapf(err, "backend: size %q", val)
			}
			cfg.Size = n
		case "async":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return cfg, errors.Wrapf(err, "backend: async %q", val)
			}
			cfg.Async = b
		case "wwn":
			cfg.WWN = val
		case "product":
			cfg.Product = val
		default:
			return cfg, errors.Errorf("backend: unknown option %q", key)
		}
	}
	return cfg, nil
}

// OpenFunc opens the store for a device. devSize is the size the kernel
// configured for the device, or 0 when unknown.
type OpenFunc func(cfg Config, devSize int64) (tcmu.Store, error)

// asyncStore is implemented by stores that can complete I/O from their
// own goroutine.
type asyncStore interface {
	Async() bool
	ReadAtAsync(p []byte, off int64, done func(n int, err error)) error
	WriteAtAsync(p []byte, off int64, done func(n int, err error)) error
}

// writeSameChunk caps the pattern buffer built for WRITE SAME.
const writeSameChunk = 1 << 20

// BlockHandler serves the block command set of SBC from a Store. Commands
// it does not know fall back to the built-in emulation.
type BlockHandler struct {
	subtype string
	open    OpenFunc
	check   func(Config) error
	desc    string

	// open devices, the targets EXTENDED COPY can reach
	devMu sync.Mutex
	devs  map[*tcmu.Device]struct{}
}

// blockDev is the per-device state kept in Device.Private.
type blockDev struct {
	store tcmu.Store
	cfg   Config
	async asyncStore

	// writes hold the read side; COMPARE AND WRITE holds the write side
	// across its compare and write phases
	mu sync.RWMutex
}

// NewBlockHandler returns a handler for subtype that opens its store with
// open.
func NewBlockHandler(subtype string, open OpenFunc) *BlockHandler {
	return &BlockHandler{subtype: subtype, open: open, devs: make(map[*tcmu.Device]struct{})}
}

// NewMemoryHandler serves devices of subtype from RAM. The size option
// overrides the kernel's device size.
func NewMemoryHandler(subtype string) *BlockHandler {
	h := NewBlockHandler(subtype, func(cfg Config, devSize int64) (tcmu.Store, error) {
		size := cfg.Size
		if size == 0 {
			size = devSize
		}
		if size <= 0 {
			return nil, errors.New("backend: memory device needs a size")
		}
		return NewMemory(size), nil
	})
	h.desc = "[size=<bytes>][,wwn=<serial>][,product=<name>]"
	return h
}

// NewFileHandler serves devices of subtype from files or block devices.
func NewFileHandler(subtype string) *BlockHandler {
	h := NewBlockHandler(subtype, func(cfg Config, devSize int64) (tcmu.Store, error) {
		size := cfg.Size
		if size == 0 {
			size = devSize
		}
		return OpenFile(cfg.Path, FileOptions{Size: size, Async: cfg.Async})
	})
	h.check = func(cfg Config) error {
		if cfg.Path == "" {
			return errors.New("backend: path is required")
		}
		if cfg.Size == 0 {
			if _, err := os.Stat(cfg.Path); err != nil {
				return errors.Wrap(err, "backend")
			}
		}
		return nil
	}
	h.desc = "path=<file>[,size=<bytes>][,async=<bool>][,wwn=<serial>][,product=<name>]"
	return h
}

func (h *BlockHandler) Subtype() string { return h.subtype }

// Name implements tcmu.Describer
func (h *BlockHandler) Name() string { return h.subtype + " block handler" }

// ConfigDesc implements tcmu.Describer
func (h *BlockHandler) ConfigDesc() string { return h.desc }

// CheckConfig implements tcmu.ConfigChecker
func (h *BlockHandler) CheckConfig(cfgString string) error {
	cfg, err := ParseConfig(cfgString)
	if err != nil {
		return err
	}
	if h.check != nil {
		return h.check(cfg)
	}
	return nil
}

// Store returns the store the device was opened with, or nil.
func (h *BlockHandler) Store(dev *tcmu.Device) tcmu.Store {
	if bd, ok := dev.Private().(*blockDev); ok {
		return bd.store
	}
	return nil
}

func (h *BlockHandler) openStore(dev *tcmu.Device, cfg Config) (*blockDev, error) {
	devSize := int64(dev.NumLBAs()) * int64(dev.BlockSize())
	st, err := h.open(cfg, devSize)
	if err != nil {
		return nil, err
	}
	bd := &blockDev{store: st, cfg: cfg}
	if as, ok := st.(asyncStore); ok && as.Async() {
		bd.async = as
	}
	return bd, nil
}

// Open implements tcmu.Opener
func (h *BlockHandler) Open(dev *tcmu.Device) error {
	cfg, err := ParseConfig(dev.CfgString())
	if err != nil {
		return err
	}
	bd, err := h.openStore(dev, cfg)
	if err != nil {
		return err
	}
	h.publish(dev, bd)
	dev.Logger().Info("store opened", "subtype", h.subtype, "size", bd.store.Size(), "async", bd.async != nil)
	return nil
}

// publish installs bd as the device's store and derives the attributes the
// emulation reports from it.
func (h *BlockHandler) publish(dev *tcmu.Device, bd *blockDev) {
	if bs := int64(dev.BlockSize()); bs > 0 {
		dev.SetNumLBAs(uint64(bd.store.Size() / bs))
	}
	_, unmapper := bd.store.(tcmu.Unmapper)
	dev.SetUnmapEnabled(unmapper, unmapper)

	attrs := dev.Attrs()
	wwn, product := attrs.WWN, attrs.Product
	if bd.cfg.WWN != "" {
		wwn = bd.cfg.WWN
	}
	if wwn == "" {
		wwn = uuid.NewSHA1(uuid.NameSpaceOID, []byte(dev.UIOName())).String()
	}
	if bd.cfg.Product != "" {
		product = bd.cfg.Product
	}
	dev.SetIdentity(wwn, product)
	dev.SetPrivate(bd)
	h.track(dev, true)
}

// Close implements tcmu.Opener
func (h *BlockHandler) Close(dev *tcmu.Device) error {
	bd, ok := dev.Private().(*blockDev)
	if !ok {
		return nil
	}
	h.track(dev, false)
	dev.SetPrivate(nil)
	return bd.store.Close()
}

// Flush implements tcmu.Flusher
func (h *BlockHandler) Flush(ctx context.Context, dev *tcmu.Device) error {
	bd, ok := dev.Private().(*blockDev)
	if !ok {
		return nil
	}
	return bd.store.Flush()
}

// Reconfig implements tcmu.Reconfigurer. A new path reopens the store; a
// new size resizes it.
func (h *BlockHandler) Reconfig(dev *tcmu.Device, change tcmu.Reconfig) error {
	bd, ok := dev.Private().(*blockDev)
	if !ok {
		return errors.New("backend: device not open")
	}

	if change.CfgString != nil {
		cfg, err := ParseConfig(*change.CfgString)
		if err != nil {
			return err
		}
		if cfg.Path != bd.cfg.Path || cfg.Async != bd.cfg.Async {
			next, err := h.openStore(dev, cfg)
			if err != nil {
				return err
			}
			if err := bd.store.Close(); err != nil {
				dev.Logger().Warn("closing previous store", "error", err)
			}
			bd = next
		} else {
			bd.cfg = cfg
		}
		h.publish(dev, bd)
	}

	if change.Size != nil {
		size := int64(*change.Size)
		if size == bd.store.Size() {
			return nil
		}
		r, ok := bd.store.(tcmu.Resizer)
		if !ok {
			return errors.Errorf("backend: %s store cannot be resized", h.subtype)
		}
		if err := r.Resize(size); err != nil {
			return err
		}
	}
	return nil
}

// HandleCommand implements tcmu.Handler
func (h *BlockHandler) HandleCommand(dev *tcmu.Device, cmd *tcmu.Command) scsi.Status {
	bd, ok := dev.Private().(*blockDev)
	if !ok {
		return scsi.NotHandled
	}

	switch cmd.Opcode() {
	case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
		return h.read(dev, bd, cmd)
	case scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16,
		scsi.WriteVerify, scsi.WriteVerify12, scsi.WriteVerify16:
		return h.write(dev, bd, cmd)
	case scsi.SynchronizeCache, scsi.SynchronizeCache16:
		return h.syncCache(bd, cmd)
	case scsi.WriteSame, scsi.WriteSame16:
		return h.writeSame(bd, cmd)
	case scsi.Unmap:
		return h.unmap(dev, bd, cmd)
	case scsi.CompareAndWrite:
		return h.compareAndWrite(bd, cmd)
	case scsi.ExtendedCopy:
		return h.extendedCopy(dev, cmd)
	case scsi.ReceiveCopyResults:
		return h.receiveCopyResults(cmd)
	case scsi.Verify, scsi.Verify12, scsi.Verify16:
		if _, _, st := extent(cmd); st != scsi.OK {
			return st
		}
		return scsi.OK
	}
	return scsi.NotHandled
}

// extent returns the LBA and block count of a media access command and
// checks them against the device capacity.
func extent(cmd *tcmu.Command) (uint64, uint32, scsi.Status) {
	lba, blocks := cmd.LBA(), cmd.XferLength()
	if blocks == 0 && (cmd.Opcode() == scsi.Read6 || cmd.Opcode() == scsi.Write6) {
		blocks = 256
	}
	return lba, blocks, checkRange(cmd.Attrs(), lba, uint64(blocks))
}

func checkRange(a scsi.Attrs, lba, blocks uint64) scsi.Status {
	end := lba + blocks
	if end < lba || end > a.NumLBAs {
		return scsi.Range
	}
	return scsi.OK
}

// fua reports the FORCE UNIT ACCESS bit of a 10, 12 or 16 byte write.
func fua(cmd *tcmu.Command) bool {
	return cmd.Opcode() != scsi.Write6 && cmd.CDB()[1]&0x08 != 0
}

func ioStatus(err error, fail scsi.Status) scsi.Status {
	if errors.Is(err, ErrOutOfRange) {
		return scsi.Range
	}
	return fail
}

func complete(dev *tcmu.Device, cmd *tcmu.Command, st scsi.Status) {
	if err := cmd.Complete(st); err != nil {
		dev.Logger().WithError(err).Warn("async completion dropped")
	}
}

func (h *BlockHandler) read(dev *tcmu.Device, bd *blockDev, cmd *tcmu.Command) scsi.Status {
	lba, blocks, st := extent(cmd)
	if st != scsi.OK {
		return st
	}
	bs := int64(cmd.Attrs().BlockSize)
	iov := cmd.IOVec()
	n := int(min(int64(blocks)*bs, int64(iov.Len())))
	if n == 0 {
		return scsi.OK
	}
	off := int64(lba) * bs
	buf, flush := queue.Bounce(iov, n)

	if bd.async != nil {
		err := bd.async.ReadAtAsync(buf, off, func(_ int, err error) {
			flush()
			if err != nil {
				dev.Logger().WithError(err).Error("read failed", "lba", lba)
				complete(dev, cmd, ioStatus(err, scsi.RdErr))
				return
			}
			complete(dev, cmd, scsi.OK)
		})
		if err != nil {
			flush()
			return ioStatus(err, scsi.RdErr)
		}
		return scsi.AsyncHandled
	}

	_, err := bd.store.ReadAt(buf, off)
	flush()
	if err != nil {
		dev.Logger().WithError(err).Error("read failed", "lba", lba)
		return ioStatus(err, scsi.RdErr)
	}
	return scsi.OK
}

func (h *BlockHandler) write(dev *tcmu.Device, bd *blockDev, cmd *tcmu.Command) scsi.Status {
	lba, blocks, st := extent(cmd)
	if st != scsi.OK {
		return st
	}
	bs := int64(cmd.Attrs().BlockSize)
	iov := cmd.IOVec()
	n := int(min(int64(blocks)*bs, int64(iov.Len())))
	if n == 0 {
		return scsi.OK
	}
	off := int64(lba) * bs
	buf, release := queue.Gather(iov, n)

	bd.mu.RLock()
	if bd.async != nil && !fua(cmd) {
		err := bd.async.WriteAtAsync(buf, off, func(_ int, err error) {
			release()
			bd.mu.RUnlock()
			if err != nil {
				dev.Logger().WithError(err).Error("write failed", "lba", lba)
				complete(dev, cmd, ioStatus(err, scsi.WrErr))
				return
			}
			complete(dev, cmd, scsi.OK)
		})
		if err != nil {
			release()
			bd.mu.RUnlock()
			return ioStatus(err, scsi.WrErr)
		}
		return scsi.AsyncHandled
	}

	_, err := bd.store.WriteAt(buf, off)
	release()
	bd.mu.RUnlock()
	if err != nil {
		dev.Logger().WithError(err).Error("write failed", "lba", lba)
		return ioStatus(err, scsi.WrErr)
	}
	if fua(cmd) {
		if err := syncRange(bd.store, off, int64(n)); err != nil {
			return scsi.WrErr
		}
	}
	return scsi.OK
}

func syncRange(st tcmu.Store, off, n int64) error {
	if rs, ok := st.(tcmu.RangeSyncer); ok {
		return rs.SyncRange(off, n)
	}
	return st.Flush()
}

func (h *BlockHandler) syncCache(bd *blockDev, cmd *tcmu.Command) scsi.Status {
	lba, blocks := cmd.LBA(), cmd.XferLength()
	var err error
	if blocks == 0 {
		err = bd.store.Flush()
	} else {
		if st := checkRange(cmd.Attrs(), lba, uint64(blocks)); st != scsi.OK {
			return st
		}
		bs := int64(cmd.Attrs().BlockSize)
		err = syncRange(bd.store, int64(lba)*bs, int64(blocks)*bs)
	}
	if err != nil {
		cmd.Device().Logger().WithError(err).Error("cache flush failed")
		return scsi.WrErr
	}
	return scsi.OK
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (h *BlockHandler) writeSame(bd *blockDev, cmd *tcmu.Command) scsi.Status {
	a := cmd.Attrs()
	lba, blocks := cmd.LBA(), uint64(cmd.XferLength())
	if blocks == 0 && lba < a.NumLBAs {
		// zero blocks means up to the last LBA
		blocks = a.NumLBAs - lba
	}
	if st := checkRange(a, lba, blocks); st != scsi.OK {
		return st
	}
	state := &tcmu.WriteSameState{LBA: lba, Remaining: blocks, Unmap: cmd.CDB()[1]&0x08 != 0}
	cmd.SetState(state)
	if blocks == 0 {
		return scsi.OK
	}

	bs := int64(a.BlockSize)
	pattern := make([]byte, bs)
	if iovec.CopyFrom(pattern, cmd.IOVec()) < len(pattern) {
		return scsi.InvalidParamListLen
	}
	off, length := int64(lba)*bs, int64(blocks)*bs

	bd.mu.RLock()
	defer bd.mu.RUnlock()

	if state.Unmap {
		if u, ok := bd.store.(tcmu.Unmapper); ok && a.Unmap {
			if err := u.Unmap(off, length); err != nil {
				return ioStatus(err, scsi.WrErr)
			}
			state.Remaining = 0
			return scsi.OK
		}
	}
	if zw, ok := bd.store.(tcmu.ZeroWriter); ok && allZero(pattern) {
		if err := zw.WriteZeroes(off, length); err != nil {
			return ioStatus(err, scsi.WrErr)
		}
		state.Remaining = 0
		return scsi.OK
	}

	perChunk := max(uint64(writeSameChunk/bs), 1)
	chunk := make([]byte, int64(min(perChunk, blocks))*bs)
	for i := int64(0); i < int64(len(chunk)); i += bs {
		copy(chunk[i:], pattern)
	}
	for state.Remaining > 0 {
		k := min(state.Remaining, perChunk)
		if _, err := bd.store.WriteAt(chunk[:int64(k)*bs], int64(state.LBA)*bs); err != nil {
			cmd.Device().Logger().WithError(err).Error("write same failed", "lba", state.LBA)
			return ioStatus(err, scsi.WrErr)
		}
		state.LBA += k
		state.Remaining -= k
	}
	return scsi.OK
}

// UNMAP parameter list layout
const (
	unmapHeaderLen = 8
	unmapDescLen   = 16
)

func (h *BlockHandler) unmap(dev *tcmu.Device, bd *blockDev, cmd *tcmu.Command) scsi.Status {
	a := cmd.Attrs()
	u, ok := bd.store.(tcmu.Unmapper)
	if !ok || !a.Unmap {
		return scsi.InvalidCmd
	}
	cdb := cmd.CDB()
	plen := int(binary.BigEndian.Uint16(cdb[7:9]))
	if plen == 0 {
		return scsi.OK
	}
	if plen < unmapHeaderLen {
		return scsi.InvalidParamListLen
	}
	iov := cmd.IOVec()
	if iov.Len() < plen {
		return scsi.InvalidParamListLen
	}
	param, release := queue.Gather(iov, plen)
	defer release()

	descLen := int(binary.BigEndian.Uint16(param[2:4]))
	if unmapHeaderLen+descLen > plen {
		return scsi.InvalidParamListLen
	}
	count := descLen / unmapDescLen
	if count > scsi.VPDMaxUnmapBlockDescCount {
		return scsi.InvalidParamList
	}
	state := &tcmu.UnmapState{Remaining: count}
	cmd.SetState(state)

	bs := int64(a.BlockSize)
	bd.mu.RLock()
	defer bd.mu.RUnlock()
	for state.Remaining > 0 {
		d := param[unmapHeaderLen+state.Desc*unmapDescLen:]
		lba := binary.BigEndian.Uint64(d[0:8])
		blocks := uint64(binary.BigEndian.Uint32(d[8:12]))
		if blocks > scsi.VPDMaxUnmapLBACount {
			return scsi.InvalidParamList
		}
		if st := checkRange(a, lba, blocks); st != scsi.OK {
			return st
		}
		if blocks > 0 {
			if err := u.Unmap(int64(lba)*bs, int64(blocks)*bs); err != nil {
				dev.Logger().WithError(err).Error("unmap failed", "lba", lba, "blocks", blocks)
				return ioStatus(err, scsi.WrErr)
			}
		}
		state.Desc++
		state.Remaining--
	}
	return scsi.OK
}

// compareAndWrite compares the first half of the data-out buffer with the
// medium and writes the second half when they match.
func (h *BlockHandler) compareAndWrite(bd *blockDev, cmd *tcmu.Command) scsi.Status {
	a := cmd.Attrs()
	cdb := cmd.CDB()
	lba, blocks := cmd.LBA(), uint32(cdb[13])
	if blocks == 0 {
		return scsi.OK
	}
	if blocks > scsi.MaxCAWLength {
		return scsi.InvalidCDB
	}
	if st := checkRange(a, lba, uint64(blocks)); st != scsi.OK {
		return st
	}
	bs := int64(a.BlockSize)
	n := int(int64(blocks) * bs)
	iov := cmd.IOVec()
	if iov.Len() < 2*n {
		return scsi.InvalidCDB
	}
	state := &tcmu.CompareAndWriteState{LBA: lba, Blocks: blocks}
	cmd.SetState(state)
	off := int64(lba) * bs

	bd.mu.Lock()
	defer bd.mu.Unlock()

	cur := queue.GetBuffer(uint32(n))
	defer queue.PutBuffer(cur)
	if _, err := bd.store.ReadAt(cur, off); err != nil {
		return ioStatus(err, scsi.RdErr)
	}
	if at := iovec.Compare(cur, iov, n); at != iovec.NoMismatch {
		st := scsi.SetSenseData(cmd.Sense(), scsi.MiscompareKey, scsi.AscMiscompareDuringVerify)
		scsi.SetSenseInfo(cmd.Sense(), uint32(at))
		return st
	}
	state.Compared = true

	data := iovec.Clone(iov)
	iovec.Seek(&data, n)
	buf, release := queue.Gather(data, n)
	defer release()
	if _, err := bd.store.WriteAt(buf, off); err != nil {
		return ioStatus(err, scsi.WrErr)
	}
	return scsi.OK
}

// Compile-time interface checks
var (
	_ tcmu.Handler       = (*BlockHandler)(nil)
	_ tcmu.Opener        = (*BlockHandler)(nil)
	_ tcmu.Flusher       = (*BlockHandler)(nil)
	_ tcmu.Reconfigurer  = (*BlockHandler)(nil)
	_ tcmu.ConfigChecker = (*BlockHandler)(nil)
	_ tcmu.Describer     = (*BlockHandler)(nil)
)
