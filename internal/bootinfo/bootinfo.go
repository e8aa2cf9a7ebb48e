// Package bootinfo parses the tagged binary blob the bootloader hands
// the kernel: a fixed header followed by a sequence of 8-byte-aligned
// tags, terminated by a type-0 END tag (spec.md §4.12).
package bootinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/deltaos/kernel/internal/mem"
)

// Magic identifies a valid boot-info blob: 'DBOK' read little-endian.
const Magic uint32 = 0x44424F4B

// TagType enumerates the payload kinds that follow the header.
type TagType uint16

const (
	TagEnd            TagType = 0
	TagFramebuffer    TagType = 1
	TagMemoryMap      TagType = 2
	TagCmdline        TagType = 3
	TagAcpiRsdp       TagType = 4
	TagBootloaderName TagType = 5
	TagKernelPath     TagType = 6
	TagKernelPhys     TagType = 7
	TagEfiSystemTable TagType = 8
	TagInitrd         TagType = 9
	TagBootTime       TagType = 10
)

// minSupportedVersion is the oldest bootloader protocol version this
// kernel core accepts, compared with golang.org/x/mod/semver against the
// header's (major, minor) fields formatted as a semantic version.
const minSupportedVersion = "v1.0.0"

// MemRegion mirrors one entry of the memory-map tag.
type MemRegion struct {
	Base   mem.PhysAddr
	Length uint64
	Usable bool
}

// Framebuffer describes the framebuffer tag payload, decoded fully even
// though no driver consumes it at runtime — the panic screen needs it to
// know where to draw the diagnostic dump.
type Framebuffer struct {
	Address mem.PhysAddr
	Width   uint32
	Height  uint32
	Pitch   uint32
	Format  uint32
}

// BootInfo is the parsed result of one boot-info blob.
type BootInfo struct {
	Version        string
	SessionID      uuid.UUID // correlates this boot with its log records and AP bring-up
	MemoryMap      []MemRegion
	Framebuffer    *Framebuffer
	Cmdline        string
	AcpiRSDP       mem.PhysAddr
	AcpiXSDP       bool
	BootloaderName string
	KernelPath     string
	KernelPhysBase mem.PhysAddr
	KernelPhysLen  uint64
	EfiSystemTable mem.PhysAddr
	InitrdBase     mem.PhysAddr
	InitrdLen      uint64
	BootTimeUnixNs int64
}

const headerSize = 16 // magic u32, total size u32, version u32 (major u16 | minor u16), reserved u32
const tagHeaderSize = 8

// Parse validates the header and walks every tag, returning a BootInfo
// populated from whichever tags were present. Unknown tag types are
// skipped (forward-compatible with newer bootloaders); a tag whose
// declared size runs past the blob is an error.
func Parse(blob []byte) (*BootInfo, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("bootinfo: blob too short for header")
	}
	magic := binary.LittleEndian.Uint32(blob[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("bootinfo: bad magic %#x", magic)
	}
	totalSize := binary.LittleEndian.Uint32(blob[4:8])
	if int(totalSize) > len(blob) {
		return nil, fmt.Errorf("bootinfo: header total size %d exceeds blob length %d", totalSize, len(blob))
	}
	versionRaw := binary.LittleEndian.Uint32(blob[8:12])
	major, minor := versionRaw>>16, versionRaw&0xffff
	versionStr := fmt.Sprintf("v%d.%d.0", major, minor)
	if !semver.IsValid(versionStr) {
		return nil, fmt.Errorf("bootinfo: malformed version %s", versionStr)
	}
	if semver.Compare(versionStr, minSupportedVersion) < 0 {
		return nil, fmt.Errorf("bootinfo: protocol version %s older than minimum %s", versionStr, minSupportedVersion)
	}

	bi := &BootInfo{Version: versionStr, SessionID: uuid.New()}

	off := headerSize
	for off+tagHeaderSize <= int(totalSize) {
		typ := TagType(binary.LittleEndian.Uint16(blob[off:]))
		size := binary.LittleEndian.Uint32(blob[off+4:])
		payloadOff := off + tagHeaderSize
		if typ == TagEnd {
			break
		}
		if payloadOff+int(size) > len(blob) {
			return nil, fmt.Errorf("bootinfo: tag at offset %d overruns blob", off)
		}
		payload := blob[payloadOff : payloadOff+int(size)]
		if err := bi.applyTag(typ, payload); err != nil {
			return nil, err
		}
		off = payloadOff + roundup8(int(size))
	}
	return bi, nil
}

func roundup8(n int) int { return (n + 7) &^ 7 }

func (bi *BootInfo) applyTag(typ TagType, payload []byte) error {
	switch typ {
	case TagFramebuffer:
		if len(payload) < 20 {
			return fmt.Errorf("bootinfo: framebuffer tag too short")
		}
		bi.Framebuffer = &Framebuffer{
			Address: mem.PhysAddr(binary.LittleEndian.Uint64(payload[0:])),
			Width:   binary.LittleEndian.Uint32(payload[8:]),
			Height:  binary.LittleEndian.Uint32(payload[12:]),
			Pitch:   binary.LittleEndian.Uint32(payload[16:]),
		}
		if len(payload) >= 24 {
			bi.Framebuffer.Format = binary.LittleEndian.Uint32(payload[20:])
		}
	case TagMemoryMap:
		if len(payload) < 8 {
			return fmt.Errorf("bootinfo: memory map tag too short")
		}
		entrySize := binary.LittleEndian.Uint32(payload[0:])
		entryCount := binary.LittleEndian.Uint32(payload[4:])
		entries := payload[8:]
		for i := uint32(0); i < entryCount; i++ {
			eoff := int(i * entrySize)
			if eoff+24 > len(entries) {
				break
			}
			base := binary.LittleEndian.Uint64(entries[eoff:])
			length := binary.LittleEndian.Uint64(entries[eoff+8:])
			kind := binary.LittleEndian.Uint32(entries[eoff+16:])
			bi.MemoryMap = append(bi.MemoryMap, MemRegion{
				Base:   mem.PhysAddr(base),
				Length: length,
				Usable: kind == 1,
			})
		}
	case TagCmdline:
		bi.Cmdline = cString(payload)
	case TagAcpiRsdp:
		if len(payload) < 9 {
			return fmt.Errorf("bootinfo: acpi rsdp tag too short")
		}
		bi.AcpiRSDP = mem.PhysAddr(binary.LittleEndian.Uint64(payload[0:]))
		bi.AcpiXSDP = payload[8] != 0
	case TagBootloaderName:
		bi.BootloaderName = cString(payload)
	case TagKernelPath:
		bi.KernelPath = cString(payload)
	case TagKernelPhys:
		if len(payload) < 16 {
			return fmt.Errorf("bootinfo: kernel phys tag too short")
		}
		bi.KernelPhysBase = mem.PhysAddr(binary.LittleEndian.Uint64(payload[0:]))
		bi.KernelPhysLen = binary.LittleEndian.Uint64(payload[8:])
	case TagEfiSystemTable:
		if len(payload) < 8 {
			return fmt.Errorf("bootinfo: efi system table tag too short")
		}
		bi.EfiSystemTable = mem.PhysAddr(binary.LittleEndian.Uint64(payload[0:]))
	case TagInitrd:
		if len(payload) < 16 {
			return fmt.Errorf("bootinfo: initrd tag too short")
		}
		bi.InitrdBase = mem.PhysAddr(binary.LittleEndian.Uint64(payload[0:]))
		bi.InitrdLen = binary.LittleEndian.Uint64(payload[8:])
	case TagBootTime:
		if len(payload) < 8 {
			return fmt.Errorf("bootinfo: boot time tag too short")
		}
		bi.BootTimeUnixNs = int64(binary.LittleEndian.Uint64(payload[0:]))
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
