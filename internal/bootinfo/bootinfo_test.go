package bootinfo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type tagBuilder struct {
	buf []byte
}

func (b *tagBuilder) header(major, minor uint16) {
	b.buf = make([]byte, headerSize)
	binary.LittleEndian.PutUint32(b.buf[0:], Magic)
	// total size patched in finish()
	binary.LittleEndian.PutUint32(b.buf[8:], uint32(major)<<16|uint32(minor))
}

func (b *tagBuilder) tag(typ TagType, payload []byte) {
	hdr := make([]byte, tagHeaderSize)
	binary.LittleEndian.PutUint16(hdr[0:], uint16(typ))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	b.buf = append(b.buf, hdr...)
	b.buf = append(b.buf, payload...)
	for len(b.buf)%8 != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *tagBuilder) finish() []byte {
	hdr := make([]byte, tagHeaderSize)
	b.buf = append(b.buf, hdr...) // TagEnd = 0
	binary.LittleEndian.PutUint32(b.buf[4:], uint32(len(b.buf)))
	return b.buf
}

func TestParseRejectsBadMagic(t *testing.T) {
	blob := make([]byte, headerSize+tagHeaderSize)
	_, err := Parse(blob)
	require.Error(t, err)
}

func TestParseRejectsOldVersion(t *testing.T) {
	var b tagBuilder
	b.header(0, 1)
	blob := b.finish()
	_, err := Parse(blob)
	require.Error(t, err)
}

func TestParseCmdlineAndBootloaderName(t *testing.T) {
	var b tagBuilder
	b.header(1, 0)
	b.tag(TagCmdline, append([]byte("console=ttyS0"), 0))
	b.tag(TagBootloaderName, append([]byte("limine"), 0))
	blob := b.finish()

	bi, err := Parse(blob)
	require.NoError(t, err)
	require.Equal(t, "console=ttyS0", bi.Cmdline)
	require.Equal(t, "limine", bi.BootloaderName)
	require.NotEqual(t, bi.SessionID.String(), "")
}

func TestParseMemoryMap(t *testing.T) {
	var b tagBuilder
	b.header(1, 0)

	entry := make([]byte, 24)
	binary.LittleEndian.PutUint64(entry[0:], 0x100000)
	binary.LittleEndian.PutUint64(entry[8:], 0x3f00000)
	binary.LittleEndian.PutUint32(entry[16:], 1) // usable

	mm := make([]byte, 8)
	binary.LittleEndian.PutUint32(mm[0:], 24)
	binary.LittleEndian.PutUint32(mm[4:], 1)
	mm = append(mm, entry...)

	b.tag(TagMemoryMap, mm)
	blob := b.finish()

	bi, err := Parse(blob)
	require.NoError(t, err)
	require.Len(t, bi.MemoryMap, 1)
	require.True(t, bi.MemoryMap[0].Usable)
	require.EqualValues(t, 0x3f00000, bi.MemoryMap[0].Length)
}

func TestParseFramebuffer(t *testing.T) {
	var b tagBuilder
	b.header(1, 0)
	fb := make([]byte, 24)
	binary.LittleEndian.PutUint64(fb[0:], 0xe0000000)
	binary.LittleEndian.PutUint32(fb[8:], 1920)
	binary.LittleEndian.PutUint32(fb[12:], 1080)
	binary.LittleEndian.PutUint32(fb[16:], 1920*4)
	b.tag(TagFramebuffer, fb)
	blob := b.finish()

	bi, err := Parse(blob)
	require.NoError(t, err)
	require.NotNil(t, bi.Framebuffer)
	require.EqualValues(t, 1920, bi.Framebuffer.Width)
	require.EqualValues(t, 1080, bi.Framebuffer.Height)
}

func TestParseStopsAtEndTag(t *testing.T) {
	var b tagBuilder
	b.header(1, 0)
	b.tag(TagCmdline, append([]byte("a"), 0))
	blob := b.finish()
	blob = append(blob, byte(TagCmdline)) // trailing garbage past END must be ignored

	bi, err := Parse(blob)
	require.NoError(t, err)
	require.Equal(t, "a", bi.Cmdline)
}
