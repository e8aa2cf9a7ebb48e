// Package stat defines the fixed-layout structure copied to userspace by
// the stat/fstat syscalls.
package stat

import "encoding/binary"

// Stat_t mirrors an object's stat information. Fields are kept private
// with accessors, as in the teacher's version, so the wire layout (used
// by Bytes) stays independent of field order.
type Stat_t struct {
	dev   uint64
	ino   uint64
	mode  uint64
	size  uint64
	rdev  uint64
}

func (st *Stat_t) Wdev(v uint64)  { st.dev = v }
func (st *Stat_t) Wino(v uint64)  { st.ino = v }
func (st *Stat_t) Wmode(v uint64) { st.mode = v }
func (st *Stat_t) Wsize(v uint64) { st.size = v }
func (st *Stat_t) Wrdev(v uint64) { st.rdev = v }

func (st *Stat_t) Mode() uint64 { return st.mode }
func (st *Stat_t) Size() uint64 { return st.size }
func (st *Stat_t) Rdev() uint64 { return st.rdev }
func (st *Stat_t) Ino() uint64  { return st.ino }

// Bytes serializes the structure as little-endian fixed fields, ready to
// copy into a user buffer.
func (st *Stat_t) Bytes() []uint8 {
	b := make([]uint8, 5*8)
	binary.LittleEndian.PutUint64(b[0:], st.dev)
	binary.LittleEndian.PutUint64(b[8:], st.ino)
	binary.LittleEndian.PutUint64(b[16:], st.mode)
	binary.LittleEndian.PutUint64(b[24:], st.size)
	binary.LittleEndian.PutUint64(b[32:], st.rdev)
	return b
}
