package multiboot

import "encoding/binary"

// Builder assembles a multiboot2 information structure the way a boot
// loader lays it out. The hosted platform uses it to boot the kernel.
type Builder struct {
	buf []byte
}

func (b *Builder) addTag(tt tagType, payload []byte) {
	if len(b.buf) == 0 {
		b.buf = make([]byte, infoHeaderSize)
	}

	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(tt))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, payload...)
	for len(b.buf)%8 != 0 {
		b.buf = append(b.buf, 0)
	}
}

// AddCmdLine records the kernel command line.
func (b *Builder) AddCmdLine(cmdLine string) {
	b.addTag(tagBootCmdLine, append([]byte(cmdLine), 0))
}

// AddModule records a boot module loaded at [start, end).
func (b *Builder) AddModule(start, end uint32, cmdLine string) {
	payload := make([]byte, 8, 8+len(cmdLine)+1)
	binary.LittleEndian.PutUint32(payload, start)
	binary.LittleEndian.PutUint32(payload[4:], end)
	payload = append(payload, cmdLine...)
	b.addTag(tagModules, append(payload, 0))
}

// AddMemoryInfo records the lower and upper memory sizes in kilobytes.
func (b *Builder) AddMemoryInfo(lowerKb, upperKb uint32) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, lowerKb)
	binary.LittleEndian.PutUint32(payload[4:], upperKb)
	b.addTag(tagBasicMemoryInfo, payload)
}

// AddMemoryMap records the physical memory map.
func (b *Builder) AddMemoryMap(entries []MemoryMapEntry) {
	const entrySize = 24

	payload := make([]byte, mmapHeaderSize+entrySize*len(entries))
	binary.LittleEndian.PutUint32(payload, entrySize)
	for i, e := range entries {
		off := mmapHeaderSize + i*entrySize
		binary.LittleEndian.PutUint64(payload[off:], e.PhysAddress)
		binary.LittleEndian.PutUint64(payload[off+8:], e.Length)
		binary.LittleEndian.PutUint32(payload[off+16:], uint32(e.Type))
	}
	b.addTag(tagMemoryMap, payload)
}

// Bytes terminates the structure and returns it.
func (b *Builder) Bytes() []byte {
	b.addTag(tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(b.buf, uint32(len(b.buf)))
	return b.buf
}
