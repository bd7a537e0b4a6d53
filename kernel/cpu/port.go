package cpu

// PortDevice is implemented by devices attached to the I/O port space.
// Width is the access size in bytes (1, 2 or 4).
type PortDevice interface {
	ReadPort(port uint16, width uint8) uint32
	WritePort(port uint16, width uint8, val uint32)
}

var ports = map[uint16]PortDevice{}

// AttachPort routes accesses to port to dev. Passing a nil dev detaches any
// device previously attached to port.
func AttachPort(port uint16, dev PortDevice) {
	if dev == nil {
		delete(ports, port)
		return
	}
	ports[port] = dev
}

func portRead(port uint16, width uint8) uint32 {
	if dev, ok := ports[port]; ok {
		return dev.ReadPort(port, width)
	}

	// Unclaimed ports float high.
	return ^uint32(0) >> (32 - 8*uint32(width))
}

func portWrite(port uint16, width uint8, val uint32) {
	if dev, ok := ports[port]; ok {
		dev.WritePort(port, width, val)
	}
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8) { portWrite(port, 1, uint32(val)) }

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16) { portWrite(port, 2, uint32(val)) }

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32) { portWrite(port, 4, val) }

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8 { return uint8(portRead(port, 1)) }

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16 { return uint16(portRead(port, 2)) }

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32 { return portRead(port, 4) }
