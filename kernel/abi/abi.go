// Package abi defines the register level interface between user processes
// and the kernel: syscall numbers, destination flags, map flags and error
// numbers. It is shared by the kernel and the user-side syscall library.
package abi

// Version is the semantic version of the interface. Boot modules declare the
// range of versions they were built against.
const Version = "1.0.0"

// Builtin syscall numbers. The syscall number doubles as the message number
// of an IPC; numbers below MsgUser are handled by the kernel itself.
const (
	SysRecv   = 0
	SysMap    = 1
	SysPFault = 2
	SysUnmap  = 3
	SysHMod   = 4
	SysWrite  = 6
	SysIO     = 7
	SysGrant  = 8
	SysPulse  = 9
	SysYield  = 10
	SysHPair  = 11

	// MsgUser is the first message number available to user protocols.
	MsgUser = 16
)

// Message kinds selected by bits 8-9 of a user message number.
const (
	MsgKindMask  = 0x300
	MsgKindSend  = 0x000
	MsgKindCall  = 0x100
	MsgKindShift = 8
)

// MsgSend returns msg flagged as a one way send.
func MsgSend(msg uint64) uint64 { return msg&^MsgKindMask | MsgKindSend }

// MsgCall returns msg flagged as a send followed by a receive of the reply.
func MsgCall(msg uint64) uint64 { return msg&^MsgKindMask | MsgKindCall }

// MsgKind returns the kind bits of msg.
func MsgKind(msg uint64) uint64 { return msg & MsgKindMask }

// Transaction flags carried in the high 32 bits of a destination. The low 32
// bits hold the handle key.
const (
	MsgTxError    = uint64(1) << 63
	MsgTxAcceptFD = uint64(1) << 62
	MsgTxFD       = MsgTxAcceptFD
	MsgTxPFault   = uint64(1) << 61
	MsgTxCloseFD  = uint64(1) << 60

	destKeyMask = uint64(0xffffffff)
)

// DestKey returns the handle key of a destination word.
func DestKey(dest uint64) uint64 { return dest & destKeyMask }

// DestFlags returns the transaction flags of a destination word.
func DestFlags(dest uint64) uint64 { return dest &^ destKeyMask }

// MakeDest builds a destination word from a handle key and flags.
func MakeDest(key, flags uint64) uint64 { return key&destKeyMask | flags }

// Map flags accepted by SysMap.
const (
	MapX       = 1
	MapW       = 2
	MapR       = 4
	MapRWX     = 7
	MapAnon    = 8
	MapPhys    = 16
	MapNoCache = 32
	MapDMA     = MapAnon | MapPhys
)

// Port I/O operations accepted by SysIO. The low nibble is the access width
// in bytes, bit 4 selects a write.
const (
	IOInByte   = 0x01
	IOInWord   = 0x02
	IOInDword  = 0x04
	IOOutByte  = 0x11
	IOOutWord  = 0x12
	IOOutDword = 0x14

	IOWrite = 0x10
)

// Error numbers. Failed syscalls return the negated value.
const (
	EBADF  = 9
	EAGAIN = 11
	ENOMEM = 12
	EINVAL = 22
	EPIPE  = 32
	ENOSYS = 38
)

// Errno returns the register encoding of a failed syscall result.
func Errno(e int) uint64 { return uint64(-int64(e)) }

// IsError returns true if res is a negated error number.
func IsError(res uint64) bool { return int64(res) < 0 && int64(res) > -4096 }
