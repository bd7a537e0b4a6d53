package main

import (
	"fmt"

	"capos/hosted"
	"capos/kernel/abi"
)

type demoSystem struct {
	descr   string
	modules []hosted.Module
}

const (
	msgPrint = abi.MsgUser + iota
	msgOpen
	msgPeek
)

var demos = map[string]demoSystem{
	"echo": {
		descr: "a console server printing the requests of a client",
		modules: []hosted.Module{
			{Name: "console", Constraint: "^1.0", Program: consoleServer},
			{Name: "init", Constraint: "^1.0", Program: greeter},
		},
	},
	"pager": {
		descr: "a backer serving page faults of a client from its own memory",
		modules: []hosted.Module{
			{Name: "client", Program: pagerClient},
			{Name: "pager", Program: pager},
		},
	},
	"irq": {
		descr: "an interrupt driven driver counting ticks",
		modules: []hosted.Module{
			{Name: "timer", Program: tickDriver},
			{Name: "clock", Program: clockDevice},
		},
	},
}

// consoleServer prints one character per msgPrint request. msgOpen hands
// out a private connection as a fresh handle.
func consoleServer(s *hosted.Sys) error {
	var conns []uint64
	for {
		req := s.Recv(0)
		call := abi.MsgKind(req.Nr) == abi.MsgKindCall

		switch req.Nr &^ abi.MsgKindMask {
		case msgPrint:
			s.Write(byte(req.Args[0]))
			if call {
				s.Send(req.Key, msgPrint)
			}
		case msgOpen:
			mine, theirs, errno := s.HPair()
			if errno != 0 {
				s.Send(req.Key|abi.MsgTxError, msgOpen, uint64(errno))
				continue
			}
			conns = append(conns, mine)
			s.Send(req.Key|abi.MsgTxCloseFD, msgOpen, theirs)
		}
	}
}

func greeter(s *hosted.Sys) error {
	const console = 1

	for _, ch := range []byte("hello from init\n") {
		s.Send(console, msgPrint, uint64(ch))
	}

	res := s.Call(abi.MakeDest(console, abi.MsgTxAcceptFD), msgOpen)
	if errno := res.Errno(); errno != 0 {
		return fmt.Errorf("open failed: %d", errno)
	}
	s.Puts(fmt.Sprintf("got private channel %d\n", res.Args[0]))
	return nil
}

func pagerClient(s *hosted.Sys) error {
	const base = 0x400000

	if res := s.Map(2, abi.MapR|abi.MapW, base, 0, 0x10000); res != 0 {
		return fmt.Errorf("map failed: %d", hosted.Errno(res))
	}
	for off := uintptr(0); off < 0x10000; off += 0x4000 {
		s.Puts(fmt.Sprintf("0x%x holds 0x%x\n", base+off, s.Load64(base+off)))
	}
	return nil
}

func pager(s *hosted.Sys) error {
	const pool = 0x800000

	s.Map(0, abi.MapAnon|abi.MapR|abi.MapW, pool, 0, 0x10000)
	for {
		req := s.Recv(0)
		if req.Nr != abi.SysPFault {
			continue
		}
		off := req.Args[0]
		s.Store64(uintptr(pool+off), 0xcafe0000|off)
		s.Grant(req.Key, pool+off, req.Args[1])
	}
}

func tickDriver(s *hosted.Sys) error {
	for ticks := 0; ticks < 3; {
		req := s.Recv(0)
		if req.Nr == abi.SysPulse && req.Key == 0 {
			ticks++
			s.Puts(fmt.Sprintf("tick %d (irq bits 0x%x)\n", ticks, req.Args[0]))
		}
	}
	return nil
}

func clockDevice(s *hosted.Sys) error {
	for i := 0; i < 3; i++ {
		s.Machine().RaiseIRQ(0)
		s.Yield()
	}
	return nil
}
