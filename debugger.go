// debugger.go - an interactive debug console over stdin: register
// dumps, memory peeks, block-cache listing, and trace-flag toggles.
//
// Grounded on terminal_host.go's raw-mode stdin adapter
// (golang.org/x/term for MakeRaw/Restore, syscall.SetNonblock plus a
// polling read loop) - generalized from routing raw keystrokes into an
// MMIO device to assembling them into command lines dispatched against
// the engine's live subsystems.

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
)

// DebugConsole reads command lines from stdin and executes them
// against a running engine's subsystems. Only ever instantiated by the
// embedder for interactive sessions, never in tests.
type DebugConsole struct {
	engine *Engine
	out    io.Writer

	fd           int
	oldTermState *term.State
	nonblockSet  bool

	stopCh  chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// NewDebugConsole binds a console to engine, writing command output to
// out (os.Stdout for interactive use).
func NewDebugConsole(engine *Engine, out io.Writer) *DebugConsole {
	return &DebugConsole{
		engine: engine,
		out:    out,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start puts stdin into raw, non-blocking mode and begins assembling
// and dispatching command lines in a goroutine. Call Stop to restore
// stdin.
func (d *DebugConsole) Start() {
	d.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(d.fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "debugger: failed to set raw mode: %v\n", err)
		close(d.done)
		return
	}
	d.oldTermState = oldState

	if err := syscall.SetNonblock(d.fd, true); err != nil {
		fmt.Fprintf(os.Stderr, "debugger: failed to set nonblocking stdin: %v\n", err)
		_ = term.Restore(d.fd, d.oldTermState)
		d.oldTermState = nil
		close(d.done)
		return
	}
	d.nonblockSet = true

	go d.readLoop()
}

func (d *DebugConsole) readLoop() {
	defer close(d.done)
	buf := make([]byte, 1)
	var line strings.Builder

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		n, err := syscall.Read(d.fd, buf)
		if n > 0 {
			b := buf[0]
			if b == '\r' {
				b = '\n'
			}
			switch {
			case b == '\n':
				cmd := line.String()
				line.Reset()
				fmt.Fprintf(d.out, "\r\n")
				d.Dispatch(cmd)
			case b == 0x7F || b == 0x08:
				s := line.String()
				if len(s) > 0 {
					line.Reset()
					line.WriteString(s[:len(s)-1])
				}
			default:
				line.WriteByte(b)
				fmt.Fprintf(d.out, "%c", b)
			}
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			return
		}
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// Stop terminates the read goroutine and restores stdin.
func (d *DebugConsole) Stop() {
	d.stopped.Do(func() {
		close(d.stopCh)
	})
	<-d.done
	if d.nonblockSet {
		_ = syscall.SetNonblock(d.fd, false)
		d.nonblockSet = false
	}
	if d.oldTermState != nil {
		_ = term.Restore(d.fd, d.oldTermState)
		d.oldTermState = nil
	}
}

// Dispatch parses and runs one command line; exported so tests and
// non-interactive embedders can drive the console without a terminal.
func (d *DebugConsole) Dispatch(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "regs":
		d.cmdRegs(args)
	case "mem":
		d.cmdMem(args)
	case "blocks":
		d.cmdBlocks()
	case "trace":
		d.cmdTrace(args)
	case "help":
		fmt.Fprintln(d.out, "commands: regs <thread>, mem <addr> <len>, blocks, trace <name> on|off, help")
	default:
		fmt.Fprintf(d.out, "unknown command %q (try 'help')\r\n", cmd)
	}
}

func (d *DebugConsole) cmdRegs(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(d.out, "usage: regs <thread>")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(d.out, "bad thread id %q\r\n", args[0])
		return
	}
	t, ok := d.engine.Thread(id)
	if !ok {
		fmt.Fprintf(d.out, "no such thread %d\r\n", id)
		return
	}
	tc := t.Ctx
	fmt.Fprintf(d.out, "thread %d: pc=%#010x lr=%#010x ctr=%#010x msr=%#010x\r\n", id, tc.PC, tc.LR, tc.CTR, tc.MSR)
	for i := 0; i < 32; i += 4 {
		fmt.Fprintf(d.out, "r%-2d=%#018x r%-2d=%#018x r%-2d=%#018x r%-2d=%#018x\r\n",
			i, tc.GPR[i], i+1, tc.GPR[i+1], i+2, tc.GPR[i+2], i+3, tc.GPR[i+3])
	}
}

func (d *DebugConsole) cmdMem(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(d.out, "usage: mem <addr> <len>")
		return
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32)
	if err != nil {
		fmt.Fprintf(d.out, "bad address %q\r\n", args[0])
		return
	}
	length, err := strconv.Atoi(args[1])
	if err != nil || length <= 0 {
		fmt.Fprintf(d.out, "bad length %q\r\n", args[1])
		return
	}
	data := d.engine.Memory.BulkRead(uint32(addr), uint32(length))
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(d.out, "%#010x: % x\r\n", uint32(addr)+uint32(i), data[i:end])
	}
}

func (d *DebugConsole) cmdBlocks() {
	fmt.Fprintf(d.out, "compiled blocks: %d\r\n", d.engine.BlockCache.Count())
}

func (d *DebugConsole) cmdTrace(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(d.out, "usage: trace <memory|block|mmio|syscall|thread|shader|draw> on|off")
		return
	}
	on := args[1] == "on"
	flags := &d.engine.Config.Trace
	switch args[0] {
	case "memory":
		flags.Memory = on
	case "block":
		flags.Block = on
	case "mmio":
		flags.MMIO = on
	case "syscall":
		flags.Syscall = on
	case "thread":
		flags.Thread = on
	case "shader":
		flags.Shader = on
	case "draw":
		flags.Draw = on
	default:
		fmt.Fprintf(d.out, "unknown trace flag %q\r\n", args[0])
		return
	}
	fmt.Fprintf(d.out, "trace %s = %v\r\n", args[0], on)
}
