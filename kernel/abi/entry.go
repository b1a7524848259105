package abi

import (
	"bytes"
	"copperos/kernel/mm"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Entry describes how a new thread starts executing.
type Entry interface {
	// Setup initializes ctx and writes any initial payload to stack. The
	// stack pointer stored in ctx is taken from stack after the payload
	// has been pushed.
	Setup(ctx *Context, stack *Stack) error

	// UserMode returns true if the thread starts in ring 3.
	UserMode() bool
}

// DirectCall starts a thread by calling Entry with Arg as its first
// argument. TLSBase is loaded into the FS base.
type DirectCall struct {
	Entry   uintptr
	Arg     uintptr
	TLSBase uintptr
	User    bool
}

// UserMode implements Entry.
func (e *DirectCall) UserMode() bool {
	return e.User
}

// Setup implements Entry. The stack receives a zero return address so that
// the entry point observes the alignment of a regular call.
func (e *DirectCall) Setup(ctx *Context, stack *Stack) error {
	ctx.Reset(e.User)
	ctx.RIP = uint64(e.Entry)
	ctx.RDI = uint64(e.Arg)
	ctx.FSBase = uint64(e.TLSBase)

	stack.Align(StackAlignment)
	if _, err := stack.Push(make([]byte, 8)); err != nil {
		return errors.Wrap(err, "unable to push return address")
	}

	if err := checkAlignment(stack.SP() + 8); err != nil {
		return err
	}

	ctx.RSP = uint64(stack.SP())
	return nil
}

// ProgramExec starts a user program at Entry with the argument, environment
// and auxiliary vectors laid out on its stack. AT_ENTRY and AT_PAGESZ records
// are added to Auxv when missing and the vector is always terminated by an
// AT_NULL record.
type ProgramExec struct {
	Entry uintptr
	Argv  []string
	Envp  []string
	Auxv  []Auxv
}

// UserMode implements Entry.
func (e *ProgramExec) UserMode() bool {
	return true
}

// Setup implements Entry. Starting from the top of stack it writes the
// argument strings followed by the environment strings, then the auxiliary
// vector, the environment pointer vector, the argument pointer vector and the
// argument count. The final stack pointer points at the argument count.
func (e *ProgramExec) Setup(ctx *Context, stack *Stack) error {
	ctx.Reset(true)

	argvPtrs, err := pushStrings(stack, e.Argv)
	if err != nil {
		return errors.Wrap(err, "unable to push argv strings")
	}

	envpPtrs, err := pushStrings(stack, e.Envp)
	if err != nil {
		return errors.Wrap(err, "unable to push envp strings")
	}

	auxv := e.auxv()
	stack.Align(StackAlignment)

	// argc + argv + NULL + envp + NULL use one word each while auxv
	// records use two.
	words := 1 + len(argvPtrs) + 1 + len(envpPtrs) + 1 + 2*len(auxv)
	if words%2 != 0 {
		if _, err = stack.Push(make([]byte, 8)); err != nil {
			return errors.Wrap(err, "unable to push alignment padding")
		}
	}

	block, err := packEntryBlock(argvPtrs, envpPtrs, auxv)
	if err != nil {
		return err
	}

	if _, err = stack.Push(block); err != nil {
		return errors.Wrap(err, "unable to push entry block")
	}

	if err := checkAlignment(stack.SP()); err != nil {
		return err
	}

	ctx.RIP = uint64(e.Entry)
	ctx.RSP = uint64(stack.SP())
	return nil
}

// auxv returns the auxiliary vector that gets written to the stack.
func (e *ProgramExec) auxv() []Auxv {
	auxv := make([]Auxv, 0, len(e.Auxv)+3)
	for _, a := range e.Auxv {
		if a.Type != AT_NULL {
			auxv = append(auxv, a)
		}
	}

	if !hasAuxv(auxv, AT_ENTRY) {
		auxv = append(auxv, Auxv{AT_ENTRY, uint64(e.Entry)})
	}
	if !hasAuxv(auxv, AT_PAGESZ) {
		auxv = append(auxv, Auxv{AT_PAGESZ, uint64(mm.PageSize)})
	}

	return append(auxv, Auxv{AT_NULL, 0})
}

// pushStrings pushes each string in list so that earlier entries end up at
// higher addresses and returns their addresses in list order.
func pushStrings(stack *Stack, list []string) ([]uint64, error) {
	addrs := make([]uint64, 0, len(list))
	for _, str := range list {
		addr, err := stack.PushString(str)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, uint64(addr))
	}

	return addrs, nil
}

// packEntryBlock serializes the block found at the process entry stack
// pointer, lowest address first.
func packEntryBlock(argv, envp []uint64, auxv []Auxv) ([]byte, error) {
	var buf bytes.Buffer

	word := stackWord{Val: uint64(len(argv))}
	if err := struc.PackWithOrder(&buf, &word, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "struc.Pack() failed for argc")
	}

	for _, vec := range [][]uint64{argv, envp} {
		for _, ptr := range append(vec, 0) {
			word.Val = ptr
			if err := struc.PackWithOrder(&buf, &word, binary.LittleEndian); err != nil {
				return nil, errors.Wrap(err, "struc.Pack() failed for pointer vector")
			}
		}
	}

	for _, a := range auxv {
		if err := struc.PackWithOrder(&buf, &a, binary.LittleEndian); err != nil {
			return nil, errors.Wrap(err, "struc.Pack() failed for auxv")
		}
	}

	return buf.Bytes(), nil
}
