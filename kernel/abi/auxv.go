package abi

// Auxiliary vector entry types.
const (
	AT_NULL = iota
	AT_IGNORE
	AT_EXECFD
	AT_PHDR
	AT_PHENT
	AT_PHNUM
	AT_PAGESZ
	AT_BASE
	AT_FLAGS
	AT_ENTRY
	AT_NOTELF
	AT_UID
	AT_EUID
	AT_GID
	AT_EGID
	AT_PLATFORM
	AT_HWCAP
	AT_CLKTCK = 17
	AT_RANDOM = 25
)

// Auxv is a single auxiliary vector record as laid out on the stack.
type Auxv struct {
	Type, Val uint64
}

// stackWord is a single pointer-sized stack slot.
type stackWord struct {
	Val uint64
}

// hasAuxv returns true if auxv contains a record of type t.
func hasAuxv(auxv []Auxv, t uint64) bool {
	for _, a := range auxv {
		if a.Type == t {
			return true
		}
	}
	return false
}
