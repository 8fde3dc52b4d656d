package vm

import "sync"

// ---------------------------------------------------------------------------
// Name hashing
// ---------------------------------------------------------------------------

// hashModulus bounds hashes to the range the guest uses for field
// identifiers.
const hashModulus = 0x1FFFFF7B

// Hash returns the guest hash of a member or type name. Every field, method
// and type name is identified at runtime by this value.
func Hash(name string) int32 {
	var h int32
	for i := 0; i < len(name); i++ {
		h = 223*h + int32(name[i])
	}
	return h % hashModulus
}

// ---------------------------------------------------------------------------
// NameTable: hash -> name reverse mapping
// ---------------------------------------------------------------------------

// NameTable remembers the name behind each hash seen so far, so hashed
// identifiers can be turned back into text for diagnostics.
type NameTable struct {
	mu     sync.RWMutex
	byHash map[int32]string
}

// NewNameTable creates an empty name table.
func NewNameTable() *NameTable {
	return &NameTable{byHash: make(map[int32]string)}
}

// Intern hashes name and records it.
func (nt *NameTable) Intern(name string) int32 {
	h := Hash(name)
	nt.mu.RLock()
	_, ok := nt.byHash[h]
	nt.mu.RUnlock()
	if ok {
		return h
	}
	nt.mu.Lock()
	if _, ok := nt.byHash[h]; !ok {
		nt.byHash[h] = name
	}
	nt.mu.Unlock()
	return h
}

// Name returns the recorded name for h, or "" if unknown.
func (nt *NameTable) Name(h int32) string {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return nt.byHash[h]
}

// Len returns the number of recorded names.
func (nt *NameTable) Len() int {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return len(nt.byHash)
}
