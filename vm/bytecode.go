package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNull   Opcode = 0x10 // push null
	OpPushTrue   Opcode = 0x11 // push true
	OpPushFalse  Opcode = 0x12 // push false
	OpPushInt32  Opcode = 0x15 // push 32-bit signed integer
	OpPushString Opcode = 0x16 // push String from module string table (16-bit index)
	OpPushFloat  Opcode = 0x17 // push inline float64 (8 bytes)
)

// Variable Operations
const (
	OpPushLocal  Opcode = 0x20 // push argument/local (8-bit index)
	OpPushGlobal Opcode = 0x22 // push class singleton (16-bit type index)
	OpStoreLocal Opcode = 0x23 // pop into argument/local (8-bit index)
	OpGetField   Opcode = 0x28 // pop object, push field (32-bit name hash)
	OpSetField   Opcode = 0x29 // pop value, pop object, store (32-bit name hash)
	OpGetStatic  Opcode = 0x2A // push static field (16-bit type, 32-bit hash)
	OpSetStatic  Opcode = 0x2B // pop into static field (16-bit type, 32-bit hash)
)

// Calls
const (
	OpCall        Opcode = 0x30 // call function (16-bit function index, 8-bit argc)
	OpCallMethod  Opcode = 0x31 // call method on receiver (32-bit hash, 8-bit argc)
	OpCallStatic  Opcode = 0x32 // call static member (16-bit type, 32-bit hash, 8-bit argc)
	OpCallClosure Opcode = 0x33 // call closure below args (8-bit argc)
	OpNew         Opcode = 0x34 // allocate and construct (16-bit type, 8-bit argc)
)

// Operators
const (
	OpAdd      Opcode = 0x40
	OpSub      Opcode = 0x41
	OpMul      Opcode = 0x42
	OpDiv      Opcode = 0x43
	OpMod      Opcode = 0x44
	OpLT       Opcode = 0x45
	OpGT       Opcode = 0x46
	OpLE       Opcode = 0x47
	OpGE       Opcode = 0x48
	OpEQ       Opcode = 0x49
	OpNE       Opcode = 0x4A
	OpNeg      Opcode = 0x4B
	OpNot      Opcode = 0x4C
	OpToString Opcode = 0x4D
	OpConcat   Opcode = 0x4E
)

// Control Flow
const (
	OpJump      Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpTrue  Opcode = 0x61 // pop, jump if truthy (16-bit offset)
	OpJumpFalse Opcode = 0x62 // pop, jump if falsy (16-bit offset)
	OpJumpNull  Opcode = 0x63 // pop, jump if null (16-bit offset)
)

// Returns
const (
	OpReturnTop  Opcode = 0x70 // return top of stack
	OpReturnNull Opcode = 0x72 // return null
)

// Exceptions
const (
	OpTry    Opcode = 0x78 // install handler (16-bit offset to handler)
	OpEndTry Opcode = 0x79 // remove innermost handler
	OpThrow  Opcode = 0x7A // pop and throw
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack (-1 = variable)
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0, 0},
	OpPOP: {"POP", 0, -1},
	OpDUP: {"DUP", 0, 1},

	OpPushNull:   {"PUSH_NULL", 0, 1},
	OpPushTrue:   {"PUSH_TRUE", 0, 1},
	OpPushFalse:  {"PUSH_FALSE", 0, 1},
	OpPushInt32:  {"PUSH_INT32", 4, 1},
	OpPushString: {"PUSH_STRING", 2, 1},
	OpPushFloat:  {"PUSH_FLOAT", 8, 1},

	OpPushLocal:  {"PUSH_LOCAL", 1, 1},
	OpPushGlobal: {"PUSH_GLOBAL", 2, 1},
	OpStoreLocal: {"STORE_LOCAL", 1, -1},
	OpGetField:   {"GET_FIELD", 4, 0},
	OpSetField:   {"SET_FIELD", 4, -2},
	OpGetStatic:  {"GET_STATIC", 6, 1},
	OpSetStatic:  {"SET_STATIC", 6, -1},

	OpCall:        {"CALL", 3, -1},
	OpCallMethod:  {"CALL_METHOD", 5, -1},
	OpCallStatic:  {"CALL_STATIC", 7, -1},
	OpCallClosure: {"CALL_CLOSURE", 1, -1},
	OpNew:         {"NEW", 3, -1},

	OpAdd:      {"ADD", 0, -1},
	OpSub:      {"SUB", 0, -1},
	OpMul:      {"MUL", 0, -1},
	OpDiv:      {"DIV", 0, -1},
	OpMod:      {"MOD", 0, -1},
	OpLT:       {"LT", 0, -1},
	OpGT:       {"GT", 0, -1},
	OpLE:       {"LE", 0, -1},
	OpGE:       {"GE", 0, -1},
	OpEQ:       {"EQ", 0, -1},
	OpNE:       {"NE", 0, -1},
	OpNeg:      {"NEG", 0, 0},
	OpNot:      {"NOT", 0, 0},
	OpToString: {"TO_STRING", 0, 0},
	OpConcat:   {"CONCAT", 0, -1},

	OpJump:      {"JUMP", 2, 0},
	OpJumpTrue:  {"JUMP_TRUE", 2, -1},
	OpJumpFalse: {"JUMP_FALSE", 2, -1},
	OpJumpNull:  {"JUMP_NULL", 2, -1},

	OpReturnTop:  {"RETURN_TOP", 0, -1},
	OpReturnNull: {"RETURN_NULL", 0, 0},

	OpTry:    {"TRY", 2, 0},
	OpEndTry: {"END_TRY", 0, 0},
	OpThrow:  {"THROW", 0, -1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), OperandBytes: 0, StackEffect: 0}
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitFloat64 appends an opcode with a 64-bit float operand.
func (b *BytecodeBuilder) EmitFloat64(op Opcode, operand float64) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, math.Float64bits(operand))
}

// EmitCall appends a CALL or NEW instruction.
func (b *BytecodeBuilder) EmitCall(op Opcode, index uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(op), byte(index), byte(index>>8), argc)
}

// EmitMember appends an instruction addressing a member of a class:
// GET_STATIC and SET_STATIC.
func (b *BytecodeBuilder) EmitMember(op Opcode, typeIndex uint16, hash int32) {
	b.bytes = append(b.bytes, byte(op), byte(typeIndex), byte(typeIndex>>8))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(hash))
}

// EmitCallMethod appends a CALL_METHOD instruction.
func (b *BytecodeBuilder) EmitCallMethod(hash int32, argc uint8) {
	b.bytes = append(b.bytes, byte(OpCallMethod))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(hash))
	b.bytes = append(b.bytes, argc)
}

// EmitCallStatic appends a CALL_STATIC instruction.
func (b *BytecodeBuilder) EmitCallStatic(typeIndex uint16, hash int32, argc uint8) {
	b.EmitMember(OpCallStatic, typeIndex, hash)
	b.bytes = append(b.bytes, argc)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // target once resolved
	refs     []int // operand positions waiting for the target
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump (or TRY) instruction targeting a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// Unresolved reports whether any label still has pending references.
func (l *Label) Unresolved() bool { return !l.resolved && len(l.refs) > 0 }

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for verification or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int { return r.pos }

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool { return r.pos < len(r.bytes) }

// Remaining returns the number of unread bytes.
func (r *BytecodeReader) Remaining() int { return len(r.bytes) - r.pos }

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	return Opcode(r.ReadByte())
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 reads a 32-bit operand (little-endian).
func (r *BytecodeReader) ReadInt32() int32 {
	if r.pos+4 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return int32(v)
}

// ReadFloat64 reads a 64-bit float operand.
func (r *BytecodeReader) ReadFloat64() float64 {
	if r.pos+8 > len(r.bytes) {
		panic("bytecode underflow")
	}
	bits := binary.LittleEndian.Uint64(r.bytes[r.pos:])
	r.pos += 8
	return math.Float64frombits(bits)
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) { r.pos += n }

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders code one instruction per line.
func Disassemble(code []byte) string {
	var sb strings.Builder
	r := NewBytecodeReader(code)
	for r.HasMore() {
		pos := r.Position()
		op := r.ReadOpcode()
		n := op.OperandBytes()
		if r.Remaining() < n {
			fmt.Fprintf(&sb, "%04d %s <truncated>\n", pos, op)
			break
		}
		switch op {
		case OpPushInt32, OpGetField, OpSetField:
			fmt.Fprintf(&sb, "%04d %s %d\n", pos, op, r.ReadInt32())
		case OpPushFloat:
			fmt.Fprintf(&sb, "%04d %s %g\n", pos, op, r.ReadFloat64())
		case OpPushString, OpPushGlobal:
			fmt.Fprintf(&sb, "%04d %s #%d\n", pos, op, r.ReadUint16())
		case OpPushLocal, OpStoreLocal, OpCallClosure:
			fmt.Fprintf(&sb, "%04d %s %d\n", pos, op, r.ReadByte())
		case OpGetStatic, OpSetStatic:
			t := r.ReadUint16()
			fmt.Fprintf(&sb, "%04d %s #%d %d\n", pos, op, t, r.ReadInt32())
		case OpCall, OpNew:
			idx := r.ReadUint16()
			fmt.Fprintf(&sb, "%04d %s #%d argc=%d\n", pos, op, idx, r.ReadByte())
		case OpCallMethod:
			h := r.ReadInt32()
			fmt.Fprintf(&sb, "%04d %s %d argc=%d\n", pos, op, h, r.ReadByte())
		case OpCallStatic:
			t := r.ReadUint16()
			h := r.ReadInt32()
			fmt.Fprintf(&sb, "%04d %s #%d %d argc=%d\n", pos, op, t, h, r.ReadByte())
		case OpJump, OpJumpTrue, OpJumpFalse, OpJumpNull, OpTry:
			off := int(r.ReadInt16())
			fmt.Fprintf(&sb, "%04d %s -> %04d\n", pos, op, r.Position()+off)
		default:
			r.Skip(n)
			fmt.Fprintf(&sb, "%04d %s\n", pos, op)
		}
	}
	return sb.String()
}
