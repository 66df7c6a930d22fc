package vm

// TypeID is the wire representation of a static type, assigned by the
// Context at compile/init time and treated as immutable during execution
// (§5). A TypeID doubles as the tag word written into a Mixed union slot
// during local-variable migration (§4.4).
type TypeID int32

// Kind classifies a TypeID for the purposes of the local-variable
// migration widening table (§4.4) - the core never needs more than this
// about a type; everything else (layout, field offsets) belongs to the
// external type checker/compiler.
type Kind int

const (
	KindPrimitive Kind = iota
	KindReference
	KindNilableReference
	KindVirtual
	KindMixedUnion
)

// TypeInfo is everything the core needs to know about a static type.
type TypeInfo struct {
	ID          TypeID
	Kind        Kind
	AlignedSize int
	// PayloadSize is only meaningful for KindMixedUnion: the widest
	// member's payload size; AlignedSize is the 8-byte tag plus this,
	// rounded up to the context's alignment.
	PayloadSize int
}

// TagBytes is the fixed width of a Mixed union's type-id tag (§4.4).
const TagBytes = 8

// LocalVar is one entry in a compiled callable's local-variable layout
// (§3 Local Variables): a name at a given block-nesting level, plus the
// offset/type/size the compiler assigned it.
type LocalVar struct {
	Name        string
	Type        TypeID
	BlockLevel  int
	Offset      int
	AlignedSize int
}

// LocalVarLayout is the ordered layout for one compiled def or block.
type LocalVarLayout struct {
	Vars []LocalVar
	// MaxBytesize is the region reserved after stack_bottom within a
	// frame (§3).
	MaxBytesize int
	// For blocks only: the sub-range within MaxBytesize that belongs to
	// the block's own locals (§3, §4.3 step 3).
	LocalsBytesizeStart int
	LocalsBytesizeEnd   int
}

func (l LocalVarLayout) byName(name string) (LocalVar, bool) {
	for _, v := range l.Vars {
		if v.Name == name && v.BlockLevel == 0 {
			return v, true
		}
	}
	return LocalVar{}, false
}

// Lookup finds a visible local or argument by name, at any block
// nesting level - the lookup a pry prompt's "print <name>" needs, as
// opposed to byName's top-level-only view used by migration.
func (l LocalVarLayout) Lookup(name string) (LocalVar, bool) {
	for _, v := range l.Vars {
		if v.Name == name {
			return v, true
		}
	}
	return LocalVar{}, false
}

// MetaVars is the external, name-keyed mapping from variable name to
// static type produced by semantic analysis (§3 Meta-Vars). It drives
// local-variable declaration and migration only.
type MetaVars map[string]TypeID

// CompiledID identifies a compiled callable by reference. The native
// CompiledDef pointer doubles as the wire representation of a procedure
// value on the stack (§3 Compiled Callable) - here that's simply the
// ID under which the CompiledDef is registered with the Interpreter
// (RegisterDef/RegisterBlock).
type CompiledID int32

// CompiledDef is the compiled representation of a def: owner, argument
// bytesize, local-var layout, instruction stream, and AST-offset map
// (§3).
type CompiledDef struct {
	ID           CompiledID
	Name         string
	Owner        string
	ArgsBytesize int
	RetType      TypeID
	Locals       LocalVarLayout
	Instructions []byte
	Nodes        map[int]ASTNode
}

// CompiledBlock is the compiled representation of a block. It has the
// same fields as a CompiledDef; its locals sub-range bounds are the
// LocalsBytesizeStart/LocalsBytesizeEnd fields of its Locals layout
// (§3, Glossary).
type CompiledBlock struct {
	CompiledDef
}

// ASTNode is the minimal surface the core needs from the (out-of-scope)
// AST representation: enough to report a source location for tracing and
// for pry's line-change detection (§3 Instruction Stream, §4.8).
type ASTNode struct {
	Line int
	File string
}

// Value is a stack-resident value that has been popped off for host-side
// inspection (e.g. the Driver API's `interpret() -> Value`, or a pry
// expression's printed result). It never appears on the stack itself -
// the stack only ever holds raw bytes.
type Value struct {
	Type  TypeID
	Bytes []byte
}
