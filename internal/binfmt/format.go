package binfmt

// Constants of the PZ binary object format. All integers in the format are
// little-endian; strings are a 16-bit length followed by that many bytes,
// with no terminator.

// File magic numbers. Objects cannot be executed, they must be linked into
// a program or library first.
const (
	MagicObject  uint32 = 0x505A4F00
	MagicProgram uint32 = 0x505A5000
	MagicLibrary uint32 = 0x505A4C00
)

// The description string must start with one of these prefixes. A suffix
// may carry an ASCII version tag and is ignored.
const (
	DescPrefixProgram = "Plasma program"
	DescPrefixLibrary = "Plasma library"
)

// FormatVersion is the only file format version this runtime accepts.
const FormatVersion uint16 = 0

// Option entry types.
const (
	OptEntryClosure uint16 = 0

	// OptEntryClosure payload: u8 signature + u32 closure id.
	OptEntryClosureLen uint16 = 5
)

// EntrySignature describes how the program's entry closure is invoked.
type EntrySignature uint8

const (
	EntrySigPlain EntrySignature = 0
	EntrySigArgs  EntrySignature = 1
)

func (s EntrySignature) String() string {
	switch s {
	case EntrySigPlain:
		return "plain"
	case EntrySigArgs:
		return "args"
	default:
		return "invalid"
	}
}

// Data entry kinds.
const (
	DataArray  uint8 = 0
	DataStruct uint8 = 1
	DataString uint8 = 2
)

// Encoded data slot tags: the high nibble selects the encoding, the low
// nibble is the on-disk byte count (1, 2, 4 or 8 for normal, otherwise 4).
const (
	EncNormal  uint8 = 0x00
	EncFast    uint8 = 0x10
	EncWPtr    uint8 = 0x20
	EncData    uint8 = 0x30
	EncImport  uint8 = 0x40
	EncClosure uint8 = 0x50
)

// EncType extracts the encoding selector from a slot tag byte.
func EncType(tag uint8) uint8 { return tag & 0xf0 }

// EncBytes extracts the on-disk byte count from a slot tag byte.
func EncBytes(tag uint8) int { return int(tag & 0x0f) }

// Instruction stream object tags.
const (
	CodeInstr           uint8 = 0
	CodeMetaContext     uint8 = 1
	CodeMetaContextShrt uint8 = 2
	CodeMetaContextNil  uint8 = 3
)
