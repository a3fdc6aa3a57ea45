// Package hprof writes heap dumps in the HPROF binary format and checks
// them.
//
// A dump starts with the string and class tables, followed by the heap as a
// series of HEAP DUMP SEGMENT records: roots first, then every object in
// address order, with a CLASS DUMP in front of the first instance of each
// class. Identifiers are 8 bytes wide: objects are identified by their
// address, classes by a small number below any heap address.
//
// Every segment is followed by a SEGMENT CHECKSUM record holding the
// CRC-16/XMODEM of the segment body. Tools that do not know the record skip
// it by its length.
package hprof

import (
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
)

const magic = "JAVA PROFILE 1.0.3"

// idSize is the size of identifiers in the dumps we write.
const idSize = 8

// Tag is the type of a top level record.
type Tag uint8

const (
	TagString          Tag = 0x01
	TagLoadClass       Tag = 0x02
	TagStackTrace      Tag = 0x05
	TagHeapDumpSegment Tag = 0x1C
	TagHeapDumpEnd     Tag = 0x2C
	TagSegmentChecksum Tag = 0xC5
)

func (t Tag) String() string {
	switch t {
	case TagString:
		return "STRING"
	case TagLoadClass:
		return "LOAD CLASS"
	case TagStackTrace:
		return "STACK TRACE"
	case TagHeapDumpSegment:
		return "HEAP DUMP SEGMENT"
	case TagHeapDumpEnd:
		return "HEAP DUMP END"
	case TagSegmentChecksum:
		return "SEGMENT CHECKSUM"
	default:
		return fmt.Sprintf("Tag(%#x)", uint8(t))
	}
}

// Sub-records of a heap dump segment.
const (
	subRootJNIGlobal      = 0x01
	subRootJNILocal       = 0x02
	subRootFinalizing     = 0x8A // Android extension
	subHeapDumpInfo       = 0xFE // Android extension
	subClassDump          = 0x20
	subInstanceDump       = 0x21
	subObjectArrayDump    = 0x22
	subPrimitiveArrayDump = 0x23
)

type basicType uint8

const (
	typeObject  basicType = 2
	typeBoolean basicType = 4
	typeChar    basicType = 5
	typeFloat   basicType = 6
	typeDouble  basicType = 7
	typeByte    basicType = 8
	typeShort   basicType = 9
	typeInt     basicType = 10
	typeLong    basicType = 11
)

// size returns the size of a value of type t, or 0 for an invalid type.
func (t basicType) size(ids int) int {
	switch t {
	case typeObject:
		return ids
	case typeBoolean, typeByte:
		return 1
	case typeChar, typeShort:
		return 2
	case typeFloat, typeInt:
		return 4
	case typeDouble, typeLong:
		return 8
	}
	return 0
}

// The heap all objects are reported in.
const (
	heapApp     = 'A'
	heapAppName = "app"
)

// A segment is closed once it holds this many roots and objects or bytes.
const (
	maxObjectsPerSegment = 128
	maxBytesPerSegment   = 4096
)

// recordHeaderSize is tag, time and length.
const recordHeaderSize = 1 + 4 + 4

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Stats counts what a dump holds.
type Stats struct {
	Strings         int
	Classes         int
	Roots           int
	Instances       int
	ObjectArrays    int
	PrimitiveArrays int
	Segments        int
	Bytes           int64
}

// Objects returns the number of heap objects in the dump.
func (s Stats) Objects() int {
	return s.Instances + s.ObjectArrays + s.PrimitiveArrays
}

// prettyDescriptor turns a type descriptor into the name tools show:
// "Ljava/lang/String;" becomes "java.lang.String" and "[B" becomes
// "byte[]". Anything else is returned unchanged.
func prettyDescriptor(d string) string {
	dims := 0
	for strings.HasPrefix(d, "[") {
		dims++
		d = d[1:]
	}
	var name string
	switch {
	case len(d) > 2 && d[0] == 'L' && d[len(d)-1] == ';':
		name = strings.ReplaceAll(d[1:len(d)-1], "/", ".")
	case len(d) == 1 && dims > 0:
		name = primitiveNames[d[0]]
		if name == "" {
			name = d
		}
	default:
		name = d
	}
	return name + strings.Repeat("[]", dims)
}

var primitiveNames = map[byte]string{
	'B': "byte",
	'C': "char",
	'D': "double",
	'F': "float",
	'I': "int",
	'J': "long",
	'S': "short",
	'Z': "boolean",
}
