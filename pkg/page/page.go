// Package page implements the bit-exact on-disk page layout: a fixed-size
// header, a growing array of line pointers at low addresses, and tuples
// packed at high addresses growing downward toward the line pointer array.
package page

import (
	"encoding/binary"

	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// Size is the compile-time page size constant.
const Size = 8192

const headerLen = 12 // lower, upper, special, checksum, flags, free-hint: 6 * u16
const lineLen = 4     // off u15, used u1, len u15 packed into two u16 fields

// Header is the page header laid out (lower, upper, special, checksum,
// flags, free-hint), each a little-endian u16, matching spec.md §6.
type Header struct {
	Lower    uint16
	Upper    uint16
	Special  uint16
	Checksum uint16
	Flags    uint16
	FreeHint uint16
}

const (
	FlagHasFreeLines uint16 = 1 << iota
	FlagFull
)

// ReadHeader decodes the header from the first bytes of a page buffer.
func ReadHeader(buf []byte) Header {
	return Header{
		Lower:    binary.LittleEndian.Uint16(buf[0:2]),
		Upper:    binary.LittleEndian.Uint16(buf[2:4]),
		Special:  binary.LittleEndian.Uint16(buf[4:6]),
		Checksum: binary.LittleEndian.Uint16(buf[6:8]),
		Flags:    binary.LittleEndian.Uint16(buf[8:10]),
		FreeHint: binary.LittleEndian.Uint16(buf[10:12]),
	}
}

func writeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Lower)
	binary.LittleEndian.PutUint16(buf[2:4], h.Upper)
	binary.LittleEndian.PutUint16(buf[4:6], h.Special)
	binary.LittleEndian.PutUint16(buf[6:8], h.Checksum)
	binary.LittleEndian.PutUint16(buf[8:10], h.Flags)
	binary.LittleEndian.PutUint16(buf[10:12], h.FreeHint)
}

// lineItem is the decoded form of one (off u15, used u1, len u15) entry.
type lineItem struct {
	Off  uint16
	Used bool
	Len  uint16
}

func readLine(buf []byte, off int) lineItem {
	a := binary.LittleEndian.Uint16(buf[off : off+2])
	b := binary.LittleEndian.Uint16(buf[off+2 : off+4])
	return lineItem{
		Off:  a & 0x7fff,
		Used: b&0x8000 != 0,
		Len:  b & 0x7fff,
	}
}

func writeLine(buf []byte, off int, li lineItem) {
	binary.LittleEndian.PutUint16(buf[off:off+2], li.Off&0x7fff)
	b := li.Len & 0x7fff
	if li.Used {
		b |= 0x8000
	}
	binary.LittleEndian.PutUint16(buf[off+2:off+4], b)
}

// Init resets buf to an empty page of Size bytes with no special space.
func Init(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	writeHeader(buf, Header{
		Lower:   headerLen,
		Upper:   uint16(len(buf)),
		Special: uint16(len(buf)),
	})
}

// MaxOffsetNumber returns the highest line pointer offset number in use.
func MaxOffsetNumber(buf []byte) types.OffsetNumber {
	h := ReadHeader(buf)
	n := (int(h.Lower) - headerLen) / lineLen
	return types.OffsetNumber(n)
}

// GetItemID returns the raw line pointer for offsetNumber (1-based).
func GetItemID(buf []byte, offsetNumber types.OffsetNumber) (off, length uint16, used bool, ok bool) {
	if offsetNumber < types.FirstOffsetNumber || offsetNumber > MaxOffsetNumber(buf) {
		return 0, 0, false, false
	}
	li := readLine(buf, headerLen+int(offsetNumber-1)*lineLen)
	return li.Off, li.Len, li.Used, true
}

// GetItem returns the tuple bytes referenced by offsetNumber.
func GetItem(buf []byte, offsetNumber types.OffsetNumber) ([]byte, bool) {
	off, length, used, ok := GetItemID(buf, offsetNumber)
	if !ok || !used {
		return nil, false
	}
	return buf[off : off+length], true
}

// FreeSpace returns the number of bytes available between the line pointer
// array and the tuple area.
func FreeSpace(buf []byte) int {
	h := ReadHeader(buf)
	return int(h.Upper) - int(h.Lower)
}

// AddItem appends item to the page, growing the line pointer array (or
// reusing the first unused slot whose offset and length are zero) and packing the tuple
// immediately below the current upper bound. Returns the assigned offset
// number.
func AddItem(buf []byte, item []byte) (types.OffsetNumber, error) {
	h := ReadHeader(buf)

	needed := len(item)
	maxOff := MaxOffsetNumber(buf)

	reuse := types.InvalidOffsetNumber
	for i := types.OffsetNumber(1); i <= maxOff; i++ {
		off, length, used, _ := GetItemID(buf, i)
		if !used && off == 0 && length == 0 {
			reuse = i
			break
		}
	}

	newLower := int(h.Lower)
	offsetNumber := reuse
	if reuse == types.InvalidOffsetNumber {
		newLower += lineLen
		offsetNumber = maxOff + 1
	}

	newUpper := int(h.Upper) - needed
	if newUpper < newLower {
		return types.InvalidOffsetNumber, errs.Recoverable(errs.CodeFreespaceExhaust, "page has no room for item", nil)
	}

	copy(buf[newUpper:newUpper+needed], item)
	writeLine(buf, headerLen+int(offsetNumber-1)*lineLen, lineItem{
		Off:  uint16(newUpper),
		Used: true,
		Len:  uint16(needed),
	})

	h.Lower = uint16(newLower)
	h.Upper = uint16(newUpper)
	writeHeader(buf, h)
	return offsetNumber, nil
}

// SetItem overwrites the tuple bytes stored at offsetNumber in place. item
// must have exactly the stored entry's length; used to patch a tuple's
// header once its final offset number is known (e.g. a self-referencing
// ctid) without moving any other tuple on the page.
func SetItem(buf []byte, offsetNumber types.OffsetNumber, item []byte) error {
	off, length, used, ok := GetItemID(buf, offsetNumber)
	if !ok || !used {
		return errs.Recoverable(errs.CodeCorruptItemPtr, "set-item on unused line pointer", nil)
	}
	if int(length) != len(item) {
		return errs.FatalRuntime(errs.CodeCorruptItemPtr, "set-item length mismatch", nil)
	}
	copy(buf[off:off+length], item)
	return nil
}

// SetUnused marks a line pointer dead without compacting the page.
func SetUnused(buf []byte, offsetNumber types.OffsetNumber) {
	writeLine(buf, headerLen+int(offsetNumber-1)*lineLen, lineItem{})
}

// Compact rewrites the tuple area in line-pointer order, squeezing out the
// gaps left by dead tuples and unused line pointers at the high end. Line
// pointer offsets are updated in place; offset *numbers* never change, so
// item pointers elsewhere in the system remain valid.
func Compact(buf []byte) {
	h := ReadHeader(buf)
	maxOff := MaxOffsetNumber(buf)

	type slot struct {
		offsetNumber types.OffsetNumber
		li           lineItem
	}
	var used []slot
	for i := types.OffsetNumber(1); i <= maxOff; i++ {
		li := readLine(buf, headerLen+int(i-1)*lineLen)
		if li.Used {
			used = append(used, slot{i, li})
		}
	}

	// Copy tuple bytes out first (they will be overwritten in place as we
	// repack from the high end downward).
	saved := make(map[types.OffsetNumber][]byte, len(used))
	for _, s := range used {
		b := make([]byte, s.li.Len)
		copy(b, buf[s.li.Off:s.li.Off+s.li.Len])
		saved[s.offsetNumber] = b
	}

	upper := uint16(len(buf))
	if int(h.Special) < len(buf) {
		upper = h.Special
	}
	for _, s := range used {
		data := saved[s.offsetNumber]
		upper -= uint16(len(data))
		copy(buf[upper:upper+uint16(len(data))], data)
		writeLine(buf, headerLen+int(s.offsetNumber-1)*lineLen, lineItem{
			Off:  upper,
			Used: true,
			Len:  uint16(len(data)),
		})
	}

	h.Upper = upper
	writeHeader(buf, h)
}

// RepairFragmentation is an alias for Compact kept to mirror the original
// two-named-entry-points API (page-compact vs page-repair-fragmentation,
// spec.md §4.7); both perform the identical squeeze in this implementation.
func RepairFragmentation(buf []byte) {
	Compact(buf)
}
