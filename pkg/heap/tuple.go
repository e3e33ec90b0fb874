package heap

import (
	"encoding/binary"

	"github.com/weaverdb/wdbengine/pkg/errs"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// headerWireLen is the fixed on-disk tuple header size (spec.md §6):
// oid u32, xmin u64, xmax u64, union u32+u32|u64, ctid {block u32, offset
// u16}, infomask u16, length u16, hoff u16.
const headerWireLen = 4 + 8 + 8 + 8 + 4 + 2 + 2 + 2 + 2

// encodeTuple packs a header and its attribute bytes into one on-disk
// tuple. Hoff and Length are recomputed to match data's actual length.
func encodeTuple(h types.TupleHeader, data []byte) []byte {
	h.Hoff = headerWireLen
	h.Length = uint16(headerWireLen + len(data))

	buf := make([]byte, h.Length)
	binary.LittleEndian.PutUint32(buf[0:4], h.OID)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.Xmin))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.Xmax))
	if h.Infomask.Has(types.InfomaskMovedIn) || h.Infomask.Has(types.InfomaskMovedOut) {
		binary.LittleEndian.PutUint64(buf[20:28], uint64(h.Union.VacuumXid))
	} else {
		binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Union.CMin))
		binary.LittleEndian.PutUint32(buf[24:28], uint32(h.Union.CMax))
	}
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.Ctid.Block))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(h.Ctid.Offset))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(h.Infomask))
	binary.LittleEndian.PutUint16(buf[36:38], h.Length)
	binary.LittleEndian.PutUint16(buf[38:40], h.Hoff)
	copy(buf[headerWireLen:], data)
	return buf
}

// decodeTuple reverses encodeTuple, returning the header and a view over
// the attribute bytes (not copied).
func decodeTuple(raw []byte) (types.TupleHeader, []byte, error) {
	if len(raw) < headerWireLen {
		return types.TupleHeader{}, nil, errs.FatalRuntime(errs.CodeCorruptPage, "tuple shorter than header", nil)
	}
	var h types.TupleHeader
	h.OID = binary.LittleEndian.Uint32(raw[0:4])
	h.Xmin = types.TransactionID(binary.LittleEndian.Uint64(raw[4:12]))
	h.Xmax = types.TransactionID(binary.LittleEndian.Uint64(raw[12:20]))
	h.Infomask = types.Infomask(binary.LittleEndian.Uint16(raw[34:36]))
	if h.Infomask.Has(types.InfomaskMovedIn) || h.Infomask.Has(types.InfomaskMovedOut) {
		h.Union.VacuumXid = types.TransactionID(binary.LittleEndian.Uint64(raw[20:28]))
		h.Union.CMin, h.Union.CMax = types.InvalidCommandID, types.InvalidCommandID
	} else {
		h.Union.CMin = types.CommandID(binary.LittleEndian.Uint32(raw[20:24]))
		h.Union.CMax = types.CommandID(binary.LittleEndian.Uint32(raw[24:28]))
	}
	h.Ctid.Block = types.BlockNumber(binary.LittleEndian.Uint32(raw[28:32]))
	h.Ctid.Offset = types.OffsetNumber(binary.LittleEndian.Uint16(raw[32:34]))
	h.Length = binary.LittleEndian.Uint16(raw[36:38])
	h.Hoff = binary.LittleEndian.Uint16(raw[38:40])
	if int(h.Length) > len(raw) {
		return types.TupleHeader{}, nil, errs.FatalRuntime(errs.CodeCorruptPage, "tuple length exceeds stored bytes", nil)
	}
	return h, raw[h.Hoff:h.Length], nil
}
