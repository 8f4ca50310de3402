package ptp

import (
	"github.com/swiftmtp/core/pkg/ptp/wire"
)

// DataTypeCode identifies the wire type of a property value in an
// ObjectPropList/ObjectPropDesc element.
type DataTypeCode uint16

// Data type codes this engine decodes. TypeString (0xFFFF) must never be
// conflated with TypeUndefined (0x0000): the former marks a wide-string
// value, the latter marks an absent/unknown one.
const (
	TypeUndefined DataTypeCode = 0x0000
	TypeInt8      DataTypeCode = 0x0001
	TypeUint8     DataTypeCode = 0x0002
	TypeInt16     DataTypeCode = 0x0003
	TypeUint16    DataTypeCode = 0x0004
	TypeInt32     DataTypeCode = 0x0005
	TypeUint32    DataTypeCode = 0x0006
	TypeInt64     DataTypeCode = 0x0007
	TypeUint64    DataTypeCode = 0x0008
	TypeString    DataTypeCode = 0xFFFF
)

// PropElement is one (objectHandle, propCode, datatype, value) tuple from
// an ObjectPropList response.
type PropElement struct {
	ObjectHandle uint32
	PropCode     ObjectPropCode
	DataType     DataTypeCode
	// Exactly one of the following is meaningful, selected by DataType.
	Uint   uint64
	Int    int64
	Str    string
}

// ObjectPropList is the dataset returned by GetObjectPropList: a flat
// array of PropElement tuples, one per (object, property) pair the device
// chose to report.
type ObjectPropList []PropElement

// DecodeObjectPropList decodes an ObjectPropList dataset. A device that
// returns zero elements (rather than OperationNotSupported) is handled by
// the caller, which downgrades PropList usability in that case too
// — this function simply returns an empty, non-nil slice.
func DecodeObjectPropList(payload []byte) (ObjectPropList, error) {
	c := wire.NewCursor(payload)

	n, err := c.U32()
	if err != nil {
		return nil, wrapf("ObjectPropList.count", c, err)
	}

	list := make(ObjectPropList, 0, n)
	for i := uint32(0); i < n; i++ {
		var el PropElement
		var v16 uint16

		handle, err := c.U32()
		if err != nil {
			return nil, wrapf("ObjectPropList[].ObjectHandle", c, err)
		}
		el.ObjectHandle = handle

		if v16, err = c.U16(); err != nil {
			return nil, wrapf("ObjectPropList[].PropertyCode", c, err)
		}
		el.PropCode = ObjectPropCode(v16)

		if v16, err = c.U16(); err != nil {
			return nil, wrapf("ObjectPropList[].Datatype", c, err)
		}
		el.DataType = DataTypeCode(v16)

		if err = decodePropValue(c, &el); err != nil {
			return nil, err
		}

		list = append(list, el)
	}

	return list, nil
}

func decodePropValue(c *wire.Cursor, el *PropElement) error {
	var err error

	switch el.DataType {
	case TypeInt8:
		var v int8
		v, err = c.I8()
		el.Int = int64(v)
	case TypeUint8:
		var v uint8
		v, err = c.U8()
		el.Uint = uint64(v)
	case TypeInt16:
		var v int16
		v, err = c.I16()
		el.Int = int64(v)
	case TypeUint16:
		var v uint16
		v, err = c.U16()
		el.Uint = uint64(v)
	case TypeInt32:
		var v int32
		v, err = c.I32()
		el.Int = int64(v)
	case TypeUint32:
		var v uint32
		v, err = c.U32()
		el.Uint = uint64(v)
	case TypeInt64:
		var v int64
		v, err = c.I64()
		el.Int = v
	case TypeUint64:
		var v uint64
		v, err = c.U64()
		el.Uint = v
	default:
		// Treat anything else, including PTP's string datatype, as a
		// wide string: this is the only remaining variable-length form
		// ObjectPropList carries, and devices reliably tag string
		// properties with a non-numeric datatype outside 0x0001-0x0008.
		el.Str, err = c.WideString()
	}

	if err != nil {
		return wrapf("ObjectPropList[].Value", c, err)
	}
	return nil
}

// ObjectPropDesc is the dataset returned by GetObjectPropDesc, describing
// a single property's type and form.
type ObjectPropDesc struct {
	PropCode     ObjectPropCode
	DataType     DataTypeCode
	GetSet       uint8
	FormFlag     uint8
}

// DecodeObjectPropDesc decodes an ObjectPropDesc dataset header (the
// default-value and form payload that follows is format-specific and
// intentionally not decoded here, since this engine only consults
// ObjectPropDesc to learn a property's datatype).
func DecodeObjectPropDesc(payload []byte) (ObjectPropDesc, error) {
	c := wire.NewCursor(payload)
	var d ObjectPropDesc
	var err error
	var v16 uint16

	if v16, err = c.U16(); err != nil {
		return d, wrapf("ObjectPropDesc.ObjectPropertyCode", c, err)
	}
	d.PropCode = ObjectPropCode(v16)

	if v16, err = c.U16(); err != nil {
		return d, wrapf("ObjectPropDesc.Datatype", c, err)
	}
	d.DataType = DataTypeCode(v16)

	if d.GetSet, err = c.U8(); err != nil {
		return d, wrapf("ObjectPropDesc.GetSet", c, err)
	}

	return d, nil
}
