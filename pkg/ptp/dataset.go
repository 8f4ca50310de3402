package ptp

import (
	"github.com/swiftmtp/core/pkg/ptp/wire"
)

// DeviceInfo is the dataset returned by GetDeviceInfo. It is read exactly
// once per session and is immutable afterward.
type DeviceInfo struct {
	StandardVersion      uint16
	VendorExtensionID    uint32
	VendorExtensionDesc  string
	FunctionalMode       uint16
	OperationsSupported  []OpCode
	EventsSupported      []EventCode
	DevicePropsSupported []uint16
	CaptureFormats       []FormatCode
	ImageFormats         []FormatCode
	Manufacturer         string
	Model                string
	DeviceVersion        string
	SerialNumber         string
}

// SupportsOp reports whether op appears in OperationsSupported.
func (d DeviceInfo) SupportsOp(op OpCode) bool {
	for _, o := range d.OperationsSupported {
		if o == op {
			return true
		}
	}
	return false
}

// SupportsEvent reports whether ev appears in EventsSupported.
func (d DeviceInfo) SupportsEvent(ev EventCode) bool {
	for _, e := range d.EventsSupported {
		if e == ev {
			return true
		}
	}
	return false
}

// DecodeDeviceInfo decodes a DeviceInfo dataset from a Data container's
// payload. Never panics on malformed input: short or truncated payloads
// fail with a *DecodeError carrying the byte offset.
func DecodeDeviceInfo(payload []byte) (DeviceInfo, error) {
	c := wire.NewCursor(payload)
	var d DeviceInfo
	var err error

	if d.StandardVersion, err = c.U16(); err != nil {
		return d, wrapf("DeviceInfo.StandardVersion", c, err)
	}
	if d.VendorExtensionID, err = c.U32(); err != nil {
		return d, wrapf("DeviceInfo.VendorExtensionID", c, err)
	}
	var vendorVer uint16
	if vendorVer, err = c.U16(); err != nil {
		return d, wrapf("DeviceInfo.VendorExtensionVersion", c, err)
	}
	_ = vendorVer
	if d.VendorExtensionDesc, err = c.WideString(); err != nil {
		return d, wrapf("DeviceInfo.VendorExtensionDesc", c, err)
	}
	if d.FunctionalMode, err = c.U16(); err != nil {
		return d, wrapf("DeviceInfo.FunctionalMode", c, err)
	}

	ops, err := wire.Array(c, func(c *wire.Cursor) (OpCode, error) {
		v, err := c.U16()
		return OpCode(v), err
	})
	if err != nil {
		return d, wrapf("DeviceInfo.OperationsSupported", c, err)
	}
	d.OperationsSupported = ops

	evs, err := wire.Array(c, func(c *wire.Cursor) (EventCode, error) {
		v, err := c.U16()
		return EventCode(v), err
	})
	if err != nil {
		return d, wrapf("DeviceInfo.EventsSupported", c, err)
	}
	d.EventsSupported = evs

	props, err := wire.Array(c, func(c *wire.Cursor) (uint16, error) { return c.U16() })
	if err != nil {
		return d, wrapf("DeviceInfo.DevicePropertiesSupported", c, err)
	}
	d.DevicePropsSupported = props

	capFmts, err := wire.Array(c, func(c *wire.Cursor) (FormatCode, error) {
		v, err := c.U16()
		return FormatCode(v), err
	})
	if err != nil {
		return d, wrapf("DeviceInfo.CaptureFormats", c, err)
	}
	d.CaptureFormats = capFmts

	imgFmts, err := wire.Array(c, func(c *wire.Cursor) (FormatCode, error) {
		v, err := c.U16()
		return FormatCode(v), err
	})
	if err != nil {
		return d, wrapf("DeviceInfo.ImageFormats", c, err)
	}
	d.ImageFormats = imgFmts

	if d.Manufacturer, err = c.WideString(); err != nil {
		return d, wrapf("DeviceInfo.Manufacturer", c, err)
	}
	if d.Model, err = c.WideString(); err != nil {
		return d, wrapf("DeviceInfo.Model", c, err)
	}
	if d.DeviceVersion, err = c.WideString(); err != nil {
		return d, wrapf("DeviceInfo.DeviceVersion", c, err)
	}
	if d.SerialNumber, err = c.WideString(); err != nil {
		return d, wrapf("DeviceInfo.SerialNumber", c, err)
	}

	return d, nil
}

// StorageType enumerates PTP storage media types.
type StorageType uint16

// Storage types.
const (
	StorageUndefined    StorageType = 0x0000
	StorageFixedROM     StorageType = 0x0001
	StorageRemovableROM StorageType = 0x0002
	StorageFixedRAM     StorageType = 0x0003
	StorageRemovableRAM StorageType = 0x0004
)

// FilesystemType enumerates PTP storage filesystem organizations.
type FilesystemType uint16

// Filesystem types.
const (
	FilesystemUndefined    FilesystemType = 0x0000
	FilesystemGenericFlat  FilesystemType = 0x0001
	FilesystemGenericHier  FilesystemType = 0x0002
	FilesystemDCF          FilesystemType = 0x0003
)

// AccessCapability enumerates PTP storage access rights.
type AccessCapability uint16

// Access capabilities.
const (
	AccessReadWrite                    AccessCapability = 0x0000
	AccessReadOnlyNoDelete             AccessCapability = 0x0001
	AccessReadOnlyWithDelete           AccessCapability = 0x0002
)

// StorageInfo is the dataset returned by GetStorageInfo.
//
// Invariant: Free <= Capacity; read-only flag must be
// consistent with AccessCapability.
type StorageInfo struct {
	StorageType        StorageType
	FilesystemType     FilesystemType
	AccessCapability   AccessCapability
	MaxCapacity        uint64
	FreeSpaceBytes     uint64
	FreeSpaceInObjects uint32
	Description        string
	VolumeLabel        string
}

// ReadOnly reports whether AccessCapability forbids writes.
func (s StorageInfo) ReadOnly() bool {
	return s.AccessCapability != AccessReadWrite
}

// DecodeStorageInfo decodes a StorageInfo dataset.
func DecodeStorageInfo(payload []byte) (StorageInfo, error) {
	c := wire.NewCursor(payload)
	var s StorageInfo
	var err error
	var v16 uint16
	var v32 uint32

	if v16, err = c.U16(); err != nil {
		return s, wrapf("StorageInfo.StorageType", c, err)
	}
	s.StorageType = StorageType(v16)

	if v16, err = c.U16(); err != nil {
		return s, wrapf("StorageInfo.FilesystemType", c, err)
	}
	s.FilesystemType = FilesystemType(v16)

	if v16, err = c.U16(); err != nil {
		return s, wrapf("StorageInfo.AccessCapability", c, err)
	}
	s.AccessCapability = AccessCapability(v16)

	if s.MaxCapacity, err = c.U64(); err != nil {
		return s, wrapf("StorageInfo.MaxCapacity", c, err)
	}
	if s.FreeSpaceBytes, err = c.U64(); err != nil {
		return s, wrapf("StorageInfo.FreeSpaceInBytes", c, err)
	}
	if v32, err = c.U32(); err != nil {
		return s, wrapf("StorageInfo.FreeSpaceInObjects", c, err)
	}
	s.FreeSpaceInObjects = v32

	if s.Description, err = c.WideString(); err != nil {
		return s, wrapf("StorageInfo.StorageDescription", c, err)
	}
	if s.VolumeLabel, err = c.WideString(); err != nil {
		return s, wrapf("StorageInfo.VolumeLabel", c, err)
	}

	return s, nil
}

// ObjectInfo is the dataset returned by GetObjectInfo. ObjectSizeBytes
// prefers the u64 form obtained via GetObjectPropValue(ObjectSize) when
// the u32 ObjectCompressedSize field reported SizeUnknown32;
// DecodeObjectInfo alone only ever populates the u32-derived value — callers
// merge in the 64-bit form via MergeSize64.
type ObjectInfo struct {
	Handle             uint32 // not part of the wire dataset; set by caller
	StorageID          uint32
	ObjectFormat       FormatCode
	ProtectionStatus   uint16
	ObjectSizeBytes    uint64
	ThumbFormat        uint16
	ThumbSize          uint32
	ThumbWidth         uint32
	ThumbHeight        uint32
	ImageWidth         uint32
	ImageHeight        uint32
	ImageDepth         uint32
	ParentObject       uint32
	AssociationType    uint16
	AssociationDesc    uint32
	SequenceNumber     uint32
	Filename           string
	CaptureDate        string
	ModificationDate   string
	Keywords           string
	sizeWasUnknown32   bool
}

// IsAssociation reports whether the object is a folder/association, in
// which case SizeBytes may legitimately be 0.
func (o ObjectInfo) IsAssociation() bool {
	return o.ObjectFormat == FormatAssociation
}

// SizeUnknown reports whether the u32 ObjectCompressedSize field reported
// the "too large" sentinel, meaning the 64-bit size must be fetched
// separately via GetObjectPropValue(ObjectSize).
func (o ObjectInfo) SizeUnknown() bool {
	return o.sizeWasUnknown32
}

// MergeSize64 overrides ObjectSizeBytes with a value obtained from
// GetObjectPropValue(handle, ObjectSize) decoded as u64, per the decoder
// rule that the u64 form is always preferred when available.
func (o *ObjectInfo) MergeSize64(size64 uint64) {
	o.ObjectSizeBytes = size64
	o.sizeWasUnknown32 = false
}

// DecodeObjectInfo decodes an ObjectInfo dataset.
//
// Invariant enforced by caller, not here: Handle > 0 (the handle is not
// part of the wire payload; it is the parameter the caller issued
// GetObjectInfo with).
func DecodeObjectInfo(payload []byte) (ObjectInfo, error) {
	c := wire.NewCursor(payload)
	var o ObjectInfo
	var err error
	var v16 uint16
	var v32 uint32

	if o.StorageID, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.StorageID", c, err)
	}
	if v16, err = c.U16(); err != nil {
		return o, wrapf("ObjectInfo.ObjectFormat", c, err)
	}
	o.ObjectFormat = FormatCode(v16)

	if o.ProtectionStatus, err = c.U16(); err != nil {
		return o, wrapf("ObjectInfo.ProtectionStatus", c, err)
	}

	if v32, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.ObjectCompressedSize", c, err)
	}
	if v32 == SizeUnknown32 {
		o.sizeWasUnknown32 = true
	}
	o.ObjectSizeBytes = uint64(v32)

	if o.ThumbFormat, err = c.U16(); err != nil {
		return o, wrapf("ObjectInfo.ThumbFormat", c, err)
	}
	if o.ThumbSize, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.ThumbCompressedSize", c, err)
	}
	if o.ThumbWidth, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.ThumbPixWidth", c, err)
	}
	if o.ThumbHeight, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.ThumbPixHeight", c, err)
	}
	if o.ImageWidth, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.ImagePixWidth", c, err)
	}
	if o.ImageHeight, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.ImagePixHeight", c, err)
	}
	if o.ImageDepth, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.ImageBitDepth", c, err)
	}
	if o.ParentObject, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.ParentObject", c, err)
	}
	if o.AssociationType, err = c.U16(); err != nil {
		return o, wrapf("ObjectInfo.AssociationType", c, err)
	}
	if o.AssociationDesc, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.AssociationDesc", c, err)
	}
	if o.SequenceNumber, err = c.U32(); err != nil {
		return o, wrapf("ObjectInfo.SequenceNumber", c, err)
	}
	if o.Filename, err = c.WideString(); err != nil {
		return o, wrapf("ObjectInfo.Filename", c, err)
	}
	if o.CaptureDate, err = c.WideString(); err != nil {
		return o, wrapf("ObjectInfo.CaptureDate", c, err)
	}
	if o.ModificationDate, err = c.WideString(); err != nil {
		return o, wrapf("ObjectInfo.ModificationDate", c, err)
	}
	if o.Keywords, err = c.WideString(); err != nil {
		return o, wrapf("ObjectInfo.Keywords", c, err)
	}

	return o, nil
}

// EncodeObjectInfo encodes an ObjectInfo dataset for SendObjectInfo. The
// 64-bit size is truncated to SizeUnknown32 on the wire when it exceeds a
// u32's range, per the MTP convention that large sizes are only ever
// reported, never sent, in full precision.
func EncodeObjectInfo(o ObjectInfo) []byte {
	e := wire.NewEncoder()
	e.U32(o.StorageID)
	e.U16(uint16(o.ObjectFormat))
	e.U16(o.ProtectionStatus)

	size32 := SizeUnknown32
	if o.ObjectSizeBytes < uint64(SizeUnknown32) {
		size32 = uint32(o.ObjectSizeBytes)
	}
	e.U32(size32)

	e.U16(o.ThumbFormat)
	e.U32(o.ThumbSize)
	e.U32(o.ThumbWidth)
	e.U32(o.ThumbHeight)
	e.U32(o.ImageWidth)
	e.U32(o.ImageHeight)
	e.U32(o.ImageDepth)
	e.U32(o.ParentObject)
	e.U16(o.AssociationType)
	e.U32(o.AssociationDesc)
	e.U32(o.SequenceNumber)
	e.WideString(o.Filename)
	e.WideString(o.CaptureDate)
	e.WideString(o.ModificationDate)
	e.WideString(o.Keywords)

	return e.Bytes()
}

func wrapf(what string, c *wire.Cursor, err error) error {
	return &DecodeError{What: what, Offset: c.Offset(), Err: err}
}
