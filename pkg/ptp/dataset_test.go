package ptp

import (
	"testing"

	"github.com/swiftmtp/core/pkg/ptp/wire"
)

func encodeDeviceInfoForTest(d DeviceInfo) []byte {
	e := wire.NewEncoder()
	e.U16(d.StandardVersion)
	e.U32(d.VendorExtensionID)
	e.U16(100) // VendorExtensionVersion, discarded on decode
	e.WideString(d.VendorExtensionDesc)
	e.U16(d.FunctionalMode)
	wire.ArrayEncode(e, d.OperationsSupported, func(e *wire.Encoder, v OpCode) { e.U16(uint16(v)) })
	wire.ArrayEncode(e, d.EventsSupported, func(e *wire.Encoder, v EventCode) { e.U16(uint16(v)) })
	wire.ArrayEncode(e, d.DevicePropsSupported, func(e *wire.Encoder, v uint16) { e.U16(v) })
	wire.ArrayEncode(e, d.CaptureFormats, func(e *wire.Encoder, v FormatCode) { e.U16(uint16(v)) })
	wire.ArrayEncode(e, d.ImageFormats, func(e *wire.Encoder, v FormatCode) { e.U16(uint16(v)) })
	e.WideString(d.Manufacturer)
	e.WideString(d.Model)
	e.WideString(d.DeviceVersion)
	e.WideString(d.SerialNumber)
	return e.Bytes()
}

func TestDecodeDeviceInfoRoundTrip(t *testing.T) {
	want := DeviceInfo{
		StandardVersion:      100,
		VendorExtensionID:    0x00000006,
		VendorExtensionDesc:  "microsoft.com: 1.0",
		FunctionalMode:       0,
		OperationsSupported:  []OpCode{OpGetDeviceInfo, OpOpenSession, OpGetObjectPropList},
		EventsSupported:      []EventCode{EventObjectAdded, EventObjectRemoved},
		DevicePropsSupported: []uint16{0x5001},
		CaptureFormats:       []FormatCode{},
		ImageFormats:         []FormatCode{FormatUndefined, FormatAssociation},
		Manufacturer:         "Acme",
		Model:                "Widget 3000",
		DeviceVersion:        "1.0",
		SerialNumber:         "SN123456",
	}

	got, err := DecodeDeviceInfo(encodeDeviceInfoForTest(want))
	if err != nil {
		t.Fatalf("DecodeDeviceInfo: %v", err)
	}

	if got.Manufacturer != want.Manufacturer || got.Model != want.Model {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.SupportsOp(OpOpenSession) {
		t.Fatalf("SupportsOp(OpOpenSession) = false, want true")
	}
	if got.SupportsOp(OpDeleteObject) {
		t.Fatalf("SupportsOp(OpDeleteObject) = true, want false")
	}
	if !got.SupportsEvent(EventObjectAdded) {
		t.Fatalf("SupportsEvent(EventObjectAdded) = false, want true")
	}
}

func TestDecodeDeviceInfoTruncatedNeverPanics(t *testing.T) {
	full := encodeDeviceInfoForTest(DeviceInfo{
		StandardVersion:     100,
		OperationsSupported: []OpCode{OpGetDeviceInfo, OpOpenSession},
		Manufacturer:        "Acme",
		Model:               "Widget",
	})

	for n := 0; n <= len(full); n++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("len=%d panicked: %v", n, r)
				}
			}()
			if _, err := DecodeDeviceInfo(full[:n]); err != nil {
				var de *DecodeError
				if _, ok := err.(*DecodeError); !ok {
					_ = de
					t.Fatalf("len=%d: unexpected error type %T: %v", n, err, err)
				}
			}
		}()
	}
}

func encodeStorageInfoForTest(s StorageInfo) []byte {
	e := wire.NewEncoder()
	e.U16(uint16(s.StorageType))
	e.U16(uint16(s.FilesystemType))
	e.U16(uint16(s.AccessCapability))
	e.U64(s.MaxCapacity)
	e.U64(s.FreeSpaceBytes)
	e.U32(s.FreeSpaceInObjects)
	e.WideString(s.Description)
	e.WideString(s.VolumeLabel)
	return e.Bytes()
}

func TestDecodeStorageInfoRoundTrip(t *testing.T) {
	want := StorageInfo{
		StorageType:        StorageFixedRAM,
		FilesystemType:     FilesystemGenericHier,
		AccessCapability:   AccessReadOnlyNoDelete,
		MaxCapacity:        1 << 34,
		FreeSpaceBytes:     1 << 30,
		FreeSpaceInObjects: 0xFFFFFFFF,
		Description:        "Internal storage",
		VolumeLabel:        "",
	}

	got, err := DecodeStorageInfo(encodeStorageInfoForTest(want))
	if err != nil {
		t.Fatalf("DecodeStorageInfo: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.ReadOnly() {
		t.Fatalf("ReadOnly() = false, want true for AccessReadOnlyNoDelete")
	}
}

func TestObjectInfoSizeUnknown32TriggersMerge(t *testing.T) {
	o := ObjectInfo{}
	e := wire.NewEncoder()
	e.U32(1)                     // StorageID
	e.U16(uint16(FormatUndefined)) // ObjectFormat
	e.U16(0)                     // ProtectionStatus
	e.U32(SizeUnknown32)         // ObjectCompressedSize
	e.U16(0)                     // ThumbFormat
	e.U32(0)                     // ThumbCompressedSize
	e.U32(0)                     // ThumbPixWidth
	e.U32(0)                     // ThumbPixHeight
	e.U32(0)                     // ImagePixWidth
	e.U32(0)                     // ImagePixHeight
	e.U32(0)                     // ImageBitDepth
	e.U32(0)                     // ParentObject
	e.U16(0)                     // AssociationType
	e.U32(0)                     // AssociationDesc
	e.U32(0)                     // SequenceNumber
	e.WideString("huge.bin")
	e.WideString("")
	e.WideString("")
	e.WideString("")

	o, err := DecodeObjectInfo(e.Bytes())
	if err != nil {
		t.Fatalf("DecodeObjectInfo: %v", err)
	}
	if !o.SizeUnknown() {
		t.Fatalf("SizeUnknown() = false, want true when ObjectCompressedSize == SizeUnknown32")
	}

	o.MergeSize64(1 << 40)
	if o.SizeUnknown() {
		t.Fatalf("SizeUnknown() = true after MergeSize64, want false")
	}
	if o.ObjectSizeBytes != 1<<40 {
		t.Fatalf("ObjectSizeBytes = %d, want %d", o.ObjectSizeBytes, uint64(1)<<40)
	}
}

func TestObjectInfoAssociationAllowsZeroSize(t *testing.T) {
	o := ObjectInfo{ObjectFormat: FormatAssociation, ObjectSizeBytes: 0}
	if !o.IsAssociation() {
		t.Fatalf("IsAssociation() = false, want true")
	}
}

func TestEncodeObjectInfoTruncatesOversizeToSentinel(t *testing.T) {
	o := ObjectInfo{ObjectSizeBytes: uint64(SizeUnknown32) + 1}
	buf := EncodeObjectInfo(o)

	got, err := DecodeObjectInfo(buf)
	if err != nil {
		t.Fatalf("DecodeObjectInfo: %v", err)
	}
	if !got.SizeUnknown() {
		t.Fatalf("SizeUnknown() = false, want true for oversize ObjectSizeBytes")
	}
}
