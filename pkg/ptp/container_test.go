package ptp

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeCommandRoundTrip(t *testing.T) {
	buf := EncodeCommand(OpGetObjectInfo, 7, 0x1234)

	hdr, total, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if int(total) != len(buf) {
		t.Fatalf("declared length %d != actual %d", total, len(buf))
	}

	hdr, err = DecodeBody(hdr, buf)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}

	if hdr.Type != ContainerCommand {
		t.Fatalf("Type = %v, want Command", hdr.Type)
	}
	if hdr.Code != uint16(OpGetObjectInfo) {
		t.Fatalf("Code = %#x, want %#x", hdr.Code, OpGetObjectInfo)
	}
	if hdr.TransactionID != 7 {
		t.Fatalf("TransactionID = %d, want 7", hdr.TransactionID)
	}
	if len(hdr.Params) != 1 || hdr.Params[0] != 0x1234 {
		t.Fatalf("Params = %v, want [0x1234]", hdr.Params)
	}
}

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	buf := EncodeData(OpGetDeviceInfo, 3, payload)

	hdr, _, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	hdr, err = DecodeBody(hdr, buf)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(hdr.Payload, payload) {
		t.Fatalf("Payload = %v, want %v", hdr.Payload, payload)
	}
}

func TestDecodeCommandTruncatedParamsNeverPanics(t *testing.T) {
	full := EncodeCommand(OpGetObjectInfo, 1, 1, 2, 3)

	for n := 0; n <= len(full); n++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("len=%d panicked: %v", n, r)
				}
			}()
			buf := full[:n]
			hdr, _, err := DecodeHeader(buf)
			if err != nil {
				return
			}
			if _, err := DecodeBody(hdr, buf); err != nil {
				var de *DecodeError
				if !asDecodeError(err, &de) {
					t.Fatalf("len=%d: unexpected error type %v", n, err)
				}
			}
		}()
	}
}

func TestExcessParamsClampedToMaxParams(t *testing.T) {
	buf := EncodeResponse(RespOK, 1, 1, 2, 3, 4, 5, 6, 7)
	hdr, _, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	hdr, err = DecodeBody(hdr, buf)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if len(hdr.Params) != MaxParams {
		t.Fatalf("Params length = %d, want %d", len(hdr.Params), MaxParams)
	}
}

func TestNeedsZLP(t *testing.T) {
	cases := []struct {
		n, wMax int
		want    bool
	}{
		{0, 512, false},
		{511, 512, false},
		{512, 512, true},
		{1024, 512, true},
		{1, 0, false},
	}
	for _, c := range cases {
		if got := NeedsZLP(c.n, c.wMax); got != c.want {
			t.Errorf("NeedsZLP(%d, %d) = %v, want %v", c.n, c.wMax, got, c.want)
		}
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}
