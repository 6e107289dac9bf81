package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestStringRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"package", "com.example.app"},
		{"path", "/data/adb/modules/zygisk-gadget/config"},
		{"utf8", "ünïcødé/päth"},
		{"max", strings.Repeat("a", MaxStringLen-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteString(&buf, tt.in); err != nil {
				t.Fatalf("WriteString: %v", err)
			}
			if buf.Len() != 8+len(tt.in)+1 {
				t.Errorf("frame size = %d, want %d", buf.Len(), 8+len(tt.in)+1)
			}

			got, err := ReadString(&buf)
			if err != nil {
				t.Fatalf("ReadString: %v", err)
			}
			if got != tt.in {
				t.Errorf("got %q, want %q", got, tt.in)
			}
			if buf.Len() != 0 {
				t.Errorf("%d bytes left unread", buf.Len())
			}
		})
	}
}

func TestStringFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, "abc"); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()

	if n := binary.NativeEndian.Uint64(b[:8]); n != 4 {
		t.Errorf("length prefix = %d, want 4", n)
	}
	if string(b[8:11]) != "abc" {
		t.Errorf("payload = %q", b[8:11])
	}
	if b[11] != 0 {
		t.Errorf("terminator = %#x, want 0", b[11])
	}
}

func TestWriteStringRejects(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, "a\x00b"); !errors.Is(err, ErrEmbeddedNUL) {
		t.Errorf("embedded NUL: got %v", err)
	}
	if err := WriteString(&buf, strings.Repeat("a", MaxStringLen)); !errors.Is(err, ErrTooLong) {
		t.Errorf("too long: got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("rejected writes left %d bytes", buf.Len())
	}
}

func frame(length uint64, payload []byte) *bytes.Buffer {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.NativeEndian.PutUint64(hdr[:], length)
	buf.Write(hdr[:])
	buf.Write(payload)
	return &buf
}

func TestReadStringRejects(t *testing.T) {
	tests := []struct {
		name string
		in   *bytes.Buffer
		want error
	}{
		{"zero length", frame(0, nil), ErrFrameLength},
		{"over ceiling", frame(MaxStringLen+1, nil), ErrFrameLength},
		{"huge length", frame(1<<62, nil), ErrFrameLength},
		{"short payload", frame(10, []byte("abc")), ErrTruncated},
		{"no terminator", frame(3, []byte("abc")), ErrMissingTerminator},
		{"short header", bytes.NewBuffer([]byte{1, 2, 3}), ErrTruncated},
		{"empty stream", &bytes.Buffer{}, ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadString(tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("error %v does not wrap ErrProtocol", err)
			}
		})
	}
}

func TestBool(t *testing.T) {
	var buf bytes.Buffer
	for _, v := range []bool{true, false} {
		if err := WriteBool(&buf, v); err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(buf.Bytes(), []byte{1, 0}) {
		t.Fatalf("encoded = %v", buf.Bytes())
	}

	for _, want := range []bool{true, false} {
		got, err := ReadBool(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}

	// Any nonzero byte is true.
	got, err := ReadBool(bytes.NewBuffer([]byte{0x7f}))
	if err != nil || !got {
		t.Errorf("0x7f decoded as %v, %v", got, err)
	}

	if _, err := ReadBool(&buf); !errors.Is(err, ErrTruncated) {
		t.Errorf("empty read: got %v", err)
	}
}

func TestIntegers(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUint32(&buf, 500000); err != nil {
		t.Fatal(err)
	}
	if err := WriteUint64(&buf, 1<<40); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 12 {
		t.Fatalf("encoded %d bytes, want 12", buf.Len())
	}

	u32, err := ReadUint32(&buf)
	if err != nil || u32 != 500000 {
		t.Errorf("ReadUint32 = %d, %v", u32, err)
	}
	u64, err := ReadUint64(&buf)
	if err != nil || u64 != 1<<40 {
		t.Errorf("ReadUint64 = %d, %v", u64, err)
	}

	if _, err := ReadUint32(bytes.NewBuffer([]byte{1, 2})); !errors.Is(err, ErrTruncated) {
		t.Errorf("short uint32: got %v", err)
	}
}
