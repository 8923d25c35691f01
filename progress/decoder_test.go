package progress

import (
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"testing/iotest"
)

func collect(r io.Reader) ([]string, error) {
	d := NewDecoder(r)
	var lines []string
	for line := range d.Lines() {
		lines = append(lines, line)
	}
	return lines, d.Err()
}

func TestDecoderLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"carriage returns without trailing separator", "100\r200\r300", []string{"100", "200", "300"}},
		{"newlines", "PERCENT 20\nMSG hi\n", []string{"PERCENT 20", "MSG hi"}},
		{"crlf collapses", "a\r\nb\r\n", []string{"a", "b"}},
		{"separator runs", "\r\r\nx\n\n\r\ry\r", []string{"x", "y"}},
		{"empty", "", nil},
		{"only separators", "\r\n\r\n", nil},
		{"dd redraw", "1048576 bytes copied\r2097152 bytes copied\r", []string{"1048576 bytes copied", "2097152 bytes copied"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collect(strings.NewReader(tt.in))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecoderOneByteReads(t *testing.T) {
	got, err := collect(iotest.OneByteReader(strings.NewReader("0\r1048576\n2097152")))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0", "1048576", "2097152"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDecoderFlushesOnReadError(t *testing.T) {
	boom := errors.New("pipe closed")
	r := io.MultiReader(strings.NewReader("first\rpartial"), iotest.ErrReader(boom))

	got, err := collect(r)
	if !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want %v", err, boom)
	}
	want := []string{"first", "partial"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDecoderStopsEarly(t *testing.T) {
	d := NewDecoder(strings.NewReader("a\nb\nc\n"))
	var got []string
	for line := range d.Lines() {
		got = append(got, line)
		if len(got) == 2 {
			break
		}
	}
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("got %q", got)
	}
}

func TestDecoderInvalidUTF8(t *testing.T) {
	got, err := collect(strings.NewReader("ok\xff\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "ok\uFFFD" {
		t.Fatalf("got %q", got)
	}
}
