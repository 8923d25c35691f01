package progress

import (
	"fmt"
	"slices"
	"testing"
)

func TestTailEvictsOldest(t *testing.T) {
	tail := NewTail(3)
	for i := 1; i <= 5; i++ {
		tail.Push(fmt.Sprint(i))
	}

	if got := tail.Lines(); !slices.Equal(got, []string{"3", "4", "5"}) {
		t.Fatalf("Lines() = %q", got)
	}
	if got := tail.Last(2); !slices.Equal(got, []string{"4", "5"}) {
		t.Fatalf("Last(2) = %q", got)
	}
	if got := tail.Last(10); len(got) != 3 {
		t.Fatalf("Last(10) = %q", got)
	}
	if tail.Len() != 3 {
		t.Fatalf("Len() = %d", tail.Len())
	}
}

func TestTailPartiallyFilled(t *testing.T) {
	tail := NewTail(DefaultTailSize)
	tail.Push("dd: error writing '/dev/sdb': No space left on device")
	tail.Push("1+0 records out")

	if got := tail.Last(20); len(got) != 2 || got[1] != "1+0 records out" {
		t.Fatalf("Last(20) = %q", got)
	}
	if !tail.Contains("No space left on device") {
		t.Fatal("Contains missed a retained line")
	}
	if tail.Contains("Input/output error") {
		t.Fatal("Contains matched a line never pushed")
	}
}

func TestTailKeepsTwoHundred(t *testing.T) {
	tail := NewTail(0)
	for i := 0; i < 450; i++ {
		tail.Push(fmt.Sprint(i))
	}
	lines := tail.Lines()
	if len(lines) != DefaultTailSize {
		t.Fatalf("len = %d", len(lines))
	}
	if lines[0] != "250" || lines[len(lines)-1] != "449" {
		t.Fatalf("window = %s..%s", lines[0], lines[len(lines)-1])
	}
}
