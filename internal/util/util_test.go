package util

import (
	"reflect"
	"strings"
	"testing"
)

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/data", "chat.db"); got != "/data/chat.db" {
		t.Fatalf("relative: got %s", got)
	}
	if got := ResolvePath("/data", "/var/lib/chat.db"); got != "/var/lib/chat.db" {
		t.Fatalf("absolute: got %s", got)
	}
}

func TestValidateUsername(t *testing.T) {
	got, err := ValidateUsername("  Alice  ")
	if err != nil || got != "Alice" {
		t.Fatalf("got %q, %v", got, err)
	}

	bad := []string{"", "   ", strings.Repeat("x", 65), "a/b", `a\b`, "a..b"}
	for _, name := range bad {
		if _, err := ValidateUsername(name); err == nil {
			t.Errorf("%q: expected error", name)
		}
	}
}

func TestValidateRoomID(t *testing.T) {
	got, err := ValidateRoomID(" ABC-123_x ")
	if err != nil || got != "ABC-123_x" {
		t.Fatalf("got %q, %v", got, err)
	}

	bad := []string{"", "room id", "room!", strings.Repeat("r", 65), "röm"}
	for _, id := range bad {
		if _, err := ValidateRoomID(id); err == nil {
			t.Errorf("%q: expected error", id)
		}
	}
}

func TestRingBufferWrapsAndClears(t *testing.T) {
	r := NewRingBuffer[int](3)
	if r.Len() != 0 {
		t.Fatal("fresh buffer not empty")
	}

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("got %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len %d", r.Len())
	}

	r.Clear()
	if r.Len() != 0 || len(r.Snapshot()) != 0 {
		t.Fatal("clear left elements behind")
	}

	r.Push(9)
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{9}) {
		t.Fatalf("reuse after clear: got %v", got)
	}
}
