package util

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestRingBufferLast(t *testing.T) {
	r := NewRingBuffer[int](3)
	if got := r.Last(0); len(got) != 0 {
		t.Fatalf("empty buffer = %v", got)
	}
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	cases := []struct {
		n    int
		want []int
	}{
		{0, []int{3, 4, 5}},
		{2, []int{4, 5}},
		{9, []int{3, 4, 5}},
	}
	for _, tc := range cases {
		if got := r.Last(tc.n); !slices.Equal(got, tc.want) {
			t.Errorf("Last(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRingBufferSelect(t *testing.T) {
	r := NewRingBuffer[int](5)
	for i := 1; i <= 7; i++ {
		r.Push(i)
	}
	even := func(v int) bool { return v%2 == 0 }
	if got := r.Select(0, even); !slices.Equal(got, []int{4, 6}) {
		t.Fatalf("Select(0, even) = %v", got)
	}
	if got := r.Select(1, even); !slices.Equal(got, []int{6}) {
		t.Fatalf("Select(1, even) = %v", got)
	}
	if got := r.Select(0, func(int) bool { return false }); len(got) != 0 {
		t.Fatalf("no match = %v", got)
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/dev/a", "data/q.db"); got != filepath.Join("/dev/a", "data/q.db") {
		t.Fatalf("relative = %s", got)
	}
	if got := ResolvePath("/dev/a", "/var/lib/../q.db"); got != "/var/q.db" {
		t.Fatalf("absolute = %s", got)
	}
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "x.json")
	if err := WriteJSONFile(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "{\n  \"a\": 1\n}" {
		t.Fatalf("content = %q", b)
	}
	left, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".tmp-*"))
	if len(left) != 0 {
		t.Fatalf("temp files left behind: %v", left)
	}
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ads.json")

	var hits atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchFile(ctx, path, func() { hits.Add(1) }) }()
	time.Sleep(50 * time.Millisecond)

	// Unrelated files in the same directory are ignored.
	os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644)
	if err := WriteJSONFile(path, []string{"a"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hits.Load() != 1 {
		t.Fatalf("onChange calls = %d, want 1", hits.Load())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
