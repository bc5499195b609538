package proxy

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSkipsBlanksAndComments(t *testing.T) {
	in := "# egress\nhttp://a:1\n\n  http://b:2  \n#http://c:3\n"
	got, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "http://a:1" || got[1] != "http://b:2" {
		t.Fatalf("unexpected: %v", got)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "absent.txt"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Next(); ok || p.Len() != 0 {
		t.Fatalf("expected empty pool")
	}
}

func TestNextCoversAllEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(path, []byte("p1\np2\np3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		a, ok := p.Next()
		if !ok {
			t.Fatal("empty")
		}
		seen[a]++
	}
	for _, a := range []string{"p1", "p2", "p3"} {
		if seen[a] == 0 {
			t.Fatalf("%s never picked: %v", a, seen)
		}
	}
}

func TestNilPool(t *testing.T) {
	var p *Pool
	if _, ok := p.Next(); ok {
		t.Fatal("nil pool must be empty")
	}
}
