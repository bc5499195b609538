package util

import "testing"

func TestContainsUpper(t *testing.T) {
	cases := []struct {
		text, word string
		want       bool
	}{
		{"hey grow please", "GROW", true},
		{"GROWTH hacking", "grow", true},
		{"nothing here", "GROW", false},
		{"anything", "", false},
	}
	for _, c := range cases {
		if got := ContainsUpper(c.text, c.word); got != c.want {
			t.Fatalf("ContainsUpper(%q, %q) = %v", c.text, c.word, got)
		}
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("  a \n  b  ", 10); got != "a b" {
		t.Fatalf("got %q", got)
	}
	if got := Snippet("ééééé", 3); got != "ééé…" {
		t.Fatalf("got %q", got)
	}
}
