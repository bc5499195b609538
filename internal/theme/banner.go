package theme

import (
	"fmt"
	"io"
)

const (
	green = "\033[32m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
	reset = "\033[0m"
)

// Banner returns the startup banner. Colors are dropped when plain is set.
func Banner(plain bool) string {
	c := func(code, s string) string {
		if plain {
			return s
		}
		return code + s + reset
	}
	return c(green, "   ~  z e n f l o w  ~\n") +
		c(cyan, "  ░▒▓ wake word → reply ▓▒░\n") +
		c(dim, "  instagram comment automation\n")
}

// PrintBanner writes the banner to w.
func PrintBanner(w io.Writer, plain bool) {
	fmt.Fprint(w, Banner(plain))
}
