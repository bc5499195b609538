package theme

import (
	"strings"
	"testing"
)

func TestPlainBannerHasNoEscapes(t *testing.T) {
	b := Banner(true)
	if strings.Contains(b, "\033[") || !strings.Contains(b, "z e n f l o w") {
		t.Fatalf("banner %q", b)
	}
}
