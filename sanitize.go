package switchboard

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars are Unicode zero-width and invisible characters used for obfuscation.
var zeroWidthChars = strings.NewReplacer(
	"​", " ", // zero-width space
	"‌", " ", // zero-width non-joiner
	"‍", " ", // zero-width joiner
	"\uFEFF", " ", // zero-width no-break space (BOM)
	"⁠", " ", // word joiner
	"᠎", " ", // Mongolian vowel separator
	"­", "", // soft hyphen (removed, not replaced)
)

// SanitizeInput strips invisible characters, normalizes Unicode (NFKC),
// and trims whitespace. Applied to user messages before prompt assembly
// and persistence so obfuscated text cannot smuggle divergent content
// past logging and storage.
func SanitizeInput(s string) string {
	s = zeroWidthChars.Replace(s)
	s = norm.NFKC.String(s)
	return strings.TrimSpace(s)
}
