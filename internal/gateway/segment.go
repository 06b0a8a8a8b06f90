package gateway

import "unicode/utf16"

// Single-segment and multipart per-segment limits, in GSM-7 septets and
// UCS-2 UTF-16 code units. Multipart segments lose room to the user data
// header that carries the part sequence.
const (
	gsmSingleLimit  = 160
	gsmMultiLimit   = 153
	ucs2SingleLimit = 70
	ucs2MultiLimit  = 67
)

// gsmBasic is the GSM 03.38 basic character set (one septet each).
var gsmBasic = func() map[rune]bool {
	const chars = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	m := make(map[rune]bool, len(chars))
	for _, r := range chars {
		m[r] = true
	}
	return m
}()

// gsmExtended characters are encoded as an escape plus the character (two septets).
var gsmExtended = map[rune]bool{
	'^': true, '{': true, '}': true, '\\': true, '[': true, ']': true, '~': true, '|': true, '€': true,
}

// isGSM7 reports whether the text fits the GSM 03.38 alphabet.
func isGSM7(text string) bool {
	for _, r := range text {
		if !gsmBasic[r] && !gsmExtended[r] {
			return false
		}
	}
	return true
}

// septets returns the GSM-7 septet count for a rune known to be encodable.
func septets(r rune) int {
	if gsmExtended[r] {
		return 2
	}
	return 1
}

// Segment splits text into ordered SMS segments honoring the GSM-7/UCS-2
// encoding limits. Text fitting one segment is returned unsplit.
func Segment(text string) []string {
	if text == "" {
		return []string{""}
	}
	if isGSM7(text) {
		return split(text, gsmSingleLimit, gsmMultiLimit, septets)
	}
	return split(text, ucs2SingleLimit, ucs2MultiLimit, func(r rune) int {
		return len(utf16.Encode([]rune{r}))
	})
}

func split(text string, singleLimit, multiLimit int, width func(rune) int) []string {
	total := 0
	for _, r := range text {
		total += width(r)
	}
	if total <= singleLimit {
		return []string{text}
	}

	var segments []string
	var current []rune
	used := 0
	for _, r := range text {
		w := width(r)
		if used+w > multiLimit {
			segments = append(segments, string(current))
			current = current[:0]
			used = 0
		}
		current = append(current, r)
		used += w
	}
	if len(current) > 0 {
		segments = append(segments, string(current))
	}
	return segments
}
