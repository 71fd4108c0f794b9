// Package linkcodec embeds a hyperlink target into a cell's text as
// "display ### reference" and recovers (display, reference) pairs from cells.
package linkcodec

import (
	"regexp"
	"strings"
)

// DefaultSeparator joins display text and reference
const DefaultSeparator = " ### "

var plainURL = regexp.MustCompile(`(?i)https?://\S+`)

// Cell is the read view of a spreadsheet cell needed for decoding
type Cell struct {
	Display   string // resolved display text
	Hyperlink string // directly attached hyperlink target, if any
	Formula   string // formula text, with or without the leading '='
}

// Empty reports whether the cell carries nothing to transform
func (c Cell) Empty() bool {
	return c.Display == "" && c.Hyperlink == "" && c.Formula == ""
}

// Value is a decoded (display, reference) pair. Reference is empty when absent.
type Value struct {
	Display   string
	Reference string
}

// HasReference reports whether a reference is present
func (v Value) HasReference() bool {
	return v.Reference != ""
}

// Codec encodes and decodes link annotations
type Codec struct {
	Separator string
	// PlainURLs makes Decode treat the first http(s) URL in the text as the
	// reference when no hyperlink or link formula is attached.
	PlainURLs bool
}

// New creates a codec with the given separator; an empty separator selects the default
func New(separator string, plainURLs bool) *Codec {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Codec{Separator: separator, PlainURLs: plainURLs}
}

var std = New(DefaultSeparator, false)

// Encode returns display unchanged when reference is empty or display is already
// encoded, otherwise display + separator + reference.
func (c *Codec) Encode(display, reference string) string {
	if reference == "" || c.IsEncoded(display) {
		return display
	}
	return display + c.Separator + reference
}

// IsEncoded reports whether s already ends with a "<separator><something>" suffix
func (c *Codec) IsEncoded(s string) bool {
	_, ok := c.encodedReference(s)
	return ok
}

// encodedReference returns the non-empty text after the last full separator.
// "a###b" does not match the " ### " separator.
func (c *Codec) encodedReference(s string) (string, bool) {
	idx := strings.LastIndex(s, c.Separator)
	if idx < 0 {
		return "", false
	}
	ref := strings.TrimSpace(s[idx+len(c.Separator):])
	if ref == "" {
		return "", false
	}
	return ref, true
}

// Decode extracts the (display, reference) pair of a cell. Precedence: an attached
// hyperlink, then a HYPERLINK(...) formula, then an existing encoding in the text,
// then (if enabled) a plain URL in the text.
//
// Already-encoded text decodes to itself as display, so Encode(Decode(x)) == x.
func (c *Codec) Decode(cell Cell) Value {
	if cell.Hyperlink != "" {
		return Value{Display: cell.Display, Reference: cell.Hyperlink}
	}

	if link, friendly, ok := ParseHyperlinkFormula(cell.Formula); ok {
		display := cell.Display
		if friendly != "" {
			display = friendly
		} else if display == "" {
			display = link
		}
		return Value{Display: display, Reference: link}
	}

	if ref, ok := c.encodedReference(cell.Display); ok {
		return Value{Display: cell.Display, Reference: ref}
	}

	if c.PlainURLs && !strings.Contains(cell.Display, c.Separator) {
		if m := plainURL.FindString(cell.Display); m != "" {
			return Value{Display: cell.Display, Reference: m}
		}
	}

	return Value{Display: cell.Display}
}

// Encode encodes with the default separator
func Encode(display, reference string) string {
	return std.Encode(display, reference)
}

// Decode decodes with the default separator
func Decode(cell Cell) Value {
	return std.Decode(cell)
}

// IsEncoded checks for the default separator
func IsEncoded(s string) bool {
	return std.IsEncoded(s)
}
