package advisor

import "strings"

// Text cleanup normalizes model formatting quirks without touching word
// content. All transforms are idempotent: cleaning cleaned text is a no-op.

var bulletGlyphs = []string{"•", "◦", "▪", "‣", "*", "–"}

// CleanText applies the full normalization to a complete text:
// bullet glyphs become "- ", a bullet alone on its own line merges with a
// following "Label:" line, and runs of 3+ blank lines collapse to one.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = normalizeBulletLine(lines[i])
	}
	lines = collapseLoneBullets(lines)
	lines = collapseBlankRuns(lines)
	return strings.Join(lines, "\n")
}

func normalizeBulletLine(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(trimmed)]
	for _, glyph := range bulletGlyphs {
		if !strings.HasPrefix(trimmed, glyph) {
			continue
		}
		rest := trimmed[len(glyph):]
		if rest != "" && !strings.HasPrefix(rest, " ") {
			// Mid-word asterisks and dashes are not bullets.
			if glyph == "*" || glyph == "–" {
				return line
			}
			return indent + "- " + rest
		}
		return indent + "-" + rest
	}
	return line
}

// collapseLoneBullets merges a line that is only a bullet glyph with a
// following "Label:" line into "- Label: ...".
func collapseLoneBullets(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "-" && i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if next != "" && strings.Contains(next, ":") && !strings.HasPrefix(next, "-") {
				out = append(out, "- "+next)
				i++
				continue
			}
		}
		out = append(out, line)
	}
	return out
}

func collapseBlankRuns(lines []string) []string {
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blanks++
			continue
		}
		if blanks > 0 {
			if blanks >= 3 {
				out = append(out, "")
			} else {
				for j := 0; j < blanks; j++ {
					out = append(out, "")
				}
			}
			blanks = 0
		}
		out = append(out, line)
	}
	if blanks > 0 {
		if blanks >= 3 {
			out = append(out, "")
		} else {
			for j := 0; j < blanks; j++ {
				out = append(out, "")
			}
		}
	}
	return out
}

// StreamCleaner applies CleanText rules to a stream of fragments. The cleanup
// rules only rewrite a line's leading bullet glyph, so once a line's prefix is
// resolved the rest of it passes through verbatim as fragments arrive. The
// cleaner holds back only what the rules still need: an undecided line prefix,
// a possible lone-bullet line, blank lines awaiting run collapsing, and the
// line after a lone bullet (the "Label:" merge needs the whole line).
type StreamCleaner struct {
	// lineBuf holds the undecided start of the current line.
	lineBuf strings.Builder
	// streaming marks a line whose prefix was already emitted; its remaining
	// bytes pass through untouched until the next newline.
	streaming bool
	// pendingBullet holds a lone "-" line awaiting a possible "Label:" merge.
	pendingBullet bool
	blankRun      int
	emittedAny    bool
}

func NewStreamCleaner() *StreamCleaner {
	return &StreamCleaner{}
}

// Write consumes a fragment and returns the cleaned text ready for emission.
func (c *StreamCleaner) Write(fragment string) string {
	if c == nil || fragment == "" {
		return ""
	}
	var out strings.Builder
	for fragment != "" {
		if c.streaming {
			idx := strings.IndexByte(fragment, '\n')
			if idx < 0 {
				out.WriteString(fragment)
				fragment = ""
				continue
			}
			out.WriteString(fragment[:idx])
			c.streaming = false
			fragment = fragment[idx+1:]
			continue
		}
		idx := strings.IndexByte(fragment, '\n')
		if idx >= 0 {
			c.lineBuf.WriteString(fragment[:idx])
			line := c.lineBuf.String()
			c.lineBuf.Reset()
			c.emitLine(&out, line)
			fragment = fragment[idx+1:]
			continue
		}
		c.lineBuf.WriteString(fragment)
		fragment = ""
		if c.pendingBullet {
			continue
		}
		if prefix, ok := resolveLinePrefix(c.lineBuf.String()); ok {
			c.lineBuf.Reset()
			c.writeLine(&out, prefix)
			c.streaming = true
		}
	}
	return out.String()
}

// resolveLinePrefix reports whether a partial line can already be emitted.
// When ok, emit is the normalized text for the bytes seen so far.
func resolveLinePrefix(partial string) (emit string, ok bool) {
	trimmed := strings.TrimLeft(partial, " \t")
	if trimmed == "" {
		// Could still become a blank line.
		return "", false
	}
	indent := partial[:len(partial)-len(trimmed)]
	for _, glyph := range bulletGlyphs {
		if strings.HasPrefix(trimmed, glyph) {
			rest := trimmed[len(glyph):]
			if rest == "" {
				// Bullet vs. emphasis vs. lone bullet not decided yet.
				return "", false
			}
			if !strings.HasPrefix(rest, " ") {
				if glyph == "*" || glyph == "–" {
					return partial, true
				}
				return indent + "- " + rest, true
			}
			if strings.TrimSpace(rest) == "" {
				// Could still be a lone bullet line.
				return "", false
			}
			return indent + "-" + rest, true
		}
		if strings.HasPrefix(glyph, trimmed) {
			// Fragment split the glyph's UTF-8 bytes.
			return "", false
		}
	}
	if strings.HasPrefix(trimmed, "-") && strings.TrimSpace(trimmed) == "-" {
		return "", false
	}
	return partial, true
}

// Flush releases whatever is still buffered. Call once at end of stream.
func (c *StreamCleaner) Flush() string {
	if c == nil {
		return ""
	}
	var out strings.Builder
	if rest := c.lineBuf.String(); rest != "" {
		c.lineBuf.Reset()
		c.emitLine(&out, rest)
	}
	if c.pendingBullet {
		c.writeLine(&out, "-")
		c.pendingBullet = false
	}
	c.streaming = false
	return out.String()
}

func (c *StreamCleaner) emitLine(out *strings.Builder, line string) {
	line = normalizeBulletLine(line)

	if c.pendingBullet {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && strings.Contains(trimmed, ":") && !strings.HasPrefix(trimmed, "-") {
			c.pendingBullet = false
			c.writeLine(out, "- "+trimmed)
			return
		}
		c.pendingBullet = false
		c.writeLine(out, "-")
	}

	if strings.TrimSpace(line) == "-" {
		c.pendingBullet = true
		return
	}
	if strings.TrimSpace(line) == "" {
		c.blankRun++
		return
	}
	c.writeLine(out, line)
}

func (c *StreamCleaner) writeLine(out *strings.Builder, line string) {
	if c.blankRun > 0 {
		n := c.blankRun
		if n >= 3 {
			n = 1
		}
		for j := 0; j < n; j++ {
			out.WriteString("\n")
		}
		c.blankRun = 0
	}
	if c.emittedAny {
		out.WriteString("\n")
	}
	out.WriteString(line)
	c.emittedAny = true
}
