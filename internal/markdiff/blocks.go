package markdiff

import "strings"

func isFence(line string) bool {
	t := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~")
}

// isRule reports a thematic break: three or more of one of -*_ with
// optional spaces between.
func isRule(line string) bool {
	t := strings.TrimSpace(line)
	if len(t) < 3 || (t[0] != '-' && t[0] != '*' && t[0] != '_') {
		return false
	}
	count := 0
	for i := 0; i < len(t); i++ {
		switch t[i] {
		case t[0]:
			count++
		case ' ', '\t':
		default:
			return false
		}
	}
	return count >= 3
}

func isTableRow(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "|")
}

// isDelimiterRow reports the |---|:---:| row under a table header.
func isDelimiterRow(row string) bool {
	if !strings.Contains(row, "-") {
		return false
	}
	for i := 0; i < len(row); i++ {
		switch row[i] {
		case '|', '-', ':', ' ', '\t':
		default:
			return false
		}
	}
	return true
}

// splitPrefix separates the block markers at the start of line (indent,
// blockquotes, heading hashes, list bullets, task boxes) from its content.
func splitPrefix(line string) (prefix, rest string) {
	i := 0
	skipSpace := func() {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
	}

	skipSpace()
	for i < len(line) && line[i] == '>' {
		i++
		skipSpace()
	}

	switch {
	case i < len(line) && line[i] == '#':
		j := i
		for j < len(line) && line[j] == '#' && j-i < 6 {
			j++
		}
		i = j
		skipSpace()
		return line[:i], line[i:]
	case i < len(line) && strings.IndexByte("-*+", line[i]) >= 0 && markerEnds(line, i+1):
		i++
	default:
		j := i
		for j < len(line) && j-i < 9 && line[j] >= '0' && line[j] <= '9' {
			j++
		}
		if j > i && j < len(line) && (line[j] == '.' || line[j] == ')') && markerEnds(line, j+1) {
			i = j + 1
		} else {
			return line[:i], line[i:]
		}
	}

	skipSpace()
	for _, box := range []string{"[ ]", "[x]", "[X]"} {
		if strings.HasPrefix(line[i:], box) && markerEnds(line, i+len(box)) {
			i += len(box)
			skipSpace()
			break
		}
	}
	return line[:i], line[i:]
}

// markerEnds reports whether a list marker ending before pos is followed by
// whitespace or the end of the line.
func markerEnds(line string, pos int) bool {
	return pos >= len(line) || line[pos] == ' ' || line[pos] == '\t'
}
