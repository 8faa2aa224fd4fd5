package routeros

import (
	"fmt"
	"strconv"
	"strings"
)

// record is one row of `print terse` output: an item number, optional flag
// letters and key=value attributes.
type record struct {
	index int
	flags string
	attrs map[string]string
}

func (r record) has(flag byte) bool { return strings.IndexByte(r.flags, flag) >= 0 }

func (r record) get(key string) string { return r.attrs[key] }

// bool reads a yes/no attribute, falling back to a flag letter.
func (r record) bool(key string, flag byte) bool {
	switch r.attrs[key] {
	case "yes", "true":
		return true
	case "no", "false":
		return false
	}
	return flag != 0 && r.has(flag)
}

func (r record) uint(key string) uint64 {
	v := strings.ReplaceAll(r.attrs[key], " ", "")
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseTerse parses `print terse` output. Any non-empty line that does not
// start with an item number is treated as an error message from the router,
// so a failed command can never be mistaken for an empty list.
func parseTerse(out string) ([]record, error) {
	var (
		recs    []record
		comment string
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ";;;") {
			comment = strings.TrimSpace(strings.TrimPrefix(line, ";;;"))
			continue
		}

		toks, err := tokenize(line)
		if err != nil {
			return nil, err
		}
		idx, err := strconv.Atoi(toks[0])
		if err != nil {
			return nil, fmt.Errorf("unexpected router output: %q", line)
		}

		rec := record{index: idx, attrs: make(map[string]string, len(toks))}
		for _, tok := range toks[1:] {
			k, v, ok := strings.Cut(tok, "=")
			if !ok || k == "" {
				rec.flags += tok
				continue
			}
			rec.attrs[k] = v
		}
		if _, ok := rec.attrs["comment"]; !ok && comment != "" {
			rec.attrs["comment"] = comment
		}
		comment = ""
		recs = append(recs, rec)
	}
	return recs, nil
}

// tokenize splits a line on unquoted whitespace, removing quotes and
// resolving RouterOS escapes inside them.
func tokenize(line string) ([]string, error) {
	var (
		toks    []string
		b       strings.Builder
		inQuote bool
		inTok   bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(line):
			s, n := unescape(line[i+1:])
			b.WriteString(s)
			i += n
		case c == '"':
			inQuote = !inQuote
			inTok = true
		case !inQuote && (c == ' ' || c == '\t'):
			if inTok {
				toks = append(toks, b.String())
				b.Reset()
				inTok = false
			}
		default:
			b.WriteByte(c)
			inTok = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if inTok {
		toks = append(toks, b.String())
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty line")
	}
	return toks, nil
}

func unescape(s string) (string, int) {
	switch s[0] {
	case 'n':
		return "\n", 1
	case 't':
		return "\t", 1
	case 'r':
		return "\r", 1
	case '_':
		return " ", 1
	}
	if len(s) >= 2 && isHex(s[0]) && isHex(s[1]) {
		n, _ := strconv.ParseUint(s[:2], 16, 8)
		return string([]byte{byte(n)}), 2
	}
	return s[:1], 1
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// quote renders s as a RouterOS CLI string literal.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\', '$', '?':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\%02X`, c)
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
