package bindgen

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/scanner"
)

// Pos is a location in the original (pre-preprocessing) sources
type Pos struct {
	File string
	Line int
}

func (p Pos) String() string { return fmt.Sprintf("%s:%d", p.File, p.Line) }

type token struct {
	kind   rune // scanner.Ident, scanner.Int, ... or the punctuation rune itself
	text   string
	suffix string // integer/float suffix split off by the scanner, e.g. "UL"
	adj    bool   // no whitespace between this token and the previous one
	pos    Pos
	system bool
	seq    int
}

func (t token) String() string {
	if t.kind == scanner.EOF {
		return "end of input"
	}
	return strconv.Quote(t.text)
}

// macro is an object-like #define seen in the -dD output
type macro struct {
	name   string
	body   []token
	pos    Pos
	system bool
	seq    int
}

type origin struct {
	file   string
	line   int
	system bool
}

// # 12 "flanterm/src/flanterm.h" 2 3
var lineMarkerRe = regexp.MustCompile(`^#\s*(?:line\s+)?(\d+)\s+"((?:[^"\\]|\\.)*)"(.*)$`)

// scanPreprocessed splits the output of `cc -E -dD` into declaration tokens
// and object-like macros, tagging each with the file it came from
func scanPreprocessed(data []byte) ([]token, []macro, error) {
	var (
		toks   []token
		macros []macro
		cur    = origin{file: "<stdin>"}
		seq    int
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			if m := lineMarkerRe.FindStringSubmatch(trimmed); m != nil {
				n, _ := strconv.Atoi(m[1])
				file, err := strconv.Unquote(`"` + m[2] + `"`)
				if err != nil {
					file = m[2]
				}
				cur = origin{
					file:   file,
					line:   n,
					system: strings.HasPrefix(file, "<") || hasFlag(m[3], "3"),
				}
				continue
			}

			if rest, ok := cutDirective(trimmed, "define"); ok {
				if m, ok := parseDefine(rest, cur, seq); ok {
					macros = append(macros, m)
				}
			} else if rest, ok := cutDirective(trimmed, "undef"); ok && rest != "" {
				// a body-less entry shadows any earlier definition
				macros = append(macros, macro{
					name:   strings.Fields(rest)[0],
					pos:    Pos{File: cur.file, Line: cur.line},
					system: cur.system,
					seq:    seq,
				})
			}
			seq++
			cur.line++
			continue
		}

		lineToks := tokenizeLine(line, Pos{File: cur.file, Line: cur.line}, cur.system, seq)
		toks = append(toks, lineToks...)
		seq++
		cur.line++
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}

	return toks, macros, nil
}

func hasFlag(flags, flag string) bool {
	for _, f := range strings.Fields(flags) {
		if f == flag {
			return true
		}
	}
	return false
}

// cutDirective matches `# define rest` with optional spaces after the hash
func cutDirective(line, name string) (string, bool) {
	rest := strings.TrimSpace(line[1:])
	if !strings.HasPrefix(rest, name) {
		return "", false
	}
	rest = rest[len(name):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func parseDefine(rest string, cur origin, seq int) (macro, bool) {
	end := 0
	for end < len(rest) && isIdentByte(rest[end], end == 0) {
		end++
	}
	if end == 0 {
		return macro{}, false
	}
	name := rest[:end]
	if end < len(rest) && rest[end] == '(' {
		return macro{}, false // function-like
	}
	pos := Pos{File: cur.file, Line: cur.line}
	return macro{
		name:   name,
		body:   tokenizeLine(rest[end:], pos, cur.system, seq),
		pos:    pos,
		system: cur.system,
		seq:    seq,
	}, true
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

func isNumSuffix(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch c {
		case 'u', 'U', 'l', 'L', 'f', 'F':
		default:
			return false
		}
	}
	return true
}

func tokenizeLine(line string, pos Pos, system bool, seq int) []token {
	var s scanner.Scanner
	s.Init(strings.NewReader(line))
	s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats |
		scanner.ScanChars | scanner.ScanStrings | scanner.ScanComments | scanner.SkipComments
	s.Whitespace = 1<<'\t' | 1<<' ' | 1<<'\r' | 1<<'\v' | 1<<'\f'
	s.Error = func(*scanner.Scanner, string) {} // bad literals fail later, with a position
	s.Filename = pos.File

	var (
		out     []token
		prevEnd = -1
	)
	for tok := s.Scan(); tok != scanner.EOF; tok = s.Scan() {
		text := s.TokenText()
		off := s.Position.Offset
		adj := off == prevEnd
		prevEnd = off + len(text)

		if tok == scanner.Ident && adj && len(out) > 0 && isNumSuffix(text) {
			if last := &out[len(out)-1]; last.kind == scanner.Int || last.kind == scanner.Float {
				last.suffix = text
				continue
			}
		}

		out = append(out, token{
			kind:   tok,
			text:   text,
			adj:    adj,
			pos:    pos,
			system: system,
			seq:    seq,
		})
	}
	return out
}
