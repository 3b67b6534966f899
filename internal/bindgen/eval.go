package bindgen

import (
	"errors"
	"fmt"
	"go/constant"
	gotoken "go/token"
	"go/types"
	"strconv"
	"strings"
	"text/scanner"
)

var errNotConstant = errors.New("not a constant expression")

// eval folds a C constant expression. The tokens are rewritten into the
// equivalent Go expression and handed to the go/types constant evaluator,
// which gives arbitrary precision and C-compatible integer division.
func (h *Header) eval(toks []token) (constant.Value, error) {
	if len(toks) == 0 {
		return nil, errNotConstant
	}
	if s, ok := stringLiteral(toks); ok {
		return constant.MakeString(s), nil
	}

	toks = h.dropCasts(toks)

	var (
		b        strings.Builder
		unsigned bool
		width    = 4
	)
	for i, t := range toks {
		if i > 0 && !t.adj {
			b.WriteByte(' ')
		}
		switch t.kind {
		case scanner.Int, scanner.Float:
			b.WriteString(t.text)
			if strings.ContainsAny(t.suffix, "uU") {
				unsigned = true
			}
			if n := strings.Count(strings.ToLower(t.suffix), "l"); n > 0 && t.kind == scanner.Int {
				w := h.longSize
				if n > 1 {
					w = 8
				}
				width = max(width, w)
			}
		case scanner.Char:
			r, err := charValue(t.text)
			if err != nil {
				return nil, err
			}
			b.WriteString(strconv.Itoa(int(r)))
		case scanner.String:
			return nil, errNotConstant
		case scanner.Ident:
			v, ok := h.consts[t.text]
			if !ok {
				return nil, fmt.Errorf("%w: %q is not a known constant", errNotConstant, t.text)
			}
			b.WriteByte('(')
			b.WriteString(goLiteral(v))
			b.WriteByte(')')
		default:
			switch t.text {
			case "~":
				b.WriteByte('^')
			case "?", ":", ",", "=", "{", "}", ";", "#":
				return nil, errNotConstant
			default:
				b.WriteString(t.text)
			}
		}
	}

	tv, err := types.Eval(gotoken.NewFileSet(), nil, gotoken.NoPos, b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errNotConstant, b.String())
	}
	v := tv.Value
	if v == nil {
		return nil, errNotConstant
	}

	switch v.Kind() {
	case constant.Bool:
		if constant.BoolVal(v) {
			return constant.MakeInt64(1), nil
		}
		return constant.MakeInt64(0), nil
	case constant.Int:
		if unsigned && constant.Sign(v) < 0 {
			mod := constant.Shift(constant.MakeInt64(1), gotoken.SHL, uint(width*8))
			v = constant.BinaryOp(v, gotoken.ADD, mod)
		}
		return v, nil
	case constant.Float:
		return v, nil
	}
	return nil, errNotConstant
}

func stringLiteral(toks []token) (string, bool) {
	var b strings.Builder
	for _, t := range toks {
		if t.kind != scanner.String {
			return "", false
		}
		s, err := strconv.Unquote(t.text)
		if err != nil {
			return "", false
		}
		b.WriteString(s)
	}
	return b.String(), true
}

// dropCasts removes C casts like (uint32_t) or (unsigned long) in front of
// an operand, which have no Go spelling in an untyped constant expression
func (h *Header) dropCasts(toks []token) []token {
	toks = append([]token(nil), toks...)
	out := make([]token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		if end, ok := h.castAt(toks, i); ok {
			if end+1 < len(toks) {
				toks[end+1].adj = false
			}
			i = end
			continue
		}
		out = append(out, toks[i])
	}
	return out
}

func (h *Header) castAt(toks []token, i int) (int, bool) {
	if !isPunct(toks[i], "(") {
		return 0, false
	}
	words := 0
	for j := i + 1; j < len(toks); j++ {
		t := toks[j]
		switch {
		case isPunct(t, ")"):
			if words == 0 || j+1 >= len(toks) {
				return 0, false
			}
			next := toks[j+1]
			operand := next.kind == scanner.Ident || next.kind == scanner.Int ||
				next.kind == scanner.Float || next.kind == scanner.Char ||
				isPunct(next, "(") || isPunct(next, "-") || isPunct(next, "~")
			return j, operand
		case isPunct(t, "*"):
		case t.kind == scanner.Ident && (isKeyword(t.text) || h.isTypeName(t.text)):
			words++
		case t.kind == scanner.Ident && j > i+1 && isTagKeyword(toks[j-1].text):
		default:
			return 0, false
		}
	}
	return 0, false
}

func isTagKeyword(s string) bool { return s == "struct" || s == "union" || s == "enum" }

func charValue(lit string) (rune, error) {
	lit = strings.TrimLeft(lit, "LuU8")
	if len(lit) < 3 || lit[0] != '\'' || lit[len(lit)-1] != '\'' {
		return 0, fmt.Errorf("bad character literal %s", lit)
	}
	body := lit[1 : len(lit)-1]

	// C allows 1-3 digit octal escapes, Go only 3
	if len(body) >= 2 && body[0] == '\\' && body[1] >= '0' && body[1] <= '7' {
		n, err := strconv.ParseUint(body[1:], 8, 32)
		if err != nil {
			return 0, fmt.Errorf("bad character literal %s", lit)
		}
		return rune(n), nil
	}

	r, _, tail, err := strconv.UnquoteChar(body, '\'')
	if err != nil || tail != "" {
		return 0, fmt.Errorf("bad character literal %s", lit)
	}
	return r, nil
}

// goLiteral spells a constant as Go source
func goLiteral(v constant.Value) string {
	switch v.Kind() {
	case constant.Int:
		return v.ExactString()
	case constant.Float:
		f, _ := constant.Float64Val(v)
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return s
	case constant.String:
		return strconv.Quote(constant.StringVal(v))
	}
	return v.ExactString()
}

// evalMacros turns object-like macros into constants. Macros may refer to
// each other in any order, so evaluation repeats until nothing changes.
// Macros that are not constant expressions are dropped.
func (h *Header) evalMacros(macros []macro) {
	latest := make(map[string]int, len(macros))
	for i, m := range macros {
		latest[m.name] = i
	}

	var pending []macro
	for i, m := range macros {
		if latest[m.name] == i && len(m.body) > 0 {
			pending = append(pending, m)
		}
	}

	for progress := true; progress && len(pending) > 0; {
		progress = false
		rest := pending[:0]
		for _, m := range pending {
			v, err := h.eval(m.body)
			if err != nil {
				rest = append(rest, m)
				continue
			}
			progress = true
			h.consts[m.name] = v
			h.add(&Decl{Kind: DeclConst, Name: m.name, Pos: m.pos, System: m.system, seq: m.seq, Value: v})
		}
		pending = rest
	}
}
