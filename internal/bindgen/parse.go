package bindgen

import (
	"fmt"
	"go/constant"
	gotoken "go/token"
	"sort"
	"text/scanner"
)

type parser struct {
	toks []token
	pos  int
	h    *Header
}

type syntaxError struct {
	pos Pos
	msg string
}

func (e *syntaxError) Error() string { return e.pos.String() + ": " + e.msg }

// Parse reads the output of `cc -E -dD` and collects every declaration.
// Failures inside system headers skip the offending declaration; failures in
// any other file abort the parse.
func Parse(preprocessed []byte, pointerSize int) (*Header, error) {
	toks, macros, err := scanPreprocessed(preprocessed)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks, h: newHeader(pointerSize)}
	if err := p.translationUnit(); err != nil {
		return nil, err
	}
	p.h.evalMacros(macros)

	sort.SliceStable(p.h.Decls, func(i, j int) bool { return p.h.Decls[i].seq < p.h.Decls[j].seq })
	return p.h, nil
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) peekN(n int) token {
	if p.pos+n >= len(p.toks) {
		var last Pos
		if len(p.toks) > 0 {
			last = p.toks[len(p.toks)-1].pos
		}
		return token{kind: scanner.EOF, pos: last}
	}
	return p.toks[p.pos+n]
}

func (p *parser) peek() token { return p.peekN(0) }

func (p *parser) next() token {
	t := p.peek()
	if !p.eof() {
		p.pos++
	}
	return t
}

func isPunct(t token, s string) bool {
	return t.text == s && t.kind != scanner.String && t.kind != scanner.Char && t.kind != scanner.EOF
}

func (p *parser) is(s string) bool { return isPunct(p.peek(), s) }

func (p *parser) accept(s string) bool {
	if p.is(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) errorf(format string, a ...any) error {
	return &syntaxError{pos: p.peek().pos, msg: fmt.Sprintf(format, a...)}
}

func (p *parser) expect(s string) error {
	if !p.accept(s) {
		return p.errorf("expected %q, found %s", s, p.peek())
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	if t.kind != scanner.Ident {
		return "", p.errorf("expected identifier, found %s", t)
	}
	p.pos++
	return t.text, nil
}

func (p *parser) translationUnit() error {
	for !p.eof() {
		start := p.pos
		first := p.peek()
		if err := p.externalDecl(); err != nil {
			if !first.system {
				return err
			}
			p.pos = start
			p.skipDecl()
		}
	}
	return nil
}

// skipDecl advances past the next top-level `;`, or past a function body
func (p *parser) skipDecl() {
	depth := 0
	body := false
	for !p.eof() {
		t := p.next()
		switch {
		case isPunct(t, "{"):
			if depth == 0 && p.pos >= 2 && isPunct(p.toks[p.pos-2], ")") {
				body = true
			}
			depth++
		case isPunct(t, "("), isPunct(t, "["):
			depth++
		case isPunct(t, "}"):
			depth--
			if depth == 0 && body {
				return
			}
		case isPunct(t, ")"), isPunct(t, "]"):
			depth--
		case isPunct(t, ";") && depth <= 0:
			return
		}
	}
}

// skipBalanced skips a parenthesized/bracketed/braced group starting at the
// current token
func (p *parser) skipBalanced() error {
	open := p.peek().text
	var closer string
	switch open {
	case "(":
		closer = ")"
	case "[":
		closer = "]"
	case "{":
		closer = "}"
	default:
		return p.errorf("expected group, found %s", p.peek())
	}

	depth := 0
	for !p.eof() {
		t := p.next()
		if isPunct(t, open) {
			depth++
		} else if isPunct(t, closer) {
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
	return p.errorf("unterminated %q", open)
}

var attributeWords = map[string]bool{
	"__attribute__": true, "__attribute": true, "__declspec": true,
	"__asm__": true, "__asm": true, "asm": true, "_Alignas": true, "alignas": true,
}

// skipAttributes skips GNU attributes and asm labels, reporting whether one
// of them was `packed`
func (p *parser) skipAttributes() (packed bool, err error) {
	for p.peek().kind == scanner.Ident && attributeWords[p.peek().text] {
		p.next()
		if !p.is("(") {
			continue
		}
		start := p.pos
		if err := p.skipBalanced(); err != nil {
			return packed, err
		}
		for _, t := range p.toks[start:p.pos] {
			if t.kind == scanner.Ident && (t.text == "packed" || t.text == "__packed__") {
				packed = true
			}
		}
	}
	return packed, nil
}

func (p *parser) externalDecl() error {
	if p.accept(";") {
		return nil
	}
	if t := p.peek(); t.kind == scanner.Ident && (t.text == "_Static_assert" || t.text == "static_assert") {
		p.next()
		if err := p.skipBalanced(); err != nil {
			return err
		}
		return p.expect(";")
	}

	first := p.peek()
	spec, err := p.specifiers()
	if err != nil {
		return err
	}
	if p.accept(";") {
		return nil // tag declaration, already registered by specifiers
	}

	for {
		name, t, err := p.declarator(spec.typ)
		if err != nil {
			return err
		}
		if name == "" {
			return p.errorf("expected declarator name, found %s", p.peek())
		}
		if _, err := p.skipAttributes(); err != nil {
			return err
		}

		d := &Decl{Name: name, Pos: first.pos, System: first.system, seq: first.seq, Type: t}
		switch {
		case spec.typedef:
			d.Kind = DeclTypedef
			p.h.typedefs[name] = d
			p.h.add(d)
		case t.Kind == KindFunc:
			d.Kind = DeclFunc
			if !spec.static {
				p.h.add(d)
			}
			if p.is("{") {
				// inline definition, no trailing `;`
				return p.skipBalanced()
			}
		default:
			d.Kind = DeclVar
			if p.accept("=") {
				p.skipInitializer()
			}
			if !spec.static {
				p.h.add(d)
			}
		}

		if p.accept(",") {
			continue
		}
		return p.expect(";")
	}
}

func (p *parser) skipInitializer() {
	depth := 0
	for !p.eof() {
		t := p.peek()
		if depth == 0 && (isPunct(t, ",") || isPunct(t, ";")) {
			return
		}
		switch {
		case isPunct(t, "{"), isPunct(t, "("), isPunct(t, "["):
			depth++
		case isPunct(t, "}"), isPunct(t, ")"), isPunct(t, "]"):
			depth--
		}
		p.next()
	}
}

type specs struct {
	typ     *Type
	typedef bool
	static  bool
}

var qualifierWords = map[string]bool{
	"const": true, "volatile": true, "restrict": true, "__restrict": true, "__restrict__": true,
	"__const": true, "__volatile__": true, "_Atomic": true, "__extension__": true,
	"extern": true, "register": true, "auto": true, "_Thread_local": true, "__thread": true,
	"inline": true, "__inline": true, "__inline__": true, "_Noreturn": true,
	"_Nonnull": true, "_Nullable": true, "__nonnull": true,
}

func (p *parser) specifiers() (specs, error) {
	var (
		s                specs
		signed, unsigned bool
		short, long      int
		base             string
		named            *Type
		sawTypeSpecifier bool
	)

loop:
	for {
		if _, err := p.skipAttributes(); err != nil {
			return s, err
		}
		t := p.peek()
		if t.kind != scanner.Ident {
			break
		}

		switch t.text {
		case "typedef":
			s.typedef = true
		case "static":
			s.static = true
		case "signed", "__signed", "__signed__":
			signed = true
			sawTypeSpecifier = true
		case "unsigned":
			unsigned = true
			sawTypeSpecifier = true
		case "short":
			short++
			sawTypeSpecifier = true
		case "long":
			long++
			sawTypeSpecifier = true
		case "void", "char", "int", "float", "double", "_Bool", "bool", "__int128":
			if base != "" {
				return s, p.errorf("two base types in declaration (%s and %s)", base, t.text)
			}
			base = t.text
			sawTypeSpecifier = true
		case "_Complex", "__complex__", "typeof", "__typeof__", "__typeof":
			return s, p.errorf("%s is not supported", t.text)
		case "__builtin_va_list":
			named = &Type{Kind: KindPointer, Elem: &Type{Kind: KindVoid}}
			sawTypeSpecifier = true
		case "struct", "union":
			p.next()
			rt, err := p.record(t.text == "union", t)
			if err != nil {
				return s, err
			}
			named = rt
			sawTypeSpecifier = true
			continue
		case "enum":
			p.next()
			et, err := p.enum(t)
			if err != nil {
				return s, err
			}
			named = et
			sawTypeSpecifier = true
			continue
		default:
			if qualifierWords[t.text] {
				break
			}
			if sawTypeSpecifier {
				break loop
			}
			if !p.h.isTypeName(t.text) {
				next := p.peekN(1)
				if next.kind == scanner.Ident || isPunct(next, "*") {
					return s, p.errorf("unknown type name %q", t.text)
				}
				break loop
			}
			named = &Type{Kind: KindNamed, Name: t.text}
			sawTypeSpecifier = true
		}
		p.next()
	}

	if named != nil {
		if base != "" || signed || unsigned || short > 0 || long > 0 {
			return s, p.errorf("invalid combination of type specifiers")
		}
		s.typ = named
		return s, nil
	}
	if !sawTypeSpecifier {
		return s, p.errorf("expected type specifier, found %s", p.peek())
	}

	typ, err := p.primitive(base, signed, unsigned, short, long)
	if err != nil {
		return s, err
	}
	s.typ = typ
	return s, nil
}

func (p *parser) primitive(base string, signed, unsigned bool, short, long int) (*Type, error) {
	switch base {
	case "void":
		return &Type{Kind: KindVoid}, nil
	case "_Bool", "bool":
		return &Type{Kind: KindBool, Size: 1}, nil
	case "float":
		return &Type{Kind: KindFloat, Size: 4}, nil
	case "double":
		if long > 0 {
			return &Type{Kind: KindFloat, Size: 16}, nil
		}
		return &Type{Kind: KindFloat, Size: 8}, nil
	case "__int128":
		return &Type{Kind: KindInt, Size: 16, Signed: !unsigned}, nil
	case "char":
		return &Type{Kind: KindInt, Size: 1, Signed: !unsigned, Char: !signed && !unsigned}, nil
	}

	size := 4
	switch {
	case short > 0:
		size = 2
	case long == 1:
		size = p.h.longSize
	case long >= 2:
		size = 8
	}
	return &Type{Kind: KindInt, Size: size, Signed: !unsigned}, nil
}

func (p *parser) record(union bool, kw token) (*Type, error) {
	if _, err := p.skipAttributes(); err != nil {
		return nil, err
	}

	var tag string
	if p.peek().kind == scanner.Ident {
		tag = p.next().text
	}
	kind := KindStruct
	if union {
		kind = KindUnion
	}

	if !p.is("{") {
		if tag == "" {
			return nil, p.errorf("expected record tag or body, found %s", p.peek())
		}
		return &Type{Kind: kind, Name: tag, Record: p.recordByTag(tag, union, kw)}, nil
	}
	p.next()

	rec := &Record{Union: union, System: kw.system, Pos: kw.pos}
	if tag != "" {
		rec = p.recordByTag(tag, union, kw)
		if rec.Complete {
			return nil, p.errorf("redefinition of %s", rec.key())
		}
	}

	for !p.accept("}") {
		if p.eof() {
			return nil, p.errorf("unterminated %s", rec.key())
		}
		if p.accept(";") {
			continue
		}
		spec, err := p.specifiers()
		if err != nil {
			return nil, err
		}
		if p.accept(";") {
			// anonymous struct/union member
			rec.Fields = append(rec.Fields, Field{Type: spec.typ, Bits: -1})
			continue
		}
		for {
			name, t, err := p.declarator(spec.typ)
			if err != nil {
				return nil, err
			}
			f := Field{Name: name, Type: t, Bits: -1}
			if p.accept(":") {
				v, err := p.constExpr(",", ";")
				if err != nil {
					return nil, err
				}
				f.Bits = int(v)
			}
			if _, err := p.skipAttributes(); err != nil {
				return nil, err
			}
			rec.Fields = append(rec.Fields, f)
			if !p.accept(",") {
				break
			}
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
	}

	packed, err := p.skipAttributes()
	if err != nil {
		return nil, err
	}
	rec.Packed = rec.Packed || packed
	rec.Complete = true
	return &Type{Kind: kind, Name: tag, Record: rec}, nil
}

// recordByTag returns the record for a tag, registering it (and a
// declaration for it) on first mention
func (p *parser) recordByTag(tag string, union bool, at token) *Record {
	key := "struct " + tag
	if union {
		key = "union " + tag
	}
	if rec, ok := p.h.records[key]; ok {
		return rec
	}
	rec := &Record{Tag: tag, Union: union, System: at.system, Pos: at.pos}
	p.h.records[key] = rec
	p.h.add(&Decl{Kind: DeclRecord, Name: tag, Pos: at.pos, System: at.system, seq: at.seq, Record: rec})
	return rec
}

func (p *parser) enum(kw token) (*Type, error) {
	if _, err := p.skipAttributes(); err != nil {
		return nil, err
	}
	var tag string
	if p.peek().kind == scanner.Ident {
		tag = p.next().text
	}

	if !p.is("{") {
		if tag == "" {
			return nil, p.errorf("expected enum tag or body, found %s", p.peek())
		}
		return &Type{Kind: KindEnum, Name: tag, Enum: p.enumByTag(tag, kw)}, nil
	}
	p.next()

	e := &Enum{System: kw.system}
	if tag != "" {
		e = p.enumByTag(tag, kw)
		if e.Complete {
			return nil, p.errorf("redefinition of enum %s", tag)
		}
	} else {
		p.h.add(&Decl{Kind: DeclEnum, Pos: kw.pos, System: kw.system, seq: kw.seq, Enum: e})
	}

	next := constant.MakeInt64(0)
	for !p.accept("}") {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if _, err := p.skipAttributes(); err != nil {
			return nil, err
		}
		if p.accept("=") {
			v, err := p.constValue(",", "}")
			if err != nil {
				return nil, err
			}
			next = v
		}
		e.Items = append(e.Items, Enumerator{Name: name, Value: next})
		p.h.consts[name] = next
		next = constant.BinaryOp(next, gotoken.ADD, constant.MakeInt64(1))

		if !p.accept(",") {
			if err := p.expect("}"); err != nil {
				return nil, err
			}
			break
		}
	}

	e.Complete = true
	return &Type{Kind: KindEnum, Name: tag, Enum: e}, nil
}

func (p *parser) enumByTag(tag string, at token) *Enum {
	if e, ok := p.h.enums[tag]; ok {
		return e
	}
	e := &Enum{Tag: tag, System: at.system}
	p.h.enums[tag] = e
	p.h.add(&Decl{Kind: DeclEnum, Name: tag, Pos: at.pos, System: at.system, seq: at.seq, Enum: e})
	return e
}

// nestedDeclaratorAhead decides whether a `(` opens a parenthesized
// declarator such as (*fn) rather than a parameter list
func (p *parser) nestedDeclaratorAhead() bool {
	if !p.is("(") {
		return false
	}
	t := p.peekN(1)
	if isPunct(t, "*") || isPunct(t, "^") || isPunct(t, "(") {
		return true
	}
	if t.kind == scanner.Ident && attributeWords[t.text] {
		return true
	}
	return t.kind == scanner.Ident && !p.h.isTypeName(t.text) && !isKeyword(t.text)
}

func isKeyword(s string) bool {
	switch s {
	case "void", "char", "short", "int", "long", "float", "double", "signed", "unsigned",
		"_Bool", "bool", "struct", "union", "enum", "__int128", "__builtin_va_list",
		"__signed", "__signed__":
		return true
	}
	return qualifierWords[s]
}

type suffix struct {
	array  bool
	length int64
	fn     *FuncType
}

// declarator parses pointers, an optional name (possibly parenthesized) and
// array/function suffixes, producing the declared type
func (p *parser) declarator(base *Type) (string, *Type, error) {
	t := base
	for {
		if _, err := p.skipAttributes(); err != nil {
			return "", nil, err
		}
		if !p.accept("*") {
			break
		}
		t = &Type{Kind: KindPointer, Elem: t}
		for p.peek().kind == scanner.Ident && qualifierWords[p.peek().text] {
			p.next()
		}
	}

	var (
		name  string
		inner *Type // type built around placeholder
		hole  *Type
	)
	switch {
	case p.nestedDeclaratorAhead():
		p.next()
		hole = &Type{}
		n, it, err := p.declarator(hole)
		if err != nil {
			return "", nil, err
		}
		if err := p.expect(")"); err != nil {
			return "", nil, err
		}
		name, inner = n, it
	case p.peek().kind == scanner.Ident && !qualifierWords[p.peek().text] && !attributeWords[p.peek().text]:
		name = p.next().text
	}

	var suffixes []suffix
	for {
		if p.accept("[") {
			for p.peek().kind == scanner.Ident && (qualifierWords[p.peek().text] || p.peek().text == "static") {
				p.next()
			}
			n := int64(-1)
			if !p.is("]") {
				v, err := p.constExpr("]")
				if err != nil {
					return "", nil, err
				}
				n = v
			}
			if err := p.expect("]"); err != nil {
				return "", nil, err
			}
			suffixes = append(suffixes, suffix{array: true, length: n})
			continue
		}
		if p.accept("(") {
			ft, err := p.params()
			if err != nil {
				return "", nil, err
			}
			suffixes = append(suffixes, suffix{fn: ft})
			continue
		}
		break
	}

	for i := len(suffixes) - 1; i >= 0; i-- {
		s := suffixes[i]
		if s.array {
			t = &Type{Kind: KindArray, Len: s.length, Elem: t}
		} else {
			s.fn.Result = t
			t = &Type{Kind: KindFunc, Func: s.fn}
		}
	}

	if inner != nil {
		*hole = *t
		t = inner
	}
	return name, t, nil
}

// params parses a parameter list; the opening paren is already consumed
func (p *parser) params() (*FuncType, error) {
	ft := &FuncType{}
	if p.accept(")") {
		return ft, nil
	}
	if p.is("void") && isPunct(p.peekN(1), ")") {
		p.pos += 2
		return ft, nil
	}

	for {
		if p.is(".") {
			for range 3 {
				if err := p.expect("."); err != nil {
					return nil, err
				}
			}
			ft.Variadic = true
			break
		}

		spec, err := p.specifiers()
		if err != nil {
			return nil, err
		}
		name, t, err := p.declarator(spec.typ)
		if err != nil {
			return nil, err
		}

		// arrays and functions decay to pointers in parameter position
		switch p.h.resolve(t).Kind {
		case KindArray:
			t = &Type{Kind: KindPointer, Elem: p.h.resolve(t).Elem}
		case KindFunc:
			t = &Type{Kind: KindPointer, Elem: t}
		}
		ft.Params = append(ft.Params, Param{Name: name, Type: t})

		if !p.accept(",") {
			break
		}
	}
	return ft, p.expect(")")
}

// constExpr collects tokens up to one of stops (at nesting depth 0) and
// evaluates them as an integer constant expression
func (p *parser) constExpr(stops ...string) (int64, error) {
	v, err := p.constValue(stops...)
	if err != nil {
		return 0, err
	}
	n, ok := constant.Int64Val(constant.ToInt(v))
	if !ok {
		return 0, p.errorf("constant %s is not a 64-bit integer", v)
	}
	return n, nil
}

func (p *parser) constValue(stops ...string) (constant.Value, error) {
	start := p.pos
	depth := 0
scan:
	for !p.eof() {
		t := p.peek()
		if depth == 0 {
			for _, s := range stops {
				if isPunct(t, s) {
					break scan
				}
			}
		}
		switch {
		case isPunct(t, "("), isPunct(t, "["):
			depth++
		case isPunct(t, ")"), isPunct(t, "]"):
			depth--
		}
		p.next()
	}

	v, err := p.h.eval(p.toks[start:p.pos])
	if err != nil {
		var pos Pos
		if start < len(p.toks) {
			pos = p.toks[start].pos
		}
		return nil, &syntaxError{pos: pos, msg: err.Error()}
	}
	return v, nil
}
