package bindgen

import (
	"bytes"
	"fmt"
	"go/constant"
	"go/format"
	gotoken "go/token"
	"math"
	"strings"
)

// builtinTypedefs maps the freestanding <stdint.h>/<stddef.h> names onto Go
// builtins, so bindings never depend on how a system header spelled them
var builtinTypedefs = map[string]string{
	"int8_t":    "int8",
	"int16_t":   "int16",
	"int32_t":   "int32",
	"int64_t":   "int64",
	"uint8_t":   "uint8",
	"uint16_t":  "uint16",
	"uint32_t":  "uint32",
	"uint64_t":  "uint64",
	"size_t":    "uintptr",
	"uintptr_t": "uintptr",
	"ssize_t":   "int",
	"ptrdiff_t": "int",
	"intptr_t":  "int",
	"intmax_t":  "int64",
	"uintmax_t": "uint64",
	"wchar_t":   "int32",
	"char16_t":  "uint16",
	"char32_t":  "uint32",
	"bool":      "bool",
}

type emitter struct {
	h    *Header
	opts Options
	body bytes.Buffer

	used  map[string]bool   // package-level Go identifiers
	names map[string]string // "struct foo", "typedef bar", ... -> Go identifier

	anonRecords map[*Record]string
	anonEnums   map[*Enum]string

	queued     map[*Record]bool
	queue      []*Record // system records referenced by project declarations
	usesUnsafe bool
}

func newEmitter(h *Header, opts Options) *emitter {
	return &emitter{
		h:           h,
		opts:        opts,
		used:        make(map[string]bool),
		names:       make(map[string]string),
		anonRecords: make(map[*Record]string),
		anonEnums:   make(map[*Enum]string),
		queued:      make(map[*Record]bool),
	}
}

// ident makes s a usable, unused package-level Go identifier
func (e *emitter) ident(s string) string {
	s = escapeIdent(s)
	for e.used[s] {
		s += "_"
	}
	e.used[s] = true
	return s
}

func escapeIdent(s string) string {
	if gotoken.IsKeyword(s) || s == "unsafe" || s == "_" {
		return s + "_"
	}
	return s
}

func recordKey(union bool, tag string) string {
	if union {
		return "union " + tag
	}
	return "struct " + tag
}

// declare allocates Go names for every project declaration up front, so
// types can be referenced before the declaration that defines them
func (e *emitter) declare() {
	for _, d := range e.h.Decls {
		if d.Kind != DeclTypedef || d.System {
			continue
		}
		switch t := d.Type; {
		case (t.Kind == KindStruct || t.Kind == KindUnion) && t.Record.Tag == "":
			if _, ok := e.anonRecords[t.Record]; !ok {
				e.anonRecords[t.Record] = d.Name
			}
		case t.Kind == KindEnum && t.Enum.Tag == "":
			if _, ok := e.anonEnums[t.Enum]; !ok {
				e.anonEnums[t.Enum] = d.Name
			}
		}
	}

	for _, d := range e.h.Decls {
		if d.System {
			continue
		}
		switch d.Kind {
		case DeclConst:
			e.names["const "+d.Name] = e.ident(d.Name)
		case DeclRecord:
			e.names[d.Record.key()] = e.ident(d.Name)
		case DeclEnum:
			if d.Enum.Tag != "" {
				e.names["enum "+d.Name] = e.ident(d.Name)
			} else if td, ok := e.anonEnums[d.Enum]; ok {
				e.names["typedef "+td] = e.ident(td)
			}
			for _, it := range d.Enum.Items {
				e.names["enumerator "+it.Name] = e.ident(e.enumeratorName(d.Enum, it))
			}
		case DeclTypedef:
			if _, ok := e.names["typedef "+d.Name]; ok {
				continue
			}
			if name, ok := e.sameNameTag(d); ok {
				e.names["typedef "+d.Name] = name
				continue
			}
			if e.h.resolve(d.Type).Kind == KindFunc {
				continue
			}
			e.names["typedef "+d.Name] = e.ident(d.Name)
		case DeclFunc:
			e.names["func "+d.Name] = e.ident(d.Name)
		case DeclVar:
			e.names["var "+d.Name] = e.ident(d.Name)
		}
	}
}

// sameNameTag reports whether d is `typedef struct foo foo;`, which needs no
// Go declaration of its own, and returns the tag's Go name
func (e *emitter) sameNameTag(d *Decl) (string, bool) {
	t := d.Type
	var key string
	switch t.Kind {
	case KindStruct, KindUnion:
		key = recordKey(t.Kind == KindUnion, t.Name)
	case KindEnum:
		key = "enum " + t.Name
	default:
		return "", false
	}
	if t.Name != d.Name {
		return "", false
	}
	name, ok := e.names[key]
	return name, ok
}

func (e *emitter) enumeratorName(en *Enum, it Enumerator) string {
	if !e.opts.PrependEnumName {
		return it.Name
	}
	prefix := en.Tag
	if prefix == "" {
		prefix = e.anonEnums[en]
	}
	if prefix == "" {
		return it.Name
	}
	return prefix + "_" + it.Name
}

func (e *emitter) printf(format string, a ...any) {
	fmt.Fprintf(&e.body, format, a...)
}

func (e *emitter) emit() ([]byte, error) {
	e.declare()

	for _, d := range e.h.Decls {
		if d.System {
			continue
		}
		if err := e.decl(d); err != nil {
			return nil, fmt.Errorf("%s: %s %s: %w", d.Pos, d.Kind, d.Name, err)
		}
	}

	// system records pulled in by project declarations; emitting one can queue more
	for i := 0; i < len(e.queue); i++ {
		rec := e.queue[i]
		if err := e.record(e.names[rec.key()], rec); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", rec.Pos, rec.key(), err)
		}
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "// Code generated by ftbind from %s. DO NOT EDIT.\n\n", e.opts.headerName())
	if len(e.opts.BuildTags) > 0 {
		fmt.Fprintf(&out, "//go:build %s\n\n", strings.Join(e.opts.BuildTags, " && "))
	}
	fmt.Fprintf(&out, "package %s\n\n", e.opts.pkg())
	if e.usesUnsafe {
		out.WriteString("import \"unsafe\"\n\n")
	}
	out.Write(e.body.Bytes())

	src, err := format.Source(out.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format generated code: %w", err)
	}
	return src, nil
}

func (e *emitter) decl(d *Decl) error {
	switch d.Kind {
	case DeclConst:
		e.printf("const %s = %s\n\n", e.names["const "+d.Name], goLiteral(d.Value))

	case DeclRecord:
		return e.record(e.names[d.Record.key()], d.Record)

	case DeclEnum:
		return e.enum(d.Enum)

	case DeclTypedef:
		return e.typedef(d)

	case DeclFunc:
		return e.function(d)

	case DeclVar:
		typ, err := e.goType(d.Type)
		if err != nil {
			return err
		}
		e.printf("//go:extern %s\nvar %s %s\n\n", d.Name, e.names["var "+d.Name], typ)
	}
	return nil
}

func (e *emitter) record(name string, rec *Record) error {
	if !rec.Complete {
		e.printf("type %s struct{ _ [0]byte }\n\n", name)
		return nil
	}
	body, err := e.recordBody(rec)
	if err != nil {
		return err
	}
	e.printf("type %s %s\n\n", name, body)
	return nil
}

func (e *emitter) recordBody(rec *Record) (string, error) {
	if rec.Packed {
		return "", fmt.Errorf("packed %s has no Go layout", rec.key())
	}

	if rec.Union {
		size, align, err := e.layout(&Type{Kind: KindUnion, Record: rec})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("struct {\n_ [0]uint%d\ndata [%d]byte\n}", min(align, 8)*8, size), nil
	}

	var b strings.Builder
	b.WriteString("struct {\n")
	seen := make(map[string]bool)
	anon := 0
	for _, f := range rec.Fields {
		if f.Bits >= 0 {
			return "", fmt.Errorf("bit-field %s has no Go layout", f.Name)
		}
		typ, err := e.goType(f.Type)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", f.Name, err)
		}
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("anon%d", anon)
			anon++
		}
		name = escapeIdent(name)
		for seen[name] {
			name += "_"
		}
		seen[name] = true
		fmt.Fprintf(&b, "%s %s\n", name, typ)
	}
	b.WriteString("}")
	return b.String(), nil
}

func (e *emitter) enum(en *Enum) error {
	underlying := enumType(en)

	typeName := ""
	switch {
	case en.Tag != "":
		typeName = e.names["enum "+en.Tag]
	case e.anonEnums[en] != "":
		typeName = e.names["typedef "+e.anonEnums[en]]
	}
	if typeName != "" {
		e.printf("type %s = %s\n\n", typeName, underlying)
	} else {
		typeName = underlying
	}

	if len(en.Items) == 0 {
		return nil
	}
	e.printf("const (\n")
	for _, it := range en.Items {
		e.printf("%s %s = %s\n", e.names["enumerator "+it.Name], typeName, it.Value.ExactString())
	}
	e.printf(")\n\n")
	return nil
}

// enumType picks the integer type clang uses for an enum's values
func enumType(en *Enum) string {
	neg := false
	fits32 := true
	for _, it := range en.Items {
		v := it.Value
		if constant.Sign(v) < 0 {
			neg = true
		}
		if n, ok := constant.Int64Val(v); !ok || n < math.MinInt32 || n > math.MaxUint32 {
			fits32 = false
		}
	}
	for _, it := range en.Items {
		if n, ok := constant.Int64Val(it.Value); neg && ok && n > math.MaxInt32 {
			fits32 = false
		}
	}
	switch {
	case fits32 && neg:
		return "int32"
	case fits32:
		return "uint32"
	case neg:
		return "int64"
	}
	return "uint64"
}

func (e *emitter) typedef(d *Decl) error {
	name, ok := e.names["typedef "+d.Name]
	if !ok {
		return nil // function type, only usable through a pointer
	}

	t := d.Type
	switch {
	case t.Kind == KindEnum && t.Enum.Tag == "" && e.anonEnums[t.Enum] == d.Name:
		return nil // emitted with its enum
	case (t.Kind == KindStruct || t.Kind == KindUnion) && t.Record.Tag == "" && e.anonRecords[t.Record] == d.Name:
		return e.record(name, t.Record)
	}
	if _, same := e.sameNameTag(d); same {
		return nil
	}

	typ, err := e.goType(t)
	if err != nil {
		return err
	}
	e.printf("type %s = %s\n\n", name, typ)
	return nil
}

func (e *emitter) function(d *Decl) error {
	ft := d.Type.Func
	if ft.Variadic {
		e.printf("// %s is variadic and cannot be declared in Go.\n\n", d.Name)
		return nil
	}

	params := make([]string, 0, len(ft.Params))
	seen := make(map[string]bool)
	for i, p := range ft.Params {
		typ, err := e.goType(p.Type)
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		name := escapeIdent(p.Name)
		if name == "" || seen[name] {
			name = fmt.Sprintf("arg%d", i)
		}
		seen[name] = true
		params = append(params, name+" "+typ)
	}

	result := ""
	if r := e.h.resolve(ft.Result); r.Kind != KindVoid {
		typ, err := e.goType(ft.Result)
		if err != nil {
			return fmt.Errorf("result: %w", err)
		}
		result = " " + typ
	}

	e.printf("//export %s\nfunc %s(%s)%s\n\n", d.Name, e.names["func "+d.Name], strings.Join(params, ", "), result)
	return nil
}

func (e *emitter) goType(t *Type) (string, error) {
	switch t.Kind {
	case KindVoid:
		return "", fmt.Errorf("void used as a value type")
	case KindBool:
		return "bool", nil
	case KindInt:
		if t.Size == 1 && t.Char {
			if e.opts.CharSigned {
				return "int8", nil
			}
			return "uint8", nil
		}
		return intType(t.Size, t.Signed), nil
	case KindFloat:
		switch t.Size {
		case 4:
			return "float32", nil
		case 8:
			return "float64", nil
		}
		return fmt.Sprintf("[%d]byte", t.Size), nil

	case KindNamed:
		if d, ok := e.h.typedefs[t.Name]; ok && !d.System {
			if name, ok := e.names["typedef "+t.Name]; ok {
				return name, nil
			}
			return e.goType(d.Type)
		}
		if b, ok := builtinTypedefs[t.Name]; ok {
			return b, nil
		}
		if d, ok := e.h.typedefs[t.Name]; ok {
			return e.goType(d.Type) // system typedefs are transparent
		}
		return "", fmt.Errorf("unknown type %s", t.Name)

	case KindStruct, KindUnion:
		rec := t.Record
		if name, ok := e.anonRecords[rec]; ok {
			return e.names["typedef "+name], nil
		}
		if rec.Tag == "" {
			return e.recordBody(rec)
		}
		if name, ok := e.names[rec.key()]; ok {
			return name, nil
		}
		return e.queueRecord(rec), nil

	case KindEnum:
		if t.Enum.Tag != "" && !t.Enum.System {
			return e.names["enum "+t.Enum.Tag], nil
		}
		if name, ok := e.anonEnums[t.Enum]; ok {
			return e.names["typedef "+name], nil
		}
		return enumType(t.Enum), nil

	case KindPointer:
		elem := e.h.resolve(t.Elem)
		switch elem.Kind {
		case KindFunc:
			return "uintptr", nil
		case KindVoid:
			e.usesUnsafe = true
			return "unsafe.Pointer", nil
		}
		s, err := e.goType(t.Elem)
		if err != nil {
			return "", err
		}
		return "*" + s, nil

	case KindArray:
		s, err := e.goType(t.Elem)
		if err != nil {
			return "", err
		}
		n := t.Len
		if n < 0 {
			n = 0
		}
		return fmt.Sprintf("[%d]%s", n, s), nil

	case KindFunc:
		return "", fmt.Errorf("function type used as a value type")
	}
	return "", fmt.Errorf("unsupported type kind %d", t.Kind)
}

func (e *emitter) queueRecord(rec *Record) string {
	if !e.queued[rec] {
		e.queued[rec] = true
		e.names[rec.key()] = e.ident(rec.Tag)
		e.queue = append(e.queue, rec)
	}
	return e.names[rec.key()]
}

func intType(size int, signed bool) string {
	prefix := "uint"
	if signed {
		prefix = "int"
	}
	switch size {
	case 1, 2, 4, 8:
		return fmt.Sprintf("%s%d", prefix, size*8)
	}
	return fmt.Sprintf("[%d]byte", size)
}

// layout computes the size and alignment of t on the target
func (e *emitter) layout(t *Type) (size, align int, err error) {
	switch t.Kind {
	case KindBool:
		return 1, 1, nil
	case KindInt, KindFloat:
		return t.Size, min(t.Size, 16), nil
	case KindPointer:
		return e.opts.pointerSize(), e.opts.pointerSize(), nil
	case KindNamed:
		if b, ok := builtinTypedefs[t.Name]; ok {
			if _, declared := e.h.typedefs[t.Name]; !declared {
				return builtinLayout(b, e.opts.pointerSize())
			}
		}
		r := e.h.resolve(t)
		if r.Kind == KindNamed {
			return 0, 0, fmt.Errorf("unknown type %s", t.Name)
		}
		return e.layout(r)
	case KindEnum:
		switch enumType(t.Enum) {
		case "int64", "uint64":
			return 8, 8, nil
		}
		return 4, 4, nil
	case KindArray:
		s, a, err := e.layout(t.Elem)
		if err != nil {
			return 0, 0, err
		}
		return s * int(max(t.Len, 0)), a, nil
	case KindStruct, KindUnion:
		rec := t.Record
		if !rec.Complete {
			return 0, 0, fmt.Errorf("incomplete %s", rec.key())
		}
		align = 1
		for _, f := range rec.Fields {
			fs, fa, err := e.layout(f.Type)
			if err != nil {
				return 0, 0, err
			}
			align = max(align, fa)
			if rec.Union {
				size = max(size, fs)
			} else {
				size = roundUp(size, fa) + fs
			}
		}
		return roundUp(size, align), align, nil
	}
	return 0, 0, fmt.Errorf("type has no size")
}

func builtinLayout(goType string, ptr int) (int, int, error) {
	switch goType {
	case "int8", "uint8", "bool":
		return 1, 1, nil
	case "int16", "uint16":
		return 2, 2, nil
	case "int32", "uint32":
		return 4, 4, nil
	case "int64", "uint64":
		return 8, 8, nil
	}
	return ptr, ptr, nil // int, uintptr
}

func roundUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}
