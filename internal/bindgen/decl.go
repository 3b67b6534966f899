package bindgen

import (
	"go/constant"
)

type Kind int

const (
	KindVoid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindNamed // typedef name
	KindStruct
	KindUnion
	KindEnum
	KindPointer
	KindArray
	KindFunc
)

// Type is a C type as written in a declaration
type Type struct {
	Kind   Kind
	Name   string // typedef name, or the tag of a struct/union/enum
	Size   int    // bytes, for KindInt and KindFloat
	Signed bool
	Char   bool  // plain `char`, whose signedness depends on the target
	Len    int64 // KindArray; -1 for []
	Elem   *Type
	Func   *FuncType
	Record *Record
	Enum   *Enum
}

type FuncType struct {
	Params   []Param
	Result   *Type
	Variadic bool
}

type Param struct {
	Name string
	Type *Type
}

type Field struct {
	Name string // empty for an anonymous struct/union member
	Type *Type
	Bits int // bit-field width, -1 for ordinary members
}

type Record struct {
	Tag      string
	Union    bool
	Fields   []Field
	Complete bool
	Packed   bool
	System   bool
	Pos      Pos
}

func (r *Record) key() string {
	if r.Union {
		return "union " + r.Tag
	}
	return "struct " + r.Tag
}

type Enumerator struct {
	Name  string
	Value constant.Value
}

type Enum struct {
	Tag      string
	Items    []Enumerator
	Complete bool
	System   bool
}

type DeclKind int

const (
	DeclConst DeclKind = iota
	DeclRecord
	DeclEnum
	DeclTypedef
	DeclFunc
	DeclVar
)

func (k DeclKind) String() string {
	return [...]string{"const", "record", "enum", "typedef", "func", "var"}[k]
}

// Decl is one top-level declaration of the header, in source order
type Decl struct {
	Kind   DeclKind
	Name   string
	Pos    Pos
	System bool // declared in a system header; never emitted on its own
	seq    int

	Value  constant.Value // DeclConst
	Type   *Type          // DeclTypedef target, DeclVar type, DeclFunc type
	Record *Record        // DeclRecord
	Enum   *Enum          // DeclEnum
}

// Header is the parsed public surface of a preprocessed header
type Header struct {
	Decls []*Decl

	typedefs map[string]*Decl
	records  map[string]*Record
	enums    map[string]*Enum
	consts   map[string]constant.Value
	longSize int
}

func newHeader(pointerSize int) *Header {
	return &Header{
		typedefs: make(map[string]*Decl),
		records:  make(map[string]*Record),
		enums:    make(map[string]*Enum),
		consts:   make(map[string]constant.Value),
		longSize: pointerSize,
	}
}

func (h *Header) add(d *Decl) { h.Decls = append(h.Decls, d) }

// resolve follows typedef chains down to a non-typedef type
func (h *Header) resolve(t *Type) *Type {
	for i := 0; t != nil && t.Kind == KindNamed && i < 64; i++ {
		td, ok := h.typedefs[t.Name]
		if !ok {
			return t
		}
		t = td.Type
	}
	return t
}

func (h *Header) isTypeName(name string) bool {
	if _, ok := h.typedefs[name]; ok {
		return true
	}
	_, ok := builtinTypedefs[name]
	return ok
}
