// Package classfile decodes JVM class files: the constant pool, class header,
// fields, methods and their Code attributes.
package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const magic = 0xCAFEBABE

// Access flags shared by classes, fields and methods.
const (
	AccPublic     uint16 = 0x0001
	AccPrivate    uint16 = 0x0002
	AccProtected  uint16 = 0x0004
	AccStatic     uint16 = 0x0008
	AccFinal      uint16 = 0x0010
	AccSuper      uint16 = 0x0020
	AccBridge     uint16 = 0x0040
	AccVarargs    uint16 = 0x0080
	AccNative     uint16 = 0x0100
	AccInterface  uint16 = 0x0200
	AccAbstract   uint16 = 0x0400
	AccSynthetic  uint16 = 0x1000
	AccAnnotation uint16 = 0x2000
	AccEnum       uint16 = 0x4000
)

// ErrNotClassFile is returned when the input does not start with 0xCAFEBABE.
var ErrNotClassFile = errors.New("not a class file")

// ClassFile is a decoded class. Names are kept in internal form (slashes).
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	Pool         ConstantPool
	Access       uint16
	Name         string
	SuperName    string
	Interfaces   []string
	Fields       []*Field
	Methods      []*Method
	SourceFile   string
	Signature    string
	Deprecated   bool
}

// ClassName returns the dotted name of the class.
func (c *ClassFile) ClassName() string { return ClassName(c.Name) }

// IsInterface reports whether the class is an interface.
func (c *ClassFile) IsInterface() bool { return c.Access&AccInterface != 0 }

// Method looks up a method by name and descriptor. An empty descriptor
// matches the first method with that name.
func (c *ClassFile) Method(name, descriptor string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && (descriptor == "" || m.Descriptor == descriptor) {
			return m
		}
	}
	return nil
}

// Field looks up a field by name.
func (c *ClassFile) Field(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Field is a declared field.
type Field struct {
	Access     uint16
	Name       string
	Descriptor string
	Signature  string
}

// IsStatic reports whether the field is static.
func (f *Field) IsStatic() bool { return f.Access&AccStatic != 0 }

// Method is a declared method. Code is nil for abstract and native methods,
// and for every method when the class was read with ParseInfo.
type Method struct {
	Access     uint16
	Name       string
	Descriptor string
	Signature  string
	Exceptions []string
	Code       *Code

	pool ConstantPool
}

// IsStatic reports whether the method is static.
func (m *Method) IsStatic() bool { return m.Access&AccStatic != 0 }

// IsAbstract reports whether the method has no body.
func (m *Method) IsAbstract() bool { return m.Access&(AccAbstract|AccNative) != 0 }

// IsConstructor reports whether the method is an instance initializer.
func (m *Method) IsConstructor() bool { return m.Name == "<init>" }

// Pool returns the constant pool of the declaring class.
func (m *Method) Pool() ConstantPool { return m.pool }

// Code is the body of a method.
type Code struct {
	MaxStack  uint16
	MaxLocals uint16
	Bytecode  []byte
	Handlers  []ExceptionHandler
	Lines     []LineNumber
}

// Line returns the source line covering offset, or 0 when unknown.
func (c *Code) Line(offset int) int {
	line, best := 0, -1
	for _, l := range c.Lines {
		if int(l.StartPC) <= offset && int(l.StartPC) > best {
			best = int(l.StartPC)
			line = int(l.Line)
		}
	}
	return line
}

// ExceptionHandler is one exception_table entry. CatchType is empty for
// finally blocks (catch any).
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType string
}

// LineNumber maps a bytecode offset to a source line.
type LineNumber struct {
	StartPC uint16
	Line    uint16
}

// Parse decodes a full class file including method bodies.
func Parse(data []byte) (*ClassFile, error) {
	return parse(data, true)
}

// ParseInfo decodes the class header and member signatures but skips Code
// attributes. It is the cheap path used when only structural info is needed.
func ParseInfo(data []byte) (*ClassFile, error) {
	return parse(data, false)
}

func parse(data []byte, withCode bool) (*ClassFile, error) {
	r := &reader{buf: data}
	if r.u4() != magic || r.err != nil {
		return nil, ErrNotClassFile
	}
	cf := &ClassFile{}
	cf.MinorVersion = r.u2()
	cf.MajorVersion = r.u2()
	pool, err := r.constantPool()
	if err != nil {
		return nil, fmt.Errorf("parse constant pool: %w", err)
	}
	cf.Pool = pool

	cf.Access = r.u2()
	thisIdx, superIdx := r.u2(), r.u2()
	if r.err != nil {
		return nil, r.err
	}
	if cf.Name, err = pool.Class(thisIdx); err != nil {
		return nil, fmt.Errorf("this_class: %w", err)
	}
	if superIdx != 0 {
		if cf.SuperName, err = pool.Class(superIdx); err != nil {
			return nil, fmt.Errorf("super_class: %w", err)
		}
	}
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		name, err := pool.Class(r.u2())
		if err != nil {
			return nil, fmt.Errorf("interface %d: %w", i, err)
		}
		cf.Interfaces = append(cf.Interfaces, name)
	}

	n = int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		f, err := r.field(pool)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		cf.Fields = append(cf.Fields, f)
	}

	n = int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		m, err := r.method(pool, withCode)
		if err != nil {
			return nil, fmt.Errorf("method %d: %w", i, err)
		}
		cf.Methods = append(cf.Methods, m)
	}

	err = r.attributes(pool, func(name string, body []byte) error {
		ar := &reader{buf: body}
		switch name {
		case "SourceFile":
			cf.SourceFile, err = pool.Utf8(ar.u2())
			return err
		case "Signature":
			cf.Signature, err = pool.Utf8(ar.u2())
			return err
		case "Deprecated":
			cf.Deprecated = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, fmt.Errorf("parse %s: %w", cf.Name, r.err)
	}
	return cf, nil
}

func (r *reader) field(pool ConstantPool) (*Field, error) {
	f := &Field{Access: r.u2()}
	var err error
	if f.Name, err = pool.Utf8(r.u2()); err != nil {
		return nil, err
	}
	if f.Descriptor, err = pool.Utf8(r.u2()); err != nil {
		return nil, err
	}
	err = r.attributes(pool, func(name string, body []byte) error {
		if name == "Signature" {
			ar := &reader{buf: body}
			f.Signature, err = pool.Utf8(ar.u2())
			return err
		}
		return nil
	})
	return f, err
}

func (r *reader) method(pool ConstantPool, withCode bool) (*Method, error) {
	m := &Method{Access: r.u2(), pool: pool}
	var err error
	if m.Name, err = pool.Utf8(r.u2()); err != nil {
		return nil, err
	}
	if m.Descriptor, err = pool.Utf8(r.u2()); err != nil {
		return nil, err
	}
	err = r.attributes(pool, func(name string, body []byte) error {
		ar := &reader{buf: body}
		switch name {
		case "Signature":
			m.Signature, err = pool.Utf8(ar.u2())
			return err
		case "Exceptions":
			n := int(ar.u2())
			for i := 0; i < n; i++ {
				ex, err := pool.Class(ar.u2())
				if err != nil {
					return err
				}
				m.Exceptions = append(m.Exceptions, ex)
			}
		case "Code":
			if !withCode {
				return nil
			}
			m.Code, err = ar.code(pool)
			if err != nil {
				return fmt.Errorf("code of %s%s: %w", m.Name, m.Descriptor, err)
			}
		}
		return ar.err
	})
	return m, err
}

func (r *reader) code(pool ConstantPool) (*Code, error) {
	c := &Code{MaxStack: r.u2(), MaxLocals: r.u2()}
	n := int(r.u4())
	c.Bytecode = r.bytes(n)
	hn := int(r.u2())
	for i := 0; i < hn && r.err == nil; i++ {
		h := ExceptionHandler{StartPC: r.u2(), EndPC: r.u2(), HandlerPC: r.u2()}
		if idx := r.u2(); idx != 0 {
			t, err := pool.Class(idx)
			if err != nil {
				return nil, fmt.Errorf("handler %d catch type: %w", i, err)
			}
			h.CatchType = t
		}
		c.Handlers = append(c.Handlers, h)
	}
	err := r.attributes(pool, func(name string, body []byte) error {
		if name != "LineNumberTable" {
			return nil
		}
		ar := &reader{buf: body}
		ln := int(ar.u2())
		for i := 0; i < ln && ar.err == nil; i++ {
			c.Lines = append(c.Lines, LineNumber{StartPC: ar.u2(), Line: ar.u2()})
		}
		return ar.err
	})
	if err != nil {
		return nil, err
	}
	return c, r.err
}

func (r *reader) attributes(pool ConstantPool, fn func(name string, body []byte) error) error {
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		nameIdx := r.u2()
		body := r.bytes(int(r.u4()))
		if r.err != nil {
			break
		}
		name, err := pool.Utf8(nameIdx)
		if err != nil {
			return fmt.Errorf("attribute name: %w", err)
		}
		if err := fn(name, body); err != nil {
			return err
		}
	}
	return r.err
}

// reader is a sticky-error big-endian cursor.
type reader struct {
	buf []byte
	pos int
	err error
}

var errTruncated = errors.New("truncated class file")

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = errTruncated
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u1() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u2() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u4() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u8() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// ClassName converts an internal name (java/lang/String) to dotted form.
func ClassName(internal string) string {
	return strings.ReplaceAll(internal, "/", ".")
}

// InternalName converts a dotted class name to internal form.
func InternalName(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// EntryName maps a class name to its archive entry path.
func EntryName(name string) string {
	return InternalName(name) + ".class"
}
