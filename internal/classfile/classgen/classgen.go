// Package classgen assembles minimal class files. It backs tests and the
// cfg_debug tool's sample input; it is not a general purpose assembler.
package classgen

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
)

// Class accumulates a class file under construction.
type Class struct {
	Name       string
	Super      string
	Access     uint16
	Interfaces []string

	pool    [][]byte
	index   map[string]uint16
	fields  []member
	methods []member
}

type member struct {
	access     uint16
	name, desc string
	code       *Code
	exceptions []string
}

// New starts a public class. Names are internal (slash) form; an empty super
// means java/lang/Object.
func New(name, super string) *Class {
	if super == "" && name != "java/lang/Object" {
		super = "java/lang/Object"
	}
	return &Class{
		Name:   name,
		Super:  super,
		Access: classfile.AccPublic | classfile.AccSuper,
		pool:   [][]byte{nil},
		index:  map[string]uint16{},
	}
}

// Interface starts a public interface.
func Interface(name string) *Class {
	c := New(name, "")
	c.Access = classfile.AccPublic | classfile.AccInterface | classfile.AccAbstract
	return c
}

// Implements appends implemented interfaces.
func (c *Class) Implements(names ...string) *Class {
	c.Interfaces = append(c.Interfaces, names...)
	return c
}

func (c *Class) add(key string, entry []byte, wide bool) uint16 {
	if idx, ok := c.index[key]; ok {
		return idx
	}
	idx := uint16(len(c.pool))
	c.pool = append(c.pool, entry)
	if wide {
		c.pool = append(c.pool, nil)
	}
	c.index[key] = idx
	return idx
}

func u2(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

// Utf8 interns a Utf8 constant.
func (c *Class) Utf8(s string) uint16 {
	b := append([]byte{byte(classfile.TagUtf8)}, u2(uint16(len(s)))...)
	return c.add("U"+s, append(b, s...), false)
}

// ClassRef interns a Class constant.
func (c *Class) ClassRef(name string) uint16 {
	n := c.Utf8(name)
	return c.add("C"+name, append([]byte{byte(classfile.TagClass)}, u2(n)...), false)
}

// String interns a String constant.
func (c *Class) String(s string) uint16 {
	n := c.Utf8(s)
	return c.add("S"+s, append([]byte{byte(classfile.TagString)}, u2(n)...), false)
}

// Int interns an Integer constant.
func (c *Class) Int(v int32) uint16 {
	b := binary.BigEndian.AppendUint32([]byte{byte(classfile.TagInteger)}, uint32(v))
	return c.add(fmt.Sprintf("I%d", v), b, false)
}

// Long interns a Long constant, which occupies two pool slots.
func (c *Class) Long(v int64) uint16 {
	b := binary.BigEndian.AppendUint64([]byte{byte(classfile.TagLong)}, uint64(v))
	return c.add(fmt.Sprintf("J%d", v), b, true)
}

// Double interns a Double constant.
func (c *Class) Double(v float64) uint16 {
	b := binary.BigEndian.AppendUint64([]byte{byte(classfile.TagDouble)}, math.Float64bits(v))
	return c.add(fmt.Sprintf("D%v", v), b, true)
}

func (c *Class) nameAndType(name, desc string) uint16 {
	n, d := c.Utf8(name), c.Utf8(desc)
	b := append([]byte{byte(classfile.TagNameAndType)}, u2(n)...)
	return c.add("N"+name+":"+desc, append(b, u2(d)...), false)
}

func (c *Class) ref(tag classfile.Tag, owner, name, desc string) uint16 {
	o, nt := c.ClassRef(owner), c.nameAndType(name, desc)
	b := append([]byte{byte(tag)}, u2(o)...)
	return c.add(fmt.Sprintf("R%d%s.%s%s", tag, owner, name, desc), append(b, u2(nt)...), false)
}

// MethodRef interns a Methodref constant.
func (c *Class) MethodRef(owner, name, desc string) uint16 {
	return c.ref(classfile.TagMethodref, owner, name, desc)
}

// InterfaceMethodRef interns an InterfaceMethodref constant.
func (c *Class) InterfaceMethodRef(owner, name, desc string) uint16 {
	return c.ref(classfile.TagInterfaceMethodref, owner, name, desc)
}

// FieldRef interns a Fieldref constant.
func (c *Class) FieldRef(owner, name, desc string) uint16 {
	return c.ref(classfile.TagFieldref, owner, name, desc)
}

// AddField declares a field.
func (c *Class) AddField(access uint16, name, desc string) *Class {
	c.fields = append(c.fields, member{access: access, name: name, desc: desc})
	return c
}

// AddMethod declares a method. A nil code declares an abstract method.
func (c *Class) AddMethod(access uint16, name, desc string, code *Code, exceptions ...string) *Class {
	if code == nil {
		access |= classfile.AccAbstract
	}
	c.methods = append(c.methods, member{access: access, name: name, desc: desc, code: code, exceptions: exceptions})
	return c
}

// Bytes serializes the class. It panics on assembler errors since callers
// are tests and fixtures with static input.
func (c *Class) Bytes() []byte {
	b, err := c.Build()
	if err != nil {
		panic(err)
	}
	return b
}

// Build serializes the class.
func (c *Class) Build() ([]byte, error) {
	// Intern everything before the pool is written.
	this := c.ClassRef(c.Name)
	var super uint16
	if c.Super != "" {
		super = c.ClassRef(c.Super)
	}
	ifaces := make([]uint16, len(c.Interfaces))
	for i, n := range c.Interfaces {
		ifaces[i] = c.ClassRef(n)
	}
	type encoded struct {
		access, name, desc uint16
		attrs              [][]byte
	}
	encode := func(m member) (encoded, error) {
		e := encoded{access: m.access, name: c.Utf8(m.name), desc: c.Utf8(m.desc)}
		if m.code != nil {
			body, err := m.code.encode(c)
			if err != nil {
				return e, fmt.Errorf("%s%s: %w", m.name, m.desc, err)
			}
			e.attrs = append(e.attrs, c.attribute("Code", body))
		}
		if len(m.exceptions) > 0 {
			body := u2(uint16(len(m.exceptions)))
			for _, ex := range m.exceptions {
				body = append(body, u2(c.ClassRef(ex))...)
			}
			e.attrs = append(e.attrs, c.attribute("Exceptions", body))
		}
		return e, nil
	}
	var fields, methods []encoded
	for _, f := range c.fields {
		e, err := encode(f)
		if err != nil {
			return nil, err
		}
		fields = append(fields, e)
	}
	for _, m := range c.methods {
		e, err := encode(m)
		if err != nil {
			return nil, err
		}
		methods = append(methods, e)
	}
	sourceFile := c.attribute("SourceFile", u2(c.Utf8(sourceName(c.Name))))

	var out bytes.Buffer
	w := func(v any) { _ = binary.Write(&out, binary.BigEndian, v) }
	w(uint32(0xCAFEBABE))
	w(uint16(0))
	w(uint16(52))
	w(uint16(len(c.pool)))
	for _, e := range c.pool {
		out.Write(e)
	}
	w(c.Access)
	w(this)
	w(super)
	w(uint16(len(ifaces)))
	for _, i := range ifaces {
		w(i)
	}
	for _, group := range [][]encoded{fields, methods} {
		w(uint16(len(group)))
		for _, e := range group {
			w(e.access)
			w(e.name)
			w(e.desc)
			w(uint16(len(e.attrs)))
			for _, a := range e.attrs {
				out.Write(a)
			}
		}
	}
	w(uint16(1))
	out.Write(sourceFile)
	return out.Bytes(), nil
}

func (c *Class) attribute(name string, body []byte) []byte {
	b := u2(c.Utf8(name))
	b = binary.BigEndian.AppendUint32(b, uint32(len(body)))
	return append(b, body...)
}

func sourceName(internal string) string {
	for i := len(internal) - 1; i >= 0; i-- {
		if internal[i] == '/' {
			internal = internal[i+1:]
			break
		}
	}
	return internal + ".java"
}
