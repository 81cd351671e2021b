package classpath

import (
	"errors"
	"fmt"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a missing class, method or field.
type NotFoundError struct {
	Kind string // "class", "method" or "field"
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.Name) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Class is a class resolved on a classpath. Names are dotted.
type Class struct {
	Name       string
	SuperName  string // empty for java.lang.Object
	Interfaces []string
	Access     uint16
	Location   *location.Registered

	// Filled by the SourceMetadata feature.
	SourceFile string
	Signature  string
	Deprecated bool

	Methods []*Method
	Fields  []*Field

	file *classfile.ClassFile
}

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool { return c.Access&classfile.AccInterface != 0 }

func (c *Class) String() string { return c.Name }

// Method returns the declared method with the given name and descriptor.
// An empty descriptor matches the first method with that name.
func (c *Class) Method(name, desc string) (*Method, error) {
	if m := c.findMethod(name, desc); m != nil {
		return m, nil
	}
	return nil, &NotFoundError{Kind: "method", Name: c.Name + "." + name + desc}
}

func (c *Class) findMethod(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && (desc == "" || m.Descriptor == desc) {
			return m
		}
	}
	return nil
}

// Field returns the declared field with the given name.
func (c *Class) Field(name string) (*Field, error) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, &NotFoundError{Kind: "field", Name: c.Name + "." + name}
}

// Method is a declared method.
type Method struct {
	Class      *Class
	Name       string
	Descriptor string
	Access     uint16

	raw *classfile.Method
}

func (m *Method) String() string { return m.Class.Name + "." + m.Name + m.Descriptor }

func (m *Method) IsStatic() bool      { return m.Access&classfile.AccStatic != 0 }
func (m *Method) IsPrivate() bool     { return m.Access&classfile.AccPrivate != 0 }
func (m *Method) IsAbstract() bool    { return m.raw.IsAbstract() }
func (m *Method) IsConstructor() bool { return m.Name == "<init>" || m.Name == "<clinit>" }

// HasBody reports whether the method carries bytecode.
func (m *Method) HasBody() bool { return m.raw.Code != nil && len(m.raw.Code.Bytecode) > 0 }

// Raw returns the decoded class-file method.
func (m *Method) Raw() *classfile.Method { return m.raw }

// Field is a declared field.
type Field struct {
	Class      *Class
	Name       string
	Descriptor string
	Type       string
	Access     uint16
}

func (f *Field) String() string { return f.Class.Name + "." + f.Name }

func (f *Field) IsStatic() bool { return f.Access&classfile.AccStatic != 0 }

// newClass converts a decoded class file. withMetadata copies the source
// attributes.
func newClass(cf *classfile.ClassFile, loc *location.Registered, withMetadata bool) *Class {
	c := &Class{
		Name:     cf.ClassName(),
		Access:   cf.Access,
		Location: loc,
		file:     cf,
	}
	if cf.SuperName != "" {
		c.SuperName = classfile.ClassName(cf.SuperName)
	}
	for _, i := range cf.Interfaces {
		c.Interfaces = append(c.Interfaces, classfile.ClassName(i))
	}
	if withMetadata {
		c.SourceFile, c.Signature, c.Deprecated = cf.SourceFile, cf.Signature, cf.Deprecated
	}
	for _, m := range cf.Methods {
		c.Methods = append(c.Methods, &Method{Class: c, Name: m.Name, Descriptor: m.Descriptor, Access: m.Access, raw: m})
	}
	for _, f := range cf.Fields {
		typ, err := classfile.FieldTypeName(f.Descriptor)
		if err != nil {
			typ = f.Descriptor
		}
		c.Fields = append(c.Fields, &Field{Class: c, Name: f.Name, Descriptor: f.Descriptor, Type: typ, Access: f.Access})
	}
	return c
}
