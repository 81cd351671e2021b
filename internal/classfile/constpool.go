package classfile

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Tag identifies the kind of a constant pool entry.
type Tag uint8

// Constant pool tags as defined by JVMS §4.4.
const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
	TagModule             Tag = 19
	TagPackage            Tag = 20

	// tagUnusable marks index 0 and the second slot of long/double entries.
	tagUnusable Tag = 0
)

// Constant is one constant pool entry. Which fields are meaningful depends on Tag:
// A and B hold the two u2 indexes of reference entries, Int holds integer and
// long values, Float holds float and double values, Str holds Utf8 text.
type Constant struct {
	Tag   Tag
	A, B  uint16
	Int   int64
	Float float64
	Str   string
}

// ConstantPool is 1-indexed; entry 0 and the slot after each long/double are unusable.
type ConstantPool []Constant

// MemberRef is a resolved Fieldref, Methodref or InterfaceMethodref.
type MemberRef struct {
	Owner      string // internal form, e.g. java/lang/String
	Name       string
	Descriptor string
}

// OwnerClassName returns the owner in dotted form.
func (m MemberRef) OwnerClassName() string {
	return ClassName(m.Owner)
}

func (m MemberRef) String() string {
	return ClassName(m.Owner) + "." + m.Name + m.Descriptor
}

var errBadIndex = errors.New("constant pool index out of range")

func (cp ConstantPool) entry(idx uint16, want ...Tag) (Constant, error) {
	if idx == 0 || int(idx) >= len(cp) {
		return Constant{}, fmt.Errorf("%w: %d", errBadIndex, idx)
	}
	c := cp[idx]
	if len(want) == 0 {
		return c, nil
	}
	for _, t := range want {
		if c.Tag == t {
			return c, nil
		}
	}
	return Constant{}, fmt.Errorf("constant pool entry %d has tag %d", idx, c.Tag)
}

// Utf8 returns the text of a Utf8 entry.
func (cp ConstantPool) Utf8(idx uint16) (string, error) {
	c, err := cp.entry(idx, TagUtf8)
	if err != nil {
		return "", err
	}
	return c.Str, nil
}

// Class returns the internal name of a Class entry.
func (cp ConstantPool) Class(idx uint16) (string, error) {
	c, err := cp.entry(idx, TagClass)
	if err != nil {
		return "", err
	}
	return cp.Utf8(c.A)
}

// NameAndType returns the name and descriptor of a NameAndType entry.
func (cp ConstantPool) NameAndType(idx uint16) (name, descriptor string, err error) {
	c, err := cp.entry(idx, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	if name, err = cp.Utf8(c.A); err != nil {
		return "", "", err
	}
	descriptor, err = cp.Utf8(c.B)
	return name, descriptor, err
}

// Member resolves a field or method reference.
func (cp ConstantPool) Member(idx uint16) (MemberRef, error) {
	c, err := cp.entry(idx, TagFieldref, TagMethodref, TagInterfaceMethodref)
	if err != nil {
		return MemberRef{}, err
	}
	owner, err := cp.Class(c.A)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := cp.NameAndType(c.B)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Owner: owner, Name: name, Descriptor: desc}, nil
}

// InvokeDynamic resolves the name and descriptor of an InvokeDynamic entry.
// The owner is left empty since the call site is bound at run time.
func (cp ConstantPool) InvokeDynamic(idx uint16) (MemberRef, error) {
	c, err := cp.entry(idx, TagInvokeDynamic)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := cp.NameAndType(c.B)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Name: name, Descriptor: desc}, nil
}

// Literal renders a loadable constant (ldc operands) and its type name.
func (cp ConstantPool) Literal(idx uint16) (value, typeName string, err error) {
	c, err := cp.entry(idx)
	if err != nil {
		return "", "", err
	}
	switch c.Tag {
	case TagInteger:
		return strconv.FormatInt(c.Int, 10), "int", nil
	case TagLong:
		return strconv.FormatInt(c.Int, 10), "long", nil
	case TagFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 32), "float", nil
	case TagDouble:
		return strconv.FormatFloat(c.Float, 'g', -1, 64), "double", nil
	case TagString:
		s, err := cp.Utf8(c.A)
		return strconv.Quote(s), "java.lang.String", err
	case TagClass:
		s, err := cp.Utf8(c.A)
		return ClassName(s) + ".class", "java.lang.Class", err
	case TagMethodType:
		s, err := cp.Utf8(c.A)
		return s, "java.lang.invoke.MethodType", err
	case TagMethodHandle:
		m, err := cp.Member(c.B)
		return m.String(), "java.lang.invoke.MethodHandle", err
	case TagDynamic:
		name, desc, err := cp.NameAndType(c.B)
		return name, descriptorTypeName(desc), err
	default:
		return "", "", fmt.Errorf("constant pool entry %d (tag %d) is not loadable", idx, c.Tag)
	}
}

func (r *reader) constantPool() (ConstantPool, error) {
	count := r.u2()
	if r.err != nil {
		return nil, r.err
	}
	cp := make(ConstantPool, count)
	for i := 1; i < int(count); i++ {
		tag := Tag(r.u1())
		c := Constant{Tag: tag}
		switch tag {
		case TagUtf8:
			n := r.u2()
			c.Str = decodeModifiedUTF8(r.bytes(int(n)))
		case TagInteger:
			c.Int = int64(int32(r.u4()))
		case TagFloat:
			c.Float = float64(math.Float32frombits(r.u4()))
		case TagLong:
			c.Int = int64(r.u8())
		case TagDouble:
			c.Float = math.Float64frombits(r.u8())
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.A = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			c.A = r.u2()
			c.B = r.u2()
		case TagMethodHandle:
			c.A = uint16(r.u1())
			c.B = r.u2()
		default:
			if r.err == nil {
				return nil, fmt.Errorf("invalid constant pool tag %d at index %d", tag, i)
			}
		}
		if r.err != nil {
			return nil, fmt.Errorf("constant pool entry %d: %w", i, r.err)
		}
		cp[i] = c
		if tag == TagLong || tag == TagDouble {
			i++ // 8-byte constants take two slots
		}
	}
	return cp, nil
}

// decodeModifiedUTF8 decodes the JVM's modified UTF-8. Plain UTF-8 decodes
// identically except for the two-byte NUL and surrogate pairs.
func decodeModifiedUTF8(b []byte) string {
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			out = append(out, rune(c))
			i++
		case c&0xE0 == 0xC0 && i+1 < len(b):
			out = append(out, rune(c&0x1F)<<6|rune(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0 && i+2 < len(b):
			r := rune(c&0x0F)<<12 | rune(b[i+1]&0x3F)<<6 | rune(b[i+2]&0x3F)
			if r >= 0xD800 && r <= 0xDBFF && i+5 < len(b) && b[i+3]&0xF0 == 0xE0 {
				lo := rune(b[i+3]&0x0F)<<12 | rune(b[i+4]&0x3F)<<6 | rune(b[i+5]&0x3F)
				if lo >= 0xDC00 && lo <= 0xDFFF {
					out = append(out, 0x10000+(r-0xD800)<<10+(lo-0xDC00))
					i += 6
					continue
				}
			}
			out = append(out, r)
			i += 3
		default:
			out = append(out, '�')
			i++
		}
	}
	return string(out)
}
