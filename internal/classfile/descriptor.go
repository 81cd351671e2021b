package classfile

import (
	"fmt"
	"strings"
)

// MethodType is a parsed method descriptor with Java type names.
type MethodType struct {
	Params []string
	Return string
}

// ParseMethodDescriptor splits "(ILjava/lang/String;)V" into
// {[int java.lang.String] void}.
func ParseMethodDescriptor(desc string) (MethodType, error) {
	if !strings.HasPrefix(desc, "(") {
		return MethodType{}, fmt.Errorf("method descriptor %q: missing '('", desc)
	}
	var mt MethodType
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, n, err := fieldType(desc[i:])
		if err != nil {
			return MethodType{}, fmt.Errorf("method descriptor %q: %w", desc, err)
		}
		mt.Params = append(mt.Params, t)
		i += n
	}
	if i >= len(desc) {
		return MethodType{}, fmt.Errorf("method descriptor %q: missing ')'", desc)
	}
	ret, n, err := fieldType(desc[i+1:])
	if err != nil || i+1+n != len(desc) {
		return MethodType{}, fmt.Errorf("method descriptor %q: bad return type", desc)
	}
	mt.Return = ret
	return mt, nil
}

// SlotSize is the number of local variable slots a value of the type takes.
func SlotSize(typeName string) int {
	if typeName == "long" || typeName == "double" {
		return 2
	}
	return 1
}

func descriptorTypeName(desc string) string {
	t, _, err := fieldType(desc)
	if err != nil {
		return desc
	}
	return t
}

// FieldTypeName converts a field descriptor to a Java type name.
func FieldTypeName(desc string) (string, error) {
	t, n, err := fieldType(desc)
	if err != nil {
		return "", err
	}
	if n != len(desc) {
		return "", fmt.Errorf("field descriptor %q: trailing data", desc)
	}
	return t, nil
}

var primitives = map[byte]string{
	'B': "byte", 'C': "char", 'D': "double", 'F': "float",
	'I': "int", 'J': "long", 'S': "short", 'Z': "boolean", 'V': "void",
}

func fieldType(s string) (name string, n int, err error) {
	if s == "" {
		return "", 0, fmt.Errorf("empty type")
	}
	if p, ok := primitives[s[0]]; ok {
		return p, 1, nil
	}
	switch s[0] {
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated class type %q", s)
		}
		return ClassName(s[1:end]), end + 1, nil
	case '[':
		elem, n, err := fieldType(s[1:])
		if err != nil {
			return "", 0, err
		}
		return elem + "[]", n + 1, nil
	}
	return "", 0, fmt.Errorf("bad type %q", s[:1])
}
