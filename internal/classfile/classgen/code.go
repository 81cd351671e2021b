package classgen

import (
	"encoding/binary"
	"fmt"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
)

// Code assembles a method body. Jumps refer to labels placed with Mark and
// are resolved when the class is built.
type Code struct {
	MaxStack  uint16
	MaxLocals uint16

	buf    []byte
	labels map[string]int
	fixups []fixup
	tries  []try
	lines  [][2]uint16
}

type fixup struct {
	at, pc int
	label  string
	wide   bool
}

type try struct {
	start, end, handler string
	catchType           string
}

// NewCode starts a method body with the given frame sizes.
func NewCode(maxStack, maxLocals uint16) *Code {
	return &Code{MaxStack: maxStack, MaxLocals: maxLocals, labels: map[string]int{}}
}

// PC returns the offset of the next emitted instruction.
func (c *Code) PC() int { return len(c.buf) }

// Emit appends an opcode followed by raw operand bytes.
func (c *Code) Emit(op classfile.Opcode, operands ...byte) *Code {
	c.buf = append(c.buf, byte(op))
	c.buf = append(c.buf, operands...)
	return c
}

// U2 appends an opcode with a 16-bit operand (pool index, sipush value).
func (c *Code) U2(op classfile.Opcode, v uint16) *Code {
	return c.Emit(op, byte(v>>8), byte(v))
}

// InvokeInterface appends invokeinterface with its count operand.
func (c *Code) InvokeInterface(idx uint16, count uint8) *Code {
	return c.Emit(classfile.Invokeinterface, byte(idx>>8), byte(idx), count, 0)
}

// Mark binds a label to the current offset.
func (c *Code) Mark(label string) *Code {
	c.labels[label] = len(c.buf)
	return c
}

// Line records that code from here on belongs to the given source line.
func (c *Code) Line(n uint16) *Code {
	c.lines = append(c.lines, [2]uint16{uint16(len(c.buf)), n})
	return c
}

// Jump appends a branch instruction targeting label.
func (c *Code) Jump(op classfile.Opcode, label string) *Code {
	pc := len(c.buf)
	wide := op == classfile.GotoW || op == classfile.JsrW
	c.buf = append(c.buf, byte(op))
	c.fixups = append(c.fixups, fixup{at: len(c.buf), pc: pc, label: label, wide: wide})
	if wide {
		c.buf = append(c.buf, 0, 0, 0, 0)
	} else {
		c.buf = append(c.buf, 0, 0)
	}
	return c
}

func (c *Code) switchHeader(op classfile.Opcode, dflt string) int {
	pc := len(c.buf)
	c.buf = append(c.buf, byte(op))
	for len(c.buf)%4 != 0 {
		c.buf = append(c.buf, 0)
	}
	c.target(pc, dflt)
	return pc
}

func (c *Code) target(pc int, label string) {
	c.fixups = append(c.fixups, fixup{at: len(c.buf), pc: pc, label: label, wide: true})
	c.buf = append(c.buf, 0, 0, 0, 0)
}

func (c *Code) i4(v int32) {
	c.buf = binary.BigEndian.AppendUint32(c.buf, uint32(v))
}

// TableSwitch appends a tableswitch over low..low+len(targets)-1.
func (c *Code) TableSwitch(low int32, dflt string, targets ...string) *Code {
	pc := c.switchHeader(classfile.Tableswitch, dflt)
	c.i4(low)
	c.i4(low + int32(len(targets)) - 1)
	for _, t := range targets {
		c.target(pc, t)
	}
	return c
}

// LookupSwitch appends a lookupswitch; keys must be sorted.
func (c *Code) LookupSwitch(dflt string, keys []int32, targets []string) *Code {
	pc := c.switchHeader(classfile.Lookupswitch, dflt)
	c.i4(int32(len(keys)))
	for i, k := range keys {
		c.i4(k)
		c.target(pc, targets[i])
	}
	return c
}

// Try registers an exception handler covering [start, end). An empty
// catchType catches everything.
func (c *Code) Try(start, end, handler, catchType string) *Code {
	c.tries = append(c.tries, try{start: start, end: end, handler: handler, catchType: catchType})
	return c
}

func (c *Code) resolve(label string) (int, error) {
	pc, ok := c.labels[label]
	if !ok {
		return 0, fmt.Errorf("undefined label %q", label)
	}
	return pc, nil
}

// Assemble resolves labels and returns the raw bytecode.
func (c *Code) Assemble() ([]byte, error) {
	out := append([]byte(nil), c.buf...)
	for _, f := range c.fixups {
		target, err := c.resolve(f.label)
		if err != nil {
			return nil, err
		}
		off := target - f.pc
		if f.wide {
			binary.BigEndian.PutUint32(out[f.at:], uint32(int32(off)))
		} else {
			binary.BigEndian.PutUint16(out[f.at:], uint16(int16(off)))
		}
	}
	return out, nil
}

func (c *Code) encode(cls *Class) ([]byte, error) {
	code, err := c.Assemble()
	if err != nil {
		return nil, err
	}
	b := binary.BigEndian.AppendUint16(nil, c.MaxStack)
	b = binary.BigEndian.AppendUint16(b, c.MaxLocals)
	b = binary.BigEndian.AppendUint32(b, uint32(len(code)))
	b = append(b, code...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(c.tries)))
	for _, t := range c.tries {
		for _, l := range []string{t.start, t.end, t.handler} {
			pc, err := c.resolve(l)
			if err != nil {
				return nil, err
			}
			b = binary.BigEndian.AppendUint16(b, uint16(pc))
		}
		var ct uint16
		if t.catchType != "" {
			ct = cls.ClassRef(t.catchType)
		}
		b = binary.BigEndian.AppendUint16(b, ct)
	}
	if len(c.lines) == 0 {
		return binary.BigEndian.AppendUint16(b, 0), nil
	}
	b = binary.BigEndian.AppendUint16(b, 1)
	lt := binary.BigEndian.AppendUint16(nil, uint16(len(c.lines)))
	for _, l := range c.lines {
		lt = binary.BigEndian.AppendUint16(lt, l[0])
		lt = binary.BigEndian.AppendUint16(lt, l[1])
	}
	return append(b, cls.attribute("LineNumberTable", lt)...), nil
}
