package classfile

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Opcode is a JVM instruction opcode.
type Opcode uint8

var opcodeNames = strings.Fields(`
nop aconst_null iconst_m1 iconst_0 iconst_1 iconst_2 iconst_3 iconst_4 iconst_5
lconst_0 lconst_1 fconst_0 fconst_1 fconst_2 dconst_0 dconst_1 bipush sipush
ldc ldc_w ldc2_w iload lload fload dload aload
iload_0 iload_1 iload_2 iload_3 lload_0 lload_1 lload_2 lload_3
fload_0 fload_1 fload_2 fload_3 dload_0 dload_1 dload_2 dload_3
aload_0 aload_1 aload_2 aload_3
iaload laload faload daload aaload baload caload saload
istore lstore fstore dstore astore
istore_0 istore_1 istore_2 istore_3 lstore_0 lstore_1 lstore_2 lstore_3
fstore_0 fstore_1 fstore_2 fstore_3 dstore_0 dstore_1 dstore_2 dstore_3
astore_0 astore_1 astore_2 astore_3
iastore lastore fastore dastore aastore bastore castore sastore
pop pop2 dup dup_x1 dup_x2 dup2 dup2_x1 dup2_x2 swap
iadd ladd fadd dadd isub lsub fsub dsub imul lmul fmul dmul
idiv ldiv fdiv ddiv irem lrem frem drem ineg lneg fneg dneg
ishl lshl ishr lshr iushr lushr iand land ior lor ixor lxor iinc
i2l i2f i2d l2i l2f l2d f2i f2l f2d d2i d2l d2f i2b i2c i2s
lcmp fcmpl fcmpg dcmpl dcmpg
ifeq ifne iflt ifge ifgt ifle
if_icmpeq if_icmpne if_icmplt if_icmpge if_icmpgt if_icmple if_acmpeq if_acmpne
goto jsr ret tableswitch lookupswitch
ireturn lreturn freturn dreturn areturn return
getstatic putstatic getfield putfield
invokevirtual invokespecial invokestatic invokeinterface invokedynamic
new newarray anewarray arraylength athrow checkcast instanceof
monitorenter monitorexit wide multianewarray ifnull ifnonnull goto_w jsr_w
`)

// Opcodes referenced by name elsewhere.
const (
	Nop             Opcode = 0
	AconstNull      Opcode = 1
	IconstM1        Opcode = 2
	Iconst0         Opcode = 3
	Iconst1         Opcode = 4
	Iconst2         Opcode = 5
	Iconst3         Opcode = 6
	Iconst4         Opcode = 7
	Iconst5         Opcode = 8
	Lconst0         Opcode = 9
	Lconst1         Opcode = 10
	Fconst0         Opcode = 11
	Fconst2         Opcode = 13
	Dconst0         Opcode = 14
	Dconst1         Opcode = 15
	Bipush          Opcode = 16
	Sipush          Opcode = 17
	Ldc             Opcode = 18
	LdcW            Opcode = 19
	Ldc2W           Opcode = 20
	Iload           Opcode = 21
	Lload           Opcode = 22
	Fload           Opcode = 23
	Dload           Opcode = 24
	Aload           Opcode = 25
	Iload0          Opcode = 26
	Iload1          Opcode = 27
	Iload2          Opcode = 28
	Iload3          Opcode = 29
	Lload0          Opcode = 30
	Fload0          Opcode = 34
	Dload0          Opcode = 38
	Aload0          Opcode = 42
	Aload1          Opcode = 43
	Aload2          Opcode = 44
	Aload3          Opcode = 45
	Iaload          Opcode = 46
	Laload          Opcode = 47
	Saload          Opcode = 53
	Istore          Opcode = 54
	Lstore          Opcode = 55
	Fstore          Opcode = 56
	Dstore          Opcode = 57
	Astore          Opcode = 58
	Istore0         Opcode = 59
	Istore1         Opcode = 60
	Istore2         Opcode = 61
	Istore3         Opcode = 62
	Lstore0         Opcode = 63
	Fstore0         Opcode = 67
	Dstore0         Opcode = 71
	Astore0         Opcode = 75
	Astore1         Opcode = 76
	Astore2         Opcode = 77
	Astore3         Opcode = 78
	Iastore         Opcode = 79
	Lastore         Opcode = 80
	Sastore         Opcode = 86
	Pop             Opcode = 87
	Pop2            Opcode = 88
	Dup             Opcode = 89
	DupX1           Opcode = 90
	DupX2           Opcode = 91
	Dup2            Opcode = 92
	Dup2X1          Opcode = 93
	Dup2X2          Opcode = 94
	Swap            Opcode = 95
	Iadd            Opcode = 96
	Ladd            Opcode = 97
	Dadd            Opcode = 99
	Isub            Opcode = 100
	Imul            Opcode = 104
	Idiv            Opcode = 108
	Ldiv            Opcode = 109
	Irem            Opcode = 112
	Lrem            Opcode = 113
	Ineg            Opcode = 116
	Dneg            Opcode = 119
	Ishl            Opcode = 120
	Lxor            Opcode = 131
	Iinc            Opcode = 132
	I2l             Opcode = 133
	I2s             Opcode = 147
	Lcmp            Opcode = 148
	Fcmpl           Opcode = 149
	Fcmpg           Opcode = 150
	Dcmpl           Opcode = 151
	Dcmpg           Opcode = 152
	Ifeq            Opcode = 153
	Ifne            Opcode = 154
	Iflt            Opcode = 155
	Ifge            Opcode = 156
	Ifgt            Opcode = 157
	Ifle            Opcode = 158
	IfIcmpeq        Opcode = 159
	IfIcmplt        Opcode = 161
	IfIcmpge        Opcode = 162
	IfIcmple        Opcode = 164
	IfAcmpeq        Opcode = 165
	IfAcmpne        Opcode = 166
	Goto            Opcode = 167
	Jsr             Opcode = 168
	Ret             Opcode = 169
	Tableswitch     Opcode = 170
	Lookupswitch    Opcode = 171
	Ireturn         Opcode = 172
	Lreturn         Opcode = 173
	Dreturn         Opcode = 175
	Areturn         Opcode = 176
	Return          Opcode = 177
	Getstatic       Opcode = 178
	Putstatic       Opcode = 179
	Getfield        Opcode = 180
	Putfield        Opcode = 181
	Invokevirtual   Opcode = 182
	Invokespecial   Opcode = 183
	Invokestatic    Opcode = 184
	Invokeinterface Opcode = 185
	Invokedynamic   Opcode = 186
	New             Opcode = 187
	Newarray        Opcode = 188
	Anewarray       Opcode = 189
	Arraylength     Opcode = 190
	Athrow          Opcode = 191
	Checkcast       Opcode = 192
	Instanceof      Opcode = 193
	Monitorenter    Opcode = 194
	Monitorexit     Opcode = 195
	Wide            Opcode = 196
	Multianewarray  Opcode = 197
	Ifnull          Opcode = 198
	Ifnonnull       Opcode = 199
	GotoW           Opcode = 200
	JsrW            Opcode = 201
)

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// Valid reports whether o is a defined opcode.
func (o Opcode) Valid() bool { return int(o) < len(opcodeNames) }

// IsConditional reports whether o is a two-way branch.
func (o Opcode) IsConditional() bool {
	return (o >= Ifeq && o <= IfAcmpne) || o == Ifnull || o == Ifnonnull
}

// IsReturn reports whether o returns from the method.
func (o Opcode) IsReturn() bool { return o >= Ireturn && o <= Return }

// IsInvoke reports whether o is a method invocation.
func (o Opcode) IsInvoke() bool { return o >= Invokevirtual && o <= Invokedynamic }

// IsLoad reports whether o reads a local variable.
func (o Opcode) IsLoad() bool { return (o >= Iload && o <= Aload) || (o >= Iload0 && o <= Aload3) }

// IsStore reports whether o writes a local variable.
func (o Opcode) IsStore() bool {
	return (o >= Istore && o <= Astore) || (o >= Istore0 && o <= Astore3)
}

// Instruction is one decoded bytecode instruction. Branch, Default and
// Targets hold absolute offsets.
type Instruction struct {
	Offset  int
	Opcode  Opcode
	Index   int   // local slot, constant pool index or newarray type
	Const   int   // iinc increment, bipush/sipush value, multianewarray dimensions
	Branch  int   // if*, goto, jsr target
	Default int   // switch default target
	Keys    []int // switch keys (low..high for tableswitch)
	Targets []int // switch targets parallel to Keys
	Wide    bool
	Length  int
}

// Local returns the local variable slot read or written by a load/store/iinc/ret.
func (in Instruction) Local() (int, bool) {
	switch o := in.Opcode; {
	case o >= Iload0 && o <= Aload3:
		return int(o-Iload0) % 4, true
	case o >= Istore0 && o <= Astore3:
		return int(o-Istore0) % 4, true
	case (o >= Iload && o <= Aload) || (o >= Istore && o <= Astore) || o == Iinc || o == Ret:
		return in.Index, true
	}
	return 0, false
}

// operandLen is the fixed operand size for each opcode; -1 marks variable length.
var operandLen = func() [256]int8 {
	var t [256]int8
	for _, o := range []Opcode{Bipush, Ldc, Iload, Iload + 1, Iload + 2, Iload + 3, Aload,
		Istore, Istore + 1, Istore + 2, Istore + 3, Astore, Ret, Newarray} {
		t[o] = 1
	}
	for _, o := range []Opcode{Sipush, LdcW, Ldc2W, Iinc, Getstatic, Putstatic, Getfield, Putfield,
		Invokevirtual, Invokespecial, Invokestatic, New, Anewarray, Checkcast, Instanceof,
		Ifnull, Ifnonnull} {
		t[o] = 2
	}
	for o := Ifeq; o <= Jsr; o++ {
		t[o] = 2
	}
	t[Multianewarray] = 3
	t[Invokeinterface], t[Invokedynamic], t[GotoW], t[JsrW] = 4, 4, 4, 4
	t[Tableswitch], t[Lookupswitch], t[Wide] = -1, -1, -1
	return t
}()

// DecodeCode decodes a method body into instructions ordered by offset.
func DecodeCode(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pc := 0; pc < len(code); {
		in, err := decodeAt(code, pc)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
		pc += in.Length
	}
	return out, nil
}

func decodeAt(code []byte, pc int) (Instruction, error) {
	op := Opcode(code[pc])
	in := Instruction{Offset: pc, Opcode: op}
	if !op.Valid() {
		return in, fmt.Errorf("offset %d: invalid opcode %d", pc, uint8(op))
	}
	need := func(n int) error {
		if pc+n > len(code) {
			return fmt.Errorf("offset %d: %s truncated", pc, op)
		}
		return nil
	}
	s2 := func(at int) int { return int(int16(binary.BigEndian.Uint16(code[at:]))) }
	u2 := func(at int) int { return int(binary.BigEndian.Uint16(code[at:])) }
	s4 := func(at int) int { return int(int32(binary.BigEndian.Uint32(code[at:]))) }

	switch op {
	case Wide:
		if err := need(4); err != nil {
			return in, err
		}
		in.Wide = true
		in.Opcode = Opcode(code[pc+1])
		in.Index = u2(pc + 2)
		in.Length = 4
		if in.Opcode == Iinc {
			if err := need(6); err != nil {
				return in, err
			}
			in.Const = s2(pc + 4)
			in.Length = 6
		} else if !in.Opcode.IsLoad() && !in.Opcode.IsStore() && in.Opcode != Ret {
			return in, fmt.Errorf("offset %d: wide applied to %s", pc, in.Opcode)
		}
		return in, nil
	case Tableswitch, Lookupswitch:
		p := pc + 1 + (3-pc%4)%4 // skip padding to a 4-byte boundary
		if err := need(p - pc + 12); err != nil {
			return in, err
		}
		in.Default = pc + s4(p)
		if op == Tableswitch {
			low, high := s4(p+4), s4(p+8)
			if high < low {
				return in, fmt.Errorf("offset %d: tableswitch low %d > high %d", pc, low, high)
			}
			n := high - low + 1
			if err := need(p - pc + 12 + 4*n); err != nil {
				return in, err
			}
			for i := 0; i < n; i++ {
				in.Keys = append(in.Keys, low+i)
				in.Targets = append(in.Targets, pc+s4(p+12+4*i))
			}
			in.Length = p - pc + 12 + 4*n
		} else {
			n := s4(p + 4)
			if n < 0 {
				return in, fmt.Errorf("offset %d: negative lookupswitch pair count", pc)
			}
			if err := need(p - pc + 8 + 8*n); err != nil {
				return in, err
			}
			for i := 0; i < n; i++ {
				in.Keys = append(in.Keys, s4(p+8+8*i))
				in.Targets = append(in.Targets, pc+s4(p+12+8*i))
			}
			in.Length = p - pc + 8 + 8*n
		}
		return in, nil
	}

	n := int(operandLen[op])
	if err := need(1 + n); err != nil {
		return in, err
	}
	in.Length = 1 + n
	switch {
	case op == Bipush:
		in.Const = int(int8(code[pc+1]))
	case op == Sipush:
		in.Const = s2(pc + 1)
	case op == Iinc:
		in.Index = int(code[pc+1])
		in.Const = int(int8(code[pc+2]))
	case (op >= Ifeq && op <= Jsr) || op == Ifnull || op == Ifnonnull:
		in.Branch = pc + s2(pc+1)
	case op == GotoW || op == JsrW:
		in.Branch = pc + s4(pc+1)
	case op == Multianewarray:
		in.Index = u2(pc + 1)
		in.Const = int(code[pc+3])
	case n == 1:
		in.Index = int(code[pc+1])
	case n >= 2:
		in.Index = u2(pc + 1)
	}
	return in, nil
}
