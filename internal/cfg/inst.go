package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Ref is the position of an instruction within its graph.
type Ref int

// Pos is the bytecode origin of an instruction. Offset is -1 for
// instructions the builder synthesizes.
type Pos struct {
	Offset int
	Line   int
}

// Inst is one three-address instruction. The set of implementations is
// closed; switch over it exhaustively.
type Inst interface {
	Pos() Pos
	String() string
	isInst()
}

type (
	// AssignInst stores RHS into LHS (a local, field or array element).
	AssignInst struct {
		At  Pos
		LHS Value
		RHS Expr
	}
	// CallInst invokes a method and discards any result.
	CallInst struct {
		At   Pos
		Call *CallExpr
	}
	// ReturnInst leaves the method. Value is nil for void methods.
	ReturnInst struct {
		At    Pos
		Value Value
	}
	ThrowInst struct {
		At    Pos
		Value Value
	}
	GotoInst struct {
		At     Pos
		Target Ref
	}
	IfInst struct {
		At          Pos
		Cond        *CondExpr
		True, False Ref
	}
	// SwitchInst jumps to Targets[i] when Key equals Keys[i], else to Default.
	SwitchInst struct {
		At      Pos
		Key     Value
		Keys    []int
		Targets []Ref
		Default Ref
	}
	EnterMonitorInst struct {
		At      Pos
		Monitor Value
	}
	ExitMonitorInst struct {
		At      Pos
		Monitor Value
	}
	// CatchInst starts an exception handler. Throwable holds the caught
	// exception; Throwers lists every instruction the handler covers.
	CatchInst struct {
		At        Pos
		Throwable *Local
		Types     []string
		Throwers  []Ref
	}
)

func (i *AssignInst) Pos() Pos       { return i.At }
func (i *CallInst) Pos() Pos         { return i.At }
func (i *ReturnInst) Pos() Pos       { return i.At }
func (i *ThrowInst) Pos() Pos        { return i.At }
func (i *GotoInst) Pos() Pos         { return i.At }
func (i *IfInst) Pos() Pos           { return i.At }
func (i *SwitchInst) Pos() Pos       { return i.At }
func (i *EnterMonitorInst) Pos() Pos { return i.At }
func (i *ExitMonitorInst) Pos() Pos  { return i.At }
func (i *CatchInst) Pos() Pos        { return i.At }

func (*AssignInst) isInst()       {}
func (*CallInst) isInst()         {}
func (*ReturnInst) isInst()       {}
func (*ThrowInst) isInst()        {}
func (*GotoInst) isInst()         {}
func (*IfInst) isInst()           {}
func (*SwitchInst) isInst()       {}
func (*EnterMonitorInst) isInst() {}
func (*ExitMonitorInst) isInst()  {}
func (*CatchInst) isInst()        {}

func (i *AssignInst) String() string { return i.LHS.String() + " = " + i.RHS.String() }
func (i *CallInst) String() string   { return i.Call.String() }

func (i *ReturnInst) String() string {
	if i.Value == nil {
		return "return"
	}
	return "return " + i.Value.String()
}

func (i *ThrowInst) String() string { return "throw " + i.Value.String() }
func (i *GotoInst) String() string  { return fmt.Sprintf("goto #%d", i.Target) }

func (i *IfInst) String() string {
	return fmt.Sprintf("if (%s) goto #%d else goto #%d", i.Cond, i.True, i.False)
}

func (i *SwitchInst) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "switch (%s) {", i.Key)
	for k, key := range i.Keys {
		fmt.Fprintf(&sb, " %d -> #%d;", key, i.Targets[k])
	}
	fmt.Fprintf(&sb, " default -> #%d }", i.Default)
	return sb.String()
}

func (i *EnterMonitorInst) String() string { return "enter monitor " + i.Monitor.String() }
func (i *ExitMonitorInst) String() string  { return "exit monitor " + i.Monitor.String() }

func (i *CatchInst) String() string {
	return fmt.Sprintf("catch (%s %s)", strings.Join(i.Types, " | "), i.Throwable)
}

// IsTerminating reports whether inst leaves the method.
func IsTerminating(inst Inst) bool {
	switch inst.(type) {
	case *ReturnInst, *ThrowInst:
		return true
	}
	return false
}

// IsBranching reports whether inst transfers control explicitly.
func IsBranching(inst Inst) bool {
	switch inst.(type) {
	case *GotoInst, *IfInst, *SwitchInst:
		return true
	}
	return false
}

// targets returns pointers to the jump targets of inst so passes can rewrite them.
func targets(inst Inst) []*Ref {
	switch i := inst.(type) {
	case *GotoInst:
		return []*Ref{&i.Target}
	case *IfInst:
		return []*Ref{&i.True, &i.False}
	case *SwitchInst:
		out := make([]*Ref, 0, len(i.Targets)+1)
		for k := range i.Targets {
			out = append(out, &i.Targets[k])
		}
		return append(out, &i.Default)
	}
	return nil
}

// Expr is a side-effect-free or single-effect expression.
type Expr interface {
	Type() string
	String() string
	isExpr()
}

// Value is an expression that may appear as an operand: locals, constants,
// field references and array elements.
type Value interface {
	Expr
	isValue()
}

// CallKind distinguishes the invoke opcodes.
type CallKind string

const (
	CallVirtual   CallKind = "virtual"
	CallSpecial   CallKind = "special"
	CallStatic    CallKind = "static"
	CallInterface CallKind = "interface"
	CallDynamic   CallKind = "dynamic"
)

type (
	// Local is a method argument, a local variable slot or a temporary.
	Local struct {
		Name string
		T    string
	}
	// Const is a literal rendered as Java source text.
	Const struct {
		T    string
		Text string
	}
	// FieldRef is a field access; Instance is nil for static fields.
	FieldRef struct {
		Instance Value
		Owner    string
		Name     string
		T        string
	}
	ArrayAccess struct {
		Array Value
		Index Value
		T     string
	}
	BinaryExpr struct {
		Op       string
		LHS, RHS Value
		T        string
	}
	NegExpr struct {
		Operand Value
	}
	CastExpr struct {
		Operand Value
		T       string
	}
	InstanceOfExpr struct {
		Operand Value
		Target  string
	}
	LengthExpr struct {
		Array Value
	}
	NewExpr struct {
		T string
	}
	NewArrayExpr struct {
		T    string
		Dims []Value
	}
	// CmpExpr is lcmp/fcmpl/fcmpg/dcmpl/dcmpg; Op is "cmp", "cmpl" or "cmpg".
	CmpExpr struct {
		Op       string
		LHS, RHS Value
	}
	// CondExpr is the boolean condition of an IfInst.
	CondExpr struct {
		Op       string
		LHS, RHS Value
	}
	CallExpr struct {
		Kind       CallKind
		Owner      string
		Name       string
		Descriptor string
		Instance   Value
		Args       []Value
		T          string
	}
)

func (*Local) isExpr()          {}
func (*Const) isExpr()          {}
func (*FieldRef) isExpr()       {}
func (*ArrayAccess) isExpr()    {}
func (*BinaryExpr) isExpr()     {}
func (*NegExpr) isExpr()        {}
func (*CastExpr) isExpr()       {}
func (*InstanceOfExpr) isExpr() {}
func (*LengthExpr) isExpr()     {}
func (*NewExpr) isExpr()        {}
func (*NewArrayExpr) isExpr()   {}
func (*CmpExpr) isExpr()        {}
func (*CondExpr) isExpr()       {}
func (*CallExpr) isExpr()       {}

func (*Local) isValue()       {}
func (*Const) isValue()       {}
func (*FieldRef) isValue()    {}
func (*ArrayAccess) isValue() {}

func (e *Local) Type() string          { return e.T }
func (e *Const) Type() string          { return e.T }
func (e *FieldRef) Type() string       { return e.T }
func (e *ArrayAccess) Type() string    { return e.T }
func (e *BinaryExpr) Type() string     { return e.T }
func (e *NegExpr) Type() string        { return e.Operand.Type() }
func (e *CastExpr) Type() string       { return e.T }
func (e *InstanceOfExpr) Type() string { return "boolean" }
func (e *LengthExpr) Type() string     { return "int" }
func (e *NewExpr) Type() string        { return e.T }
func (e *NewArrayExpr) Type() string   { return e.T }
func (e *CmpExpr) Type() string        { return "int" }
func (e *CondExpr) Type() string       { return "boolean" }
func (e *CallExpr) Type() string       { return e.T }

func (e *Local) String() string { return e.Name }
func (e *Const) String() string { return e.Text }

func (e *FieldRef) String() string {
	if e.Instance == nil {
		return e.Owner + "." + e.Name
	}
	return e.Instance.String() + "." + e.Name
}

func (e *ArrayAccess) String() string    { return e.Array.String() + "[" + e.Index.String() + "]" }
func (e *BinaryExpr) String() string     { return e.LHS.String() + " " + e.Op + " " + e.RHS.String() }
func (e *NegExpr) String() string        { return "-" + e.Operand.String() }
func (e *CastExpr) String() string       { return "(" + e.T + ") " + e.Operand.String() }
func (e *InstanceOfExpr) String() string { return e.Operand.String() + " instanceof " + e.Target }
func (e *LengthExpr) String() string     { return e.Array.String() + ".length" }
func (e *NewExpr) String() string        { return "new " + e.T }

func (e *NewArrayExpr) String() string {
	elem := strings.TrimSuffix(e.T, strings.Repeat("[]", len(e.Dims)))
	var sb strings.Builder
	sb.WriteString("new " + elem)
	for _, d := range e.Dims {
		sb.WriteString("[" + d.String() + "]")
	}
	return sb.String()
}

func (e *CmpExpr) String() string  { return e.LHS.String() + " " + e.Op + " " + e.RHS.String() }
func (e *CondExpr) String() string { return e.LHS.String() + " " + e.Op + " " + e.RHS.String() }

func (e *CallExpr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	recv := e.Owner
	if e.Instance != nil {
		recv = e.Instance.String()
	}
	if e.Kind == CallDynamic {
		recv = "dynamic"
	}
	return recv + "." + e.Name + "(" + strings.Join(args, ", ") + ")"
}

// Operands returns the direct operand values of an expression.
func Operands(e Expr) []Value {
	switch e := e.(type) {
	case *Local, *Const, *NewExpr:
		return nil
	case *FieldRef:
		if e.Instance == nil {
			return nil
		}
		return []Value{e.Instance}
	case *ArrayAccess:
		return []Value{e.Array, e.Index}
	case *BinaryExpr:
		return []Value{e.LHS, e.RHS}
	case *NegExpr:
		return []Value{e.Operand}
	case *CastExpr:
		return []Value{e.Operand}
	case *InstanceOfExpr:
		return []Value{e.Operand}
	case *LengthExpr:
		return []Value{e.Array}
	case *NewArrayExpr:
		return e.Dims
	case *CmpExpr:
		return []Value{e.LHS, e.RHS}
	case *CondExpr:
		return []Value{e.LHS, e.RHS}
	case *CallExpr:
		if e.Instance == nil {
			return e.Args
		}
		return append([]Value{e.Instance}, e.Args...)
	}
	panic(fmt.Sprintf("cfg: unhandled expression %T", e))
}

// Uses returns every local read by inst, in operand order.
func Uses(inst Inst) []*Local {
	var out []*Local
	var visit func(e Expr)
	visit = func(e Expr) {
		if l, ok := e.(*Local); ok {
			out = append(out, l)
			return
		}
		for _, op := range Operands(e) {
			visit(op)
		}
	}
	switch i := inst.(type) {
	case *AssignInst:
		if _, ok := i.LHS.(*Local); !ok {
			// Stores into fields and arrays read the base and index.
			for _, op := range Operands(i.LHS) {
				visit(op)
			}
		}
		visit(i.RHS)
	case *CallInst:
		visit(i.Call)
	case *ReturnInst:
		if i.Value != nil {
			visit(i.Value)
		}
	case *ThrowInst:
		visit(i.Value)
	case *IfInst:
		visit(i.Cond)
	case *SwitchInst:
		visit(i.Key)
	case *EnterMonitorInst:
		visit(i.Monitor)
	case *ExitMonitorInst:
		visit(i.Monitor)
	case *GotoInst, *CatchInst:
	}
	return out
}

// Def returns the local written by inst, if any.
func Def(inst Inst) *Local {
	switch i := inst.(type) {
	case *AssignInst:
		if l, ok := i.LHS.(*Local); ok {
			return l
		}
	case *CatchInst:
		return i.Throwable
	}
	return nil
}

func intConst(v int) *Const { return &Const{T: "int", Text: strconv.Itoa(v)} }
