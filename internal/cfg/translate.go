package cfg

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
)

// handler groups the exception table entries sharing one handler offset.
type handler struct {
	pc     int
	types  []string
	ranges [][2]int
	local  *Local
}

func (h *handler) covers(offset int) bool {
	for _, r := range h.ranges {
		if offset >= r[0] && offset < r[1] {
			return true
		}
	}
	return false
}

// translator turns stack bytecode into three-address instructions by
// simulating the operand stack one basic region at a time. Regions are
// entered with their stack spilled into $stackN locals so every merge point
// sees the same names.
type translator struct {
	method *classfile.Method
	owner  string
	code   *classfile.Code
	pool   classfile.ConstantPool

	insns    []classfile.Instruction
	index    map[int]int
	leaders  map[int]bool
	handlers []*handler
	byPC     map[int]*handler
	frames   map[int][]string
	regions  map[int][]Inst
	visited  map[int]bool
	args     map[int]*Local
	temps    int

	stack []Value
	out   []Inst
	cur   classfile.Instruction
	err   error
}

func newTranslator(m *classfile.Method, owner string) *translator {
	return &translator{
		method:  m,
		owner:   owner,
		code:    m.Code,
		pool:    m.Pool(),
		index:   make(map[int]int),
		leaders: make(map[int]bool),
		byPC:    make(map[int]*handler),
		frames:  make(map[int][]string),
		regions: make(map[int][]Inst),
		visited: make(map[int]bool),
		args:    make(map[int]*Local),
	}
}

// run translates every reachable region and concatenates them in bytecode
// order. Jump targets in the result are resolved to instruction refs and
// catchers[i] lists the refs of the catch instructions covering inst i.
func (t *translator) run() (insts []Inst, catchers [][]Ref, err error) {
	if err := t.prepare(); err != nil {
		return nil, nil, err
	}
	if err := t.explore(); err != nil {
		return nil, nil, err
	}

	starts := make([]int, 0, len(t.regions))
	for off := range t.regions {
		starts = append(starts, off)
	}
	sort.Ints(starts)
	first := make(map[int]Ref, len(starts))
	for _, off := range starts {
		first[off] = Ref(len(insts))
		insts = append(insts, t.regions[off]...)
	}
	// A region that emitted nothing falls through to the next one.
	for _, off := range starts {
		if int(first[off]) >= len(insts) {
			return nil, nil, fmt.Errorf("%w: region at %d", ErrFallOffEnd, off)
		}
	}
	for _, inst := range insts {
		for _, p := range targets(inst) {
			ref, ok := first[int(*p)]
			if !ok {
				return nil, nil, fmt.Errorf("%w: offset %d", ErrUnresolvedTarget, int(*p))
			}
			*p = ref
		}
	}

	catchRef := make(map[*handler]Ref)
	for _, h := range t.handlers {
		if ref, ok := first[h.pc]; ok {
			catchRef[h] = ref
		}
	}
	catchers = make([][]Ref, len(insts))
	for i, inst := range insts {
		off := inst.Pos().Offset
		if off < 0 {
			continue
		}
		for _, h := range t.handlers {
			if ref, ok := catchRef[h]; ok && h.covers(off) {
				catchers[i] = append(catchers[i], ref)
			}
		}
	}
	return insts, catchers, nil
}

func (t *translator) prepare() error {
	insns, err := classfile.DecodeCode(t.code.Bytecode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
	}
	if len(insns) == 0 {
		return ErrNoCode
	}
	t.insns = insns
	for i, in := range insns {
		t.index[in.Offset] = i
	}
	end := len(t.code.Bytecode)
	isBoundary := func(off int) bool {
		_, ok := t.index[off]
		return ok || off == end
	}

	for _, eh := range t.code.Handlers {
		start, stop, pc := int(eh.StartPC), int(eh.EndPC), int(eh.HandlerPC)
		if start >= stop || !isBoundary(start) || !isBoundary(stop) {
			return fmt.Errorf("%w: range [%d, %d)", ErrMalformedHandler, start, stop)
		}
		if _, ok := t.index[pc]; !ok {
			return fmt.Errorf("%w: handler offset %d outside method", ErrMalformedHandler, pc)
		}
		h := t.byPC[pc]
		if h == nil {
			h = &handler{pc: pc}
			t.byPC[pc] = h
			t.handlers = append(t.handlers, h)
		}
		typ := "java.lang.Throwable"
		if eh.CatchType != "" {
			typ = classfile.ClassName(eh.CatchType)
		}
		if !contains(h.types, typ) {
			h.types = append(h.types, typ)
		}
		h.ranges = append(h.ranges, [2]int{start, stop})
		t.leaders[pc] = true
	}
	for k, h := range t.handlers {
		typ := h.types[0]
		if len(h.types) > 1 {
			typ = "java.lang.Throwable"
		}
		h.local = &Local{Name: "$e" + strconv.Itoa(k), T: typ}
	}

	t.leaders[0] = true
	for i, in := range insns {
		var dests []int
		switch {
		case in.Opcode.IsConditional(), in.Opcode == classfile.Goto, in.Opcode == classfile.GotoW:
			dests = []int{in.Branch}
		case in.Opcode == classfile.Tableswitch, in.Opcode == classfile.Lookupswitch:
			dests = append([]int{in.Default}, in.Targets...)
		}
		for _, d := range dests {
			if _, ok := t.index[d]; !ok {
				return fmt.Errorf("%w: %s at %d jumps to %d", ErrUnresolvedTarget, in.Opcode, in.Offset, d)
			}
			t.leaders[d] = true
		}
		if endsRegion(in.Opcode) && i+1 < len(insns) {
			t.leaders[insns[i+1].Offset] = true
		}
	}

	slot := 0
	if !t.method.IsStatic() {
		t.args[0] = &Local{Name: "this", T: t.owner}
		slot = 1
	}
	mt, err := classfile.ParseMethodDescriptor(t.method.Descriptor)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
	}
	for i, p := range mt.Params {
		t.args[slot] = &Local{Name: "arg$" + strconv.Itoa(i), T: p}
		slot += classfile.SlotSize(p)
	}
	return nil
}

func endsRegion(op classfile.Opcode) bool {
	switch {
	case op.IsConditional(), op.IsReturn():
		return true
	}
	switch op {
	case classfile.Goto, classfile.GotoW, classfile.Tableswitch, classfile.Lookupswitch,
		classfile.Athrow, classfile.Jsr, classfile.JsrW, classfile.Ret:
		return true
	}
	return false
}

// explore translates regions reachable from the entry, then from every
// handler whose protected range saw translated code, until nothing new is
// reached.
func (t *translator) explore() error {
	t.frames[0] = nil
	queue := []int{0}
	started := map[*handler]bool{}
	for {
		for len(queue) > 0 {
			off := queue[0]
			queue = queue[1:]
			if _, done := t.regions[off]; done {
				continue
			}
			next, err := t.region(off)
			if err != nil {
				return err
			}
			for _, s := range next {
				prev, seen := t.frames[s.offset]
				if !seen {
					t.frames[s.offset] = s.frame
				} else if len(prev) != len(s.frame) {
					return fmt.Errorf("%w: offset %d reached with depth %d and %d", ErrInconsistentStack, s.offset, len(prev), len(s.frame))
				}
				queue = append(queue, s.offset)
			}
		}
		for _, h := range t.handlers {
			if started[h] || !t.protectsVisited(h) {
				continue
			}
			started[h] = true
			queue = append(queue, h.pc)
		}
		if len(queue) == 0 {
			return nil
		}
	}
}

func (t *translator) protectsVisited(h *handler) bool {
	for off := range t.visited {
		if h.covers(off) {
			return true
		}
	}
	return false
}

type successor struct {
	offset int
	frame  []string
}

// region translates the straight-line bytecode starting at leader off.
func (t *translator) region(off int) ([]successor, error) {
	t.out = nil
	t.stack = t.stack[:0]
	if h, ok := t.byPC[off]; ok {
		t.cur = t.insns[t.index[off]]
		t.emit(&CatchInst{At: t.pos(), Throwable: h.local, Types: h.types})
		t.stack = append(t.stack, h.local)
	} else {
		for i, typ := range t.frames[off] {
			t.stack = append(t.stack, stackLocal(i, typ))
		}
	}

	var next []successor
	for i := t.index[off]; ; {
		in := t.insns[i]
		t.cur = in
		t.visited[in.Offset] = true
		succ, done := t.step(in)
		if t.err != nil {
			return nil, fmt.Errorf("%s at %d: %w", in.Opcode, in.Offset, t.err)
		}
		if done {
			next = succ
			break
		}
		i++
		if i == len(t.insns) {
			return nil, fmt.Errorf("%w: after %s at %d", ErrFallOffEnd, in.Opcode, in.Offset)
		}
		if t.leaders[t.insns[i].Offset] {
			next = []successor{{offset: t.insns[i].Offset, frame: t.spill()}}
			break
		}
	}
	t.regions[off] = t.out
	return next, nil
}

func stackLocal(depth int, typ string) *Local {
	return &Local{Name: "$stack" + strconv.Itoa(depth), T: typ}
}

func (t *translator) pos() Pos {
	return Pos{Offset: t.cur.Offset, Line: t.code.Line(t.cur.Offset)}
}

func (t *translator) emit(inst Inst) { t.out = append(t.out, inst) }

func (t *translator) push(v Value) { t.stack = append(t.stack, v) }

func (t *translator) pop() Value {
	if len(t.stack) == 0 {
		if t.err == nil {
			t.err = fmt.Errorf("%w: operand stack underflow", ErrMalformedBytecode)
		}
		return &Const{T: "int", Text: "0"}
	}
	v := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return v
}

func (t *translator) popN(n int) []Value {
	out := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = t.pop()
	}
	return out
}

func wide(v Value) bool {
	typ := v.Type()
	return typ == "long" || typ == "double"
}

// tmp evaluates e into a fresh temporary.
func (t *translator) tmp(e Expr) *Local {
	typ := e.Type()
	if typ == "null" {
		typ = "java.lang.Object"
	}
	l := &Local{Name: "$" + strconv.Itoa(t.temps), T: typ}
	t.temps++
	t.emit(&AssignInst{At: t.pos(), LHS: l, RHS: e})
	return l
}

func (t *translator) local(slot int, typ string) *Local {
	if a, ok := t.args[slot]; ok {
		return a
	}
	return &Local{Name: "%" + strconv.Itoa(slot), T: typ}
}

// materialize copies stack entries that still refer to name, before the
// variable is overwritten.
func (t *translator) materialize(name string) {
	for i, v := range t.stack {
		if l, ok := v.(*Local); ok && l.Name == name {
			t.stack[i] = t.tmp(l)
		}
	}
}

// spill moves the operand stack into $stackN locals and returns its types.
func (t *translator) spill() []string {
	if len(t.stack) == 0 {
		return nil
	}
	for i, v := range t.stack {
		if l, ok := v.(*Local); ok && isStackLocal(l) && l.Name != stackLocal(i, "").Name {
			t.stack[i] = t.tmp(l)
		}
	}
	frame := make([]string, len(t.stack))
	for i, v := range t.stack {
		typ := v.Type()
		if typ == "null" {
			typ = "java.lang.Object"
		}
		frame[i] = typ
		dst := stackLocal(i, typ)
		if l, ok := v.(*Local); ok && l.Name == dst.Name {
			continue
		}
		t.emit(&AssignInst{At: t.pos(), LHS: dst, RHS: v})
	}
	return frame
}

func isStackLocal(l *Local) bool {
	return len(l.Name) > 6 && l.Name[:6] == "$stack"
}

var (
	kindTypes  = [...]string{"int", "long", "float", "double", "java.lang.Object"}
	arrayTypes = [...]string{"int", "long", "float", "double", "java.lang.Object", "byte", "char", "short"}
	arithOps   = [...]string{"+", "-", "*", "/", "%"}
	bitOps     = [...]string{"<<", ">>", ">>>", "&", "|", "^"}
	convTypes  = [...]string{"long", "float", "double", "int", "float", "double", "int", "long", "double", "int", "long", "float", "byte", "char", "short"}
	condOps    = [...]string{"==", "!=", "<", ">=", ">", "<="}
	newarrays  = map[int]string{4: "boolean", 5: "char", 6: "float", 7: "double", 8: "byte", 9: "short", 10: "int", 11: "long"}
)

func (t *translator) next() int { return t.cur.Offset + t.cur.Length }

// step translates one instruction. done reports that the region ends here.
func (t *translator) step(in classfile.Instruction) (succ []successor, done bool) {
	op := in.Opcode
	switch {
	case op == classfile.Nop:
	case op == classfile.AconstNull:
		t.push(&Const{T: "null", Text: "null"})
	case op >= classfile.IconstM1 && op <= classfile.Iconst5:
		t.push(intConst(int(op) - int(classfile.Iconst0)))
	case op == classfile.Lconst0 || op == classfile.Lconst1:
		t.push(&Const{T: "long", Text: strconv.Itoa(int(op - classfile.Lconst0))})
	case op >= classfile.Fconst0 && op <= classfile.Fconst2:
		t.push(&Const{T: "float", Text: strconv.Itoa(int(op-classfile.Fconst0)) + ".0"})
	case op == classfile.Dconst0 || op == classfile.Dconst1:
		t.push(&Const{T: "double", Text: strconv.Itoa(int(op-classfile.Dconst0)) + ".0"})
	case op == classfile.Bipush || op == classfile.Sipush:
		t.push(intConst(in.Const))
	case op == classfile.Ldc || op == classfile.LdcW || op == classfile.Ldc2W:
		text, typ, err := t.pool.Literal(uint16(in.Index))
		if err != nil {
			t.err = fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
			return nil, false
		}
		t.push(&Const{T: typ, Text: text})

	case op >= classfile.Iload && op <= classfile.Aload:
		t.push(t.local(in.Index, kindTypes[op-classfile.Iload]))
	case op >= classfile.Iload0 && op <= classfile.Aload3:
		slot, _ := in.Local()
		t.push(t.local(slot, kindTypes[(op-classfile.Iload0)/4]))
	case op >= classfile.Iaload && op <= classfile.Saload:
		idx, arr := t.pop(), t.pop()
		typ := arrayTypes[op-classfile.Iaload]
		if op == classfile.Iaload+4 {
			typ = elementType(arr.Type())
		}
		t.push(t.tmp(&ArrayAccess{Array: arr, Index: idx, T: typ}))

	case op.IsStore():
		slot, _ := in.Local()
		kind := int(op - classfile.Istore)
		if op >= classfile.Istore0 {
			kind = int(op-classfile.Istore0) / 4
		}
		v := t.pop()
		typ := kindTypes[kind]
		if kind == 4 && v.Type() != "null" {
			typ = v.Type()
		}
		dst := t.local(slot, typ)
		t.materialize(dst.Name)
		t.emit(&AssignInst{At: t.pos(), LHS: dst, RHS: v})
	case op >= classfile.Iastore && op <= classfile.Sastore:
		v, idx, arr := t.pop(), t.pop(), t.pop()
		typ := arrayTypes[op-classfile.Iastore]
		if op == classfile.Iastore+4 {
			typ = elementType(arr.Type())
		}
		t.emit(&AssignInst{At: t.pos(), LHS: &ArrayAccess{Array: arr, Index: idx, T: typ}, RHS: v})

	case op >= classfile.Pop && op <= classfile.Swap:
		t.shuffle(op)

	case op >= classfile.Iadd && op <= classfile.Irem+3:
		rhs, lhs := t.pop(), t.pop()
		k := int(op - classfile.Iadd)
		t.push(t.tmp(&BinaryExpr{Op: arithOps[k/4], LHS: lhs, RHS: rhs, T: kindTypes[k%4]}))
	case op >= classfile.Ineg && op <= classfile.Dneg:
		t.push(t.tmp(&NegExpr{Operand: t.pop()}))
	case op >= classfile.Ishl && op <= classfile.Lxor:
		rhs, lhs := t.pop(), t.pop()
		k := int(op - classfile.Ishl)
		t.push(t.tmp(&BinaryExpr{Op: bitOps[k/2], LHS: lhs, RHS: rhs, T: kindTypes[k%2]}))
	case op == classfile.Iinc:
		dst := t.local(in.Index, "int")
		t.materialize(dst.Name)
		t.emit(&AssignInst{At: t.pos(), LHS: dst, RHS: &BinaryExpr{Op: "+", LHS: dst, RHS: intConst(in.Const), T: "int"}})
	case op >= classfile.I2l && op <= classfile.I2s:
		t.push(t.tmp(&CastExpr{Operand: t.pop(), T: convTypes[op-classfile.I2l]}))
	case op >= classfile.Lcmp && op <= classfile.Dcmpg:
		rhs, lhs := t.pop(), t.pop()
		name := [...]string{"cmp", "cmpl", "cmpg", "cmpl", "cmpg"}[op-classfile.Lcmp]
		t.push(t.tmp(&CmpExpr{Op: name, LHS: lhs, RHS: rhs}))

	case op.IsConditional():
		var cond *CondExpr
		switch {
		case op >= classfile.Ifeq && op <= classfile.Ifle:
			cond = &CondExpr{Op: condOps[op-classfile.Ifeq], LHS: t.pop(), RHS: intConst(0)}
		case op >= classfile.IfIcmpeq && op <= classfile.IfIcmple:
			rhs, lhs := t.pop(), t.pop()
			cond = &CondExpr{Op: condOps[op-classfile.IfIcmpeq], LHS: lhs, RHS: rhs}
		case op == classfile.IfAcmpeq || op == classfile.IfAcmpne:
			rhs, lhs := t.pop(), t.pop()
			cond = &CondExpr{Op: condOps[op-classfile.IfAcmpeq], LHS: lhs, RHS: rhs}
		default:
			null := &Const{T: "null", Text: "null"}
			cond = &CondExpr{Op: condOps[op-classfile.Ifnull], LHS: t.pop(), RHS: null}
		}
		if t.next() >= len(t.code.Bytecode) {
			t.err = ErrFallOffEnd
			return nil, true
		}
		frame := t.spill()
		t.emit(&IfInst{At: t.pos(), Cond: cond, True: Ref(in.Branch), False: Ref(t.next())})
		return []successor{{in.Branch, frame}, {t.next(), frame}}, true
	case op == classfile.Goto || op == classfile.GotoW:
		frame := t.spill()
		t.emit(&GotoInst{At: t.pos(), Target: Ref(in.Branch)})
		return []successor{{in.Branch, frame}}, true
	case op == classfile.Jsr || op == classfile.JsrW || op == classfile.Ret:
		t.err = fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op)
		return nil, true
	case op == classfile.Tableswitch || op == classfile.Lookupswitch:
		key := t.pop()
		frame := t.spill()
		sw := &SwitchInst{At: t.pos(), Key: key, Keys: in.Keys, Default: Ref(in.Default)}
		succ = append(succ, successor{in.Default, frame})
		for _, target := range in.Targets {
			sw.Targets = append(sw.Targets, Ref(target))
			succ = append(succ, successor{target, frame})
		}
		t.emit(sw)
		return succ, true
	case op.IsReturn():
		ret := &ReturnInst{At: t.pos()}
		if op != classfile.Return {
			ret.Value = t.pop()
		}
		t.emit(ret)
		return nil, true

	case op >= classfile.Getstatic && op <= classfile.Putfield:
		t.field(in)
	case op.IsInvoke():
		t.invoke(in)
	case op == classfile.New:
		t.push(t.tmp(&NewExpr{T: t.classType(in.Index)}))
	case op == classfile.Newarray:
		elem, ok := newarrays[in.Index]
		if !ok {
			t.err = fmt.Errorf("%w: newarray type %d", ErrMalformedBytecode, in.Index)
			return nil, false
		}
		t.push(t.tmp(&NewArrayExpr{T: elem + "[]", Dims: []Value{t.pop()}}))
	case op == classfile.Anewarray:
		elem := t.classType(in.Index)
		t.push(t.tmp(&NewArrayExpr{T: elem + "[]", Dims: []Value{t.pop()}}))
	case op == classfile.Multianewarray:
		typ := t.classType(in.Index)
		t.push(t.tmp(&NewArrayExpr{T: typ, Dims: t.popN(in.Const)}))
	case op == classfile.Arraylength:
		t.push(t.tmp(&LengthExpr{Array: t.pop()}))
	case op == classfile.Athrow:
		t.emit(&ThrowInst{At: t.pos(), Value: t.pop()})
		return nil, true
	case op == classfile.Checkcast:
		t.push(t.tmp(&CastExpr{Operand: t.pop(), T: t.classType(in.Index)}))
	case op == classfile.Instanceof:
		t.push(t.tmp(&InstanceOfExpr{Operand: t.pop(), Target: t.classType(in.Index)}))
	case op == classfile.Monitorenter:
		t.emit(&EnterMonitorInst{At: t.pos(), Monitor: t.pop()})
	case op == classfile.Monitorexit:
		t.emit(&ExitMonitorInst{At: t.pos(), Monitor: t.pop()})
	default:
		t.err = fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op)
	}
	return nil, false
}

// shuffle implements pop, pop2, the dup family and swap, honouring
// two-slot long and double values.
func (t *translator) shuffle(op classfile.Opcode) {
	switch op {
	case classfile.Pop:
		t.pop()
	case classfile.Pop2:
		if v := t.pop(); !wide(v) {
			t.pop()
		}
	case classfile.Dup:
		v := t.pop()
		t.push(v)
		t.push(v)
	case classfile.DupX1:
		v1, v2 := t.pop(), t.pop()
		t.pushAll(v1, v2, v1)
	case classfile.DupX2:
		v1, v2 := t.pop(), t.pop()
		if wide(v2) {
			t.pushAll(v1, v2, v1)
			return
		}
		v3 := t.pop()
		t.pushAll(v1, v3, v2, v1)
	case classfile.Dup2:
		v1 := t.pop()
		if wide(v1) {
			t.pushAll(v1, v1)
			return
		}
		v2 := t.pop()
		t.pushAll(v2, v1, v2, v1)
	case classfile.Dup2X1:
		v1, v2 := t.pop(), t.pop()
		if wide(v1) {
			t.pushAll(v1, v2, v1)
			return
		}
		v3 := t.pop()
		t.pushAll(v2, v1, v3, v2, v1)
	case classfile.Dup2X2:
		v1, v2 := t.pop(), t.pop()
		switch {
		case wide(v1) && wide(v2):
			t.pushAll(v1, v2, v1)
		case wide(v1):
			v3 := t.pop()
			t.pushAll(v1, v3, v2, v1)
		default:
			v3 := t.pop()
			if wide(v3) {
				t.pushAll(v2, v1, v3, v2, v1)
				return
			}
			v4 := t.pop()
			t.pushAll(v2, v1, v4, v3, v2, v1)
		}
	case classfile.Swap:
		v1, v2 := t.pop(), t.pop()
		t.pushAll(v1, v2)
	}
}

func (t *translator) pushAll(vs ...Value) {
	for _, v := range vs {
		t.push(v)
	}
}

func (t *translator) field(in classfile.Instruction) {
	ref, err := t.pool.Member(uint16(in.Index))
	if err != nil {
		t.err = fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
		return
	}
	typ, err := classfile.FieldTypeName(ref.Descriptor)
	if err != nil {
		t.err = fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
		return
	}
	f := &FieldRef{Owner: ref.OwnerClassName(), Name: ref.Name, T: typ}
	switch in.Opcode {
	case classfile.Getstatic:
		t.push(t.tmp(f))
	case classfile.Putstatic:
		t.emit(&AssignInst{At: t.pos(), LHS: f, RHS: t.pop()})
	case classfile.Getfield:
		f.Instance = t.pop()
		t.push(t.tmp(f))
	case classfile.Putfield:
		v := t.pop()
		f.Instance = t.pop()
		t.emit(&AssignInst{At: t.pos(), LHS: f, RHS: v})
	}
}

var callKinds = map[classfile.Opcode]CallKind{
	classfile.Invokevirtual:   CallVirtual,
	classfile.Invokespecial:   CallSpecial,
	classfile.Invokestatic:    CallStatic,
	classfile.Invokeinterface: CallInterface,
	classfile.Invokedynamic:   CallDynamic,
}

func (t *translator) invoke(in classfile.Instruction) {
	kind := callKinds[in.Opcode]
	var (
		ref classfile.MemberRef
		err error
	)
	if kind == CallDynamic {
		ref, err = t.pool.InvokeDynamic(uint16(in.Index))
	} else {
		ref, err = t.pool.Member(uint16(in.Index))
	}
	if err != nil {
		t.err = fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
		return
	}
	mt, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		t.err = fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
		return
	}
	call := &CallExpr{Kind: kind, Name: ref.Name, Descriptor: ref.Descriptor, T: mt.Return}
	if ref.Owner != "" {
		call.Owner = ref.OwnerClassName()
	}
	call.Args = t.popN(len(mt.Params))
	if kind != CallStatic && kind != CallDynamic {
		call.Instance = t.pop()
	}
	if mt.Return == "void" {
		t.emit(&CallInst{At: t.pos(), Call: call})
		return
	}
	t.push(t.tmp(call))
}

// classType resolves a Class constant to a Java type name; array classes
// are given as descriptors.
func (t *translator) classType(idx int) string {
	name, err := t.pool.Class(uint16(idx))
	if err != nil {
		t.err = fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
		return "java.lang.Object"
	}
	if len(name) > 0 && name[0] == '[' {
		typ, err := classfile.FieldTypeName(name)
		if err != nil {
			t.err = fmt.Errorf("%w: %v", ErrMalformedBytecode, err)
			return "java.lang.Object"
		}
		return typ
	}
	return classfile.ClassName(name)
}

func elementType(array string) string {
	if n := len(array); n > 2 && array[n-2:] == "[]" {
		return array[:n-2]
	}
	return "java.lang.Object"
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
