package classfile_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/classfile/classgen"
)

func TestOpcodeNames(t *testing.T) {
	tests := map[classfile.Opcode]string{
		classfile.Nop:             "nop",
		classfile.Istore0:         "istore_0",
		classfile.Iinc:            "iinc",
		classfile.Goto:            "goto",
		classfile.Getstatic:       "getstatic",
		classfile.Invokeinterface: "invokeinterface",
		classfile.Athrow:          "athrow",
		classfile.Monitorenter:    "monitorenter",
		classfile.JsrW:            "jsr_w",
	}
	for op, want := range tests {
		if got := op.String(); got != want {
			t.Errorf("Opcode(%d) = %q, want %q", uint8(op), got, want)
		}
	}
	if classfile.Opcode(202).Valid() {
		t.Error("opcode 202 reported valid")
	}
}

func TestDecodeBranches(t *testing.T) {
	code, err := classgen.NewCode(1, 2).
		Emit(classfile.Iload1).
		Jump(classfile.Ifeq, "else").
		Emit(classfile.Iconst1).
		Jump(classfile.Goto, "end").
		Mark("else").Emit(classfile.Iconst0).
		Mark("end").Emit(classfile.Istore, 1).
		Emit(classfile.Wide, byte(classfile.Iinc), 0, 1, 0xFF, 0xFE).
		Emit(classfile.Return).
		Assemble()
	if err != nil {
		t.Fatal(err)
	}
	insts, err := classfile.DecodeCode(code)
	if err != nil {
		t.Fatal(err)
	}
	type row struct {
		Offset int
		Op     string
		Branch int
		Index  int
		Const  int
	}
	var got []row
	for _, in := range insts {
		got = append(got, row{in.Offset, in.Opcode.String(), in.Branch, in.Index, in.Const})
	}
	want := []row{
		{0, "iload_1", 0, 0, 0},
		{1, "ifeq", 8, 0, 0},
		{4, "iconst_1", 0, 0, 0},
		{5, "goto", 9, 0, 0},
		{8, "iconst_0", 0, 0, 0},
		{9, "istore", 0, 1, 0},
		{11, "iinc", 0, 1, -2},
		{17, "return", 0, 0, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if slot, ok := insts[0].Local(); !ok || slot != 1 {
		t.Errorf("iload_1 local = %d, %v", slot, ok)
	}
	if !insts[6].Wide {
		t.Error("iinc not marked wide")
	}
}

func TestDecodeSwitches(t *testing.T) {
	code, err := classgen.NewCode(1, 1).
		Emit(classfile.Iload0).
		TableSwitch(3, "d", "a", "b").
		Mark("a").Emit(classfile.Iload0).
		LookupSwitch("d", []int32{-5, 100}, []string{"b", "d"}).
		Mark("b").Emit(classfile.Return).
		Mark("d").Emit(classfile.Return).
		Assemble()
	if err != nil {
		t.Fatal(err)
	}
	insts, err := classfile.DecodeCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 6 {
		t.Fatalf("got %d instructions", len(insts))
	}
	table, lookup := insts[1], insts[3]
	b, d := insts[4].Offset, insts[5].Offset
	a := insts[2].Offset
	opts := cmpopts.EquateEmpty()
	if diff := cmp.Diff([]int{3, 4}, table.Keys, opts); diff != "" {
		t.Errorf("table keys:\n%s", diff)
	}
	if diff := cmp.Diff([]int{a, b}, table.Targets, opts); diff != "" {
		t.Errorf("table targets:\n%s", diff)
	}
	if table.Default != d || lookup.Default != d {
		t.Errorf("defaults = %d/%d, want %d", table.Default, lookup.Default, d)
	}
	if diff := cmp.Diff([]int{-5, 100}, lookup.Keys); diff != "" {
		t.Errorf("lookup keys:\n%s", diff)
	}
	if diff := cmp.Diff([]int{b, d}, lookup.Targets); diff != "" {
		t.Errorf("lookup targets:\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string][]byte{
		"invalid opcode":   {0xFE},
		"truncated sipush": {byte(classfile.Sipush), 0},
		"bad wide":         {byte(classfile.Wide), byte(classfile.Iadd), 0, 0},
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := classfile.DecodeCode(code); err == nil {
				t.Error("expected error")
			}
		})
	}
}
