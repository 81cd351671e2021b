package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/DeusData/classpath-memory-mcp/internal/cfg"
	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
	"github.com/DeusData/classpath-memory-mcp/internal/classfile/classgen"
	"github.com/DeusData/classpath-memory-mcp/internal/location"
)

func printMethod(m *classfile.Method, class string, blocks bool) {
	fmt.Printf("=== %s.%s%s ===\n", class, m.Name, m.Descriptor)
	g, err := cfg.Build(m, class)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Print(g)
	if blocks {
		fmt.Println("--- blocks ---")
		fmt.Print(g.Blocks())
	}
	fmt.Println()
}

// sample is a counting loop used when no location is given.
func sample() []byte {
	const static = classfile.AccPublic | classfile.AccStatic
	c := classgen.New("sample/Loop", "")
	c.AddMethod(static, "sum", "(I)I", classgen.NewCode(2, 2).
		Emit(classfile.Iconst0).Emit(classfile.Istore1).
		Mark("top").
		Emit(classfile.Iload0).Jump(classfile.Ifle, "end").
		Emit(classfile.Iload1).Emit(classfile.Iload0).Emit(classfile.Iadd).Emit(classfile.Istore1).
		Emit(classfile.Iinc, 0, 0xff).
		Jump(classfile.Goto, "top").
		Mark("end").
		Emit(classfile.Iload1).Emit(classfile.Ireturn))
	return c.Bytes()
}

func main() {
	method := flag.String("method", "", "Only dump methods with this name")
	blocks := flag.Bool("blocks", true, "Also dump the basic block graph")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: cfg_debug [-method name] [-blocks=false] [<jar|dir> <class>]")
		flag.PrintDefaults()
	}
	flag.Parse()

	var data []byte
	switch flag.NArg() {
	case 0:
		data = sample()
	case 2:
		loc, err := location.FromPath(flag.Arg(0), false)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		if data, err = loc.Resolve(flag.Arg(1)); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}

	cf, err := classfile.Parse(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	class := cf.ClassName()
	for _, m := range cf.Methods {
		if *method != "" && m.Name != *method {
			continue
		}
		if m.Code == nil {
			fmt.Printf("=== %s.%s%s === (no code)\n\n", class, m.Name, m.Descriptor)
			continue
		}
		printMethod(m, class, *blocks)
	}
}
