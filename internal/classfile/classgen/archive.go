package classgen

import (
	"archive/zip"
	"os"
	"path/filepath"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
)

// WriteJar writes the classes into a jar at path.
func WriteJar(path string, classes ...*Class) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, c := range classes {
		data, err := c.Build()
		if err != nil {
			f.Close()
			return err
		}
		w, err := zw.Create(c.Name + ".class")
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(data); err != nil {
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteDir writes the classes as a class directory rooted at dir.
func WriteDir(dir string, classes ...*Class) error {
	for _, c := range classes {
		data, err := c.Build()
		if err != nil {
			return err
		}
		path := filepath.Join(dir, filepath.FromSlash(c.Name)+".class")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// Simple returns a class with a no-arg constructor and one field, the
// smallest shape most fixtures need.
func Simple(name, super string) *Class {
	c := New(name, super)
	c.AddField(0, "value", "I")
	ctor := NewCode(1, 1).
		Emit(classfile.Aload0).
		U2(classfile.Invokespecial, c.MethodRef(c.Super, "<init>", "()V")).
		Emit(classfile.Return)
	c.AddMethod(classfile.AccPublic, "<init>", "()V", ctor)
	return c
}
