package location

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// jmodMagic precedes the zip payload of a .jmod file.
var jmodMagic = []byte{'J', 'M', 1, 0}

// jmodClassPrefix is where a jmod keeps its class files.
const jmodClassPrefix = "classes/"

type archive struct {
	zr     *zip.Reader
	closer io.Closer
	prefix string
}

func openArchive(path string, kind Kind) (*archive, error) {
	if kind == KindJMod {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(data, jmodMagic) {
			return nil, fmt.Errorf("jmod %s: bad header", path)
		}
		payload := data[len(jmodMagic):]
		zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
		if err != nil {
			return nil, fmt.Errorf("jmod %s: %w", path, err)
		}
		return &archive{zr: zr, closer: io.NopCloser(nil), prefix: jmodClassPrefix}, nil
	}
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("jar %s: %w", path, err)
	}
	return &archive{zr: &rc.Reader, closer: rc}, nil
}

func (a *archive) Close() error { return a.closer.Close() }

func (a *archive) walk(ctx context.Context, fn func(name string, data []byte) error) error {
	for _, f := range a.zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() || !strings.HasPrefix(f.Name, a.prefix) {
			continue
		}
		entry := strings.TrimPrefix(f.Name, a.prefix)
		if strings.HasPrefix(entry, "META-INF/") {
			continue
		}
		name, ok := className(entry)
		if !ok {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		if err := fn(name, data); err != nil {
			return err
		}
	}
	return nil
}

func (a *archive) read(name string) ([]byte, error) {
	want := a.prefix + entryName(name)
	for _, f := range a.zr.File {
		if f.Name == want {
			return readEntry(f)
		}
	}
	return nil, ErrClassNotFound
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}
