package service_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const chargewriterPkg = "github.com/Strob0t/MeterForge/internal/port/chargewriter"

// chargewriterImporters lists the only places allowed to import the
// chargewriter capability. Paths are relative to the module root; entries
// ending in "/" match a directory tree.
var chargewriterImporters = []string{
	"internal/service/ledger_writer.go",
	"internal/port/chargewriter/",
	"internal/adapter/postgres/",
	"internal/adapter/memory/",
	"cmd/",
}

func allowedImporter(rel string) bool {
	for _, a := range chargewriterImporters {
		if strings.HasSuffix(a, "/") && strings.HasPrefix(rel, a) {
			return true
		}
		if rel == a {
			return true
		}
	}
	return false
}

func TestOnlyLedgerWriterImportsChargewriter(t *testing.T) {
	root, err := filepath.Abs(filepath.Join("..", ".."))
	if err != nil {
		t.Fatal(err)
	}

	fset := token.NewFileSet()
	scanned := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		scanned++
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		for _, imp := range f.Imports {
			p, _ := strconv.Unquote(imp.Path.Value)
			if p == chargewriterPkg && !allowedImporter(rel) {
				t.Errorf("%s imports %s; only the ledger writer may charge accounts", rel, chargewriterPkg)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if scanned == 0 {
		t.Fatal("no Go files scanned")
	}
}
