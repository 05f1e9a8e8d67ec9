package domain_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/reglet-dev/filament-host/"

// TestDomainHasNoExternalDependencies verifies that domain packages only
// import each other. Runtime, storage and transport layers depend on the
// domain, never the reverse.
func TestDomainHasNoExternalDependencies(t *testing.T) {
	fset := token.NewFileSet()
	var checked int

	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		checked++
		checkFileImports(t, fset, path)
		return nil
	})
	require.NoError(t, err)
	assert.NotZero(t, checked, "no domain files found")
}

func checkFileImports(t *testing.T, fset *token.FileSet, filename string) {
	t.Helper()

	f, err := parser.ParseFile(fset, filename, nil, parser.ImportsOnly)
	require.NoError(t, err, "failed to parse %s", filename)

	for _, imp := range f.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		if !strings.HasPrefix(importPath, modulePath) {
			continue
		}
		assert.True(t, strings.HasPrefix(importPath, modulePath+"domain/"),
			"%s imports %s (domain must not depend on outer layers)", filename, importPath)
	}
}

// TestEntitiesAreLeaf verifies that entities imports no other package of
// the module.
func TestEntitiesAreLeaf(t *testing.T) {
	fset := token.NewFileSet()
	files, err := filepath.Glob(filepath.Join("entities", "*.go"))
	require.NoError(t, err)

	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		require.NoError(t, err)
		for _, imp := range f.Imports {
			assert.NotContains(t, strings.Trim(imp.Path.Value, `"`), modulePath,
				"entities/%s must not import module packages", filepath.Base(file))
		}
	}
}
