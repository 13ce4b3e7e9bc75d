package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOPF = `<?xml version="1.0" encoding="utf-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>The Broken Cycle</dc:title>
    <dc:creator>A. Bertram Chandler</dc:creator>
  </metadata>
</package>`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScanSearchStats(t *testing.T) {
	library := t.TempDir()
	data := filepath.Join(t.TempDir(), "data")
	bookDir := filepath.Join(library, "A. Bertram Chandler", "The Broken Cycle")
	require.NoError(t, os.MkdirAll(bookDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bookDir, "metadata.opf"), []byte(testOPF), 0o644))

	out, err := run(t, "scan", "--root", library, "--data-dir", data, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Indexed:         1")

	out, err = run(t, "search", "--data-dir", data, "--log-level", "error", "broken")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1. The Broken Cycle")

	out, err = run(t, "search", "--author", "--data-dir", data, "--log-level", "error", "chand*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "A. Bertram Chandler")

	out, err = run(t, "stats", "--data-dir", data, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Books in database: 1")

	out, err = run(t, "get-book", "1", "--data-dir", data, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "No summary available")

	out, err = run(t, "reindex", "--data-dir", data, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Indexed 1/1 books")
}

func TestScanRequiresRoot(t *testing.T) {
	_, err := run(t, "scan", "--data-dir", t.TempDir())
	assert.Error(t, err)
}
