package sandbox

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/logging"
)

func newTemplate(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "template")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "input", "met"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Tay_LibraryFile.xml"), []byte("<ShetranInput/>\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input", "met", "precip.csv"), []byte("1,2,3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prepare.sh"), []byte("#!/bin/sh\n"), 0o755))
	return dir
}

func newManager(t *testing.T) (*Manager, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	m, err := New(filepath.Join(t.TempDir(), "runs"), newTemplate(t), logging.New(logging.DebugLevel, &buf))
	require.NoError(t, err)
	return m, &buf
}

func TestAcquireCopiesTemplate(t *testing.T) {
	m, _ := newManager(t)

	path, err := m.Acquire("a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "a1b2c3"), path)

	data, err := os.ReadFile(filepath.Join(path, "input", "met", "precip.csv"))
	require.NoError(t, err)
	assert.Equal(t, "1,2,3\n", string(data))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(path, "prepare.sh"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	}

	m.Release(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireIsExclusive(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.Acquire("same")
	require.NoError(t, err)
	_, err = m.Acquire("same")
	require.Error(t, err)
	assert.Equal(t, apperr.KindEvaluation, apperr.KindOf(err))
}

func TestAcquireRejectsBadRunID(t *testing.T) {
	m, _ := newManager(t)
	for _, id := range []string{"", ".", "..", "../escape", "a/b"} {
		_, err := m.Acquire(id)
		assert.Error(t, err, id)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	m, _ := newManager(t)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path, err := m.Acquire(fmt.Sprintf("run-%02d", i))
			if err != nil {
				errs <- err
				return
			}
			m.Release(path)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	left, err := m.Leftovers()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestReleaseRefusesOutsideRoot(t *testing.T) {
	m, buf := newManager(t)

	outside := t.TempDir()
	m.Release(outside)
	m.Release(m.Root())

	_, err := os.Stat(outside)
	assert.NoError(t, err)
	_, err = os.Stat(m.Root())
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "Refusing to remove path outside runs directory")
}

func TestLeftovers(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Acquire("b")
	require.NoError(t, err)
	_, err = m.Acquire("a")
	require.NoError(t, err)

	left, err := m.Leftovers()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, left)
}

func TestNewRejectsBadLayout(t *testing.T) {
	tmp := t.TempDir()

	_, err := New(filepath.Join(tmp, "runs"), filepath.Join(tmp, "missing"), nil)
	assert.True(t, apperr.IsConfiguration(err))

	file := filepath.Join(tmp, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New(filepath.Join(tmp, "runs"), file, nil)
	assert.True(t, apperr.IsConfiguration(err))

	template := newTemplate(t)
	_, err = New(filepath.Join(template, "runs"), template, nil)
	assert.True(t, apperr.IsConfiguration(err))
	assert.NoDirExists(t, filepath.Join(template, "runs"))

	_, err = New(template, template, nil)
	assert.True(t, apperr.IsConfiguration(err))
}

func TestNewRejectsTemplateInsideRuns(t *testing.T) {
	runs := t.TempDir()
	template := filepath.Join(runs, "template")
	require.NoError(t, os.MkdirAll(template, 0o755))

	_, err := New(runs, template, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))
}
