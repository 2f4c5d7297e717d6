package cryptdir

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemFS(t *testing.T) absfs.FileSystem {
	t.Helper()

	fs, err := memfs.NewFS()
	require.NoError(t, err)
	return fs
}

func collectEntries(t *testing.T, m *FileMap) map[string]string {
	t.Helper()

	got := make(map[string]string)
	require.NoError(t, m.ForEachEntry(func(plain, onDisk string) error {
		got[plain] = onDisk
		return nil
	}))
	return got
}

func TestFileMapBootstrap(t *testing.T) {
	m, err := NewFileMap(newMemFS(t), "mapname")
	require.NoError(t, err)
	defer m.Close()

	name, ok, err := m.Lookup(BootstrapKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "mapname", name)

	_, ok, err = m.Lookup("/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileMapConcurrentAddEntry(t *testing.T) {
	m, err := NewFileMap(newMemFS(t), "")
	require.NoError(t, err)
	defer m.Close()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.AddEntry(fmt.Sprintf("/dir/file-%d.txt", i), fmt.Sprintf("name%d", i)))
		}()
	}
	wg.Wait()

	got := collectEntries(t, m)
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("name%d", i), got[fmt.Sprintf("/dir/file-%d.txt", i)])
	}
}

func TestFileMapLineFormat(t *testing.T) {
	m, err := NewFileMap(newMemFS(t), "")
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.AddEntry("/b/c:d.txt", "xyz"))

	r, err := m.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, r.Close())
	require.NoError(t, err)

	want := base64.RawURLEncoding.EncodeToString([]byte("/b/c:d.txt")) + ":xyz\n"
	assert.Equal(t, want, string(data))
}

func TestFileMapRejectsBadNames(t *testing.T) {
	m, err := NewFileMap(newMemFS(t), "")
	require.NoError(t, err)
	defer m.Close()

	for _, name := range []string{"", "a:b", "a\nb"} {
		err := m.AddEntry("/x", name)
		assert.True(t, IsValidationError(err), "name %q", name)
	}
}

func TestFileMapSkipsMalformedLines(t *testing.T) {
	good := base64.RawURLEncoding.EncodeToString([]byte("/a.txt")) + ":aaa"
	input := strings.Join([]string{
		good,
		"no-separator",
		"a:b:c",
		"!!!notbase64:bbb",
		base64.RawURLEncoding.EncodeToString([]byte("/empty")) + ":",
		"",
		base64.URLEncoding.EncodeToString([]byte("/padded")) + ":ccc",
	}, "\n")

	m, err := LoadFileMap(newMemFS(t), strings.NewReader(input))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, map[string]string{
		"/a.txt":  "aaa",
		"/padded": "ccc",
	}, collectEntries(t, m))
}

func TestFileMapStopsOnCallbackError(t *testing.T) {
	m, err := NewFileMap(newMemFS(t), "")
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.AddEntry("/a", "1"))
	require.NoError(t, m.AddEntry("/b", "2"))

	stop := fmt.Errorf("stop")
	calls := 0
	err = m.ForEachEntry(func(string, string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestLoadFileMapLegacy(t *testing.T) {
	legacy := `[["fileMap","mapname"],["/a.txt","aaa"],["/b/c.txt","ccc"],["broken"],[1,2]]`

	m, err := LoadFileMap(newMemFS(t), bytes.NewReader([]byte("  \n"+legacy)))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, map[string]string{
		BootstrapKey: "mapname",
		"/a.txt":     "aaa",
		"/b/c.txt":   "ccc",
	}, collectEntries(t, m))
}

func TestParseLegacyFileMap(t *testing.T) {
	fs := newMemFS(t)

	m, err := ParseLegacyFileMap(fs, []byte(`{"fileMap":"x"}`))
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = ParseLegacyFileMap(fs, []byte(`[["a",`))
	assert.Error(t, err)

	_, err = LoadFileMap(fs, strings.NewReader(`[`))
	assert.Error(t, err)
}

func TestLoadFileMapEmpty(t *testing.T) {
	m, err := LoadFileMap(newMemFS(t), strings.NewReader(""))
	require.NoError(t, err)
	defer m.Close()

	assert.Empty(t, collectEntries(t, m))
}

func TestFileMapClose(t *testing.T) {
	fs := newMemFS(t)

	m, err := NewFileMap(fs, "mapname")
	require.NoError(t, err)
	p := m.Path()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = fs.Stat(p)
	assert.Error(t, err)

	assert.Error(t, m.AddEntry("/a", "b"))
	_, err = m.Open()
	assert.Error(t, err)
}

func TestFileMapBackingFileIsPrivate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	t.Setenv("TMPDIR", t.TempDir())
	fs := newHostFS(t)

	for name, open := range map[string]func() (*FileMap, error){
		"new":  func() (*FileMap, error) { return NewFileMap(fs, "mapname") },
		"load": func() (*FileMap, error) { return LoadFileMap(fs, strings.NewReader("")) },
	} {
		t.Run(name, func(t *testing.T) {
			m, err := open()
			require.NoError(t, err)
			defer m.Close()

			info, err := fs.Stat(m.Path())
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		})
	}
}
