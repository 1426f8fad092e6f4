package procmeta

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc creates <root>/<pid>/cmdline and, if exe is set, an exe symlink.
func fakeProc(t *testing.T, root string, pid uint32, cmdline, exe string) {
	t.Helper()
	dir := filepath.Join(root, strconv.FormatUint(uint64(pid), 10))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o600))
	if exe != "" {
		require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
	}
}

func TestRead(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, 1234, "iperf3\x00-u\x00", "/usr/bin/iperf3")

	md, err := Read(root, 1234)
	require.NoError(t, err)
	assert.Equal(t, []string{"iperf3", "-u"}, md.Args)
	assert.Equal(t, "iperf3 -u", md.CmdlineFull)
	assert.Equal(t, "/usr/bin/iperf3", md.Executable)
}

func TestRead_Cmdline(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"single", "nc\x00", []string{"nc"}},
		{"args", "iperf3\x00-u\x00-c\x0010.0.0.1\x00", []string{"iperf3", "-u", "-c", "10.0.0.1"}},
		{"no trailing nul", "a\x00b", []string{"a", "b"}},
		{"empty arg", "a\x00\x00b\x00", []string{"a", "", "b"}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			pid := uint32(100 + i)
			fakeProc(t, root, pid, tt.raw, "")

			md, err := Read(root, pid)
			require.NoError(t, err)
			assert.Equal(t, tt.want, md.Args)
		})
	}
}

func TestRead_NoExe(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, 2, "", "")

	md, err := Read(root, 2)
	require.NoError(t, err)
	assert.Empty(t, md.Executable)
	assert.Empty(t, md.Args)
	assert.Empty(t, md.CmdlineFull)
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(t.TempDir(), 99)
	assert.ErrorContains(t, err, "pid 99")
}
