package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPIDFile(t *testing.T, name string) *PIDFile {
	t.Helper()
	return NewPIDFile(filepath.Join(t.TempDir(), name))
}

func TestPIDFile_WriteReadRoundTrip(t *testing.T) {
	pf := newTestPIDFile(t, "crew-serve.pid")

	require.NoError(t, pf.WritePID(12345))

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestPIDFile_Write_RecordsCurrentProcess(t *testing.T) {
	pf := newTestPIDFile(t, "crew-serve.pid")

	require.NoError(t, pf.Write())

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_Read_MissingFile(t *testing.T) {
	pf := newTestPIDFile(t, "nonexistent.pid")

	_, err := pf.Read()
	assert.Error(t, err)
}

func TestPIDFile_Read_RejectsGarbage(t *testing.T) {
	pf := newTestPIDFile(t, "bad.pid")
	require.NoError(t, os.WriteFile(pf.Path, []byte("not-a-number\n"), 0o644))

	_, err := pf.Read()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file content")
}

func TestPIDFile_Read_RejectsNonPositive(t *testing.T) {
	pf := newTestPIDFile(t, "zero.pid")
	require.NoError(t, os.WriteFile(pf.Path, []byte("0\n"), 0o644))

	_, err := pf.Read()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file content")
}

func TestPIDFile_Remove(t *testing.T) {
	pf := newTestPIDFile(t, "crew-serve.pid")
	require.NoError(t, pf.WritePID(1))

	require.NoError(t, pf.Remove())

	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_Remove_MissingFile(t *testing.T) {
	pf := newTestPIDFile(t, "nonexistent.pid")

	assert.Error(t, pf.Remove())
}

func TestPIDFile_IsRunning_CurrentProcess(t *testing.T) {
	pf := newTestPIDFile(t, "crew-serve.pid")
	require.NoError(t, pf.Write())

	pid, running := pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_IsRunning_DeadProcess(t *testing.T) {
	pf := newTestPIDFile(t, "crew-serve.pid")

	// A PID far above any plausible live process.
	require.NoError(t, pf.WritePID(999999))

	pid, running := pf.IsRunning()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)
}

func TestPIDFile_IsRunning_NoFile(t *testing.T) {
	pf := newTestPIDFile(t, "nonexistent.pid")

	pid, running := pf.IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running)
}

func TestPIDFile_Signal_ZeroCheck(t *testing.T) {
	pf := newTestPIDFile(t, "crew-serve.pid")
	require.NoError(t, pf.Write())

	// Signal 0 checks existence without delivering anything.
	assert.NoError(t, pf.Signal(syscall.Signal(0)))
}

func TestPIDFile_Signal_NoFile(t *testing.T) {
	pf := newTestPIDFile(t, "nonexistent.pid")

	err := pf.Signal(syscall.Signal(0))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read PID file")
}
