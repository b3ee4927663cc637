package unit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBindLocalEndpointListens(t *testing.T) {
	dir := t.TempDir()
	p := NewPorts()
	defer p.Discard("control")

	require.NoError(t, p.Bind("control", Local(dir, "control.sock")))

	set := p.Acquire("control")
	require.Len(t, set, 1)
	for _, fd := range set {
		// A bound slot holds a live, listening descriptor.
		_, err := unix.Getsockname(fd)
		require.NoError(t, err)
	}
}

func TestBindRejectsNonSocketFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "occupied"), []byte("x"), 0o600))

	p := NewPorts()
	err := p.Bind("control", Local(dir, "occupied"))

	var conflict *PortConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestBindReplacesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()
	p := NewPorts()
	defer p.Discard("control")

	ep := Local(dir, "control.sock")
	require.NoError(t, p.Bind("control", ep))

	// Simulate a crashed predecessor: close our descriptor but leave the
	// socket file behind, then bind again.
	p.Close("control", ep)
	require.NoError(t, p.Bind("control", ep))
}

func TestBindCloseRestoresPriorState(t *testing.T) {
	dir := t.TempDir()
	p := NewPorts()
	defer p.Discard("control")

	before := p.Acquire("control")
	ep := Local(dir, "extra.sock")
	require.NoError(t, p.Bind("control", ep))
	p.Close("control", ep)

	require.Equal(t, before, p.Acquire("control"))
}

func TestReplaceComputesSymmetricDiff(t *testing.T) {
	dir := t.TempDir()
	p := NewPorts()
	defer p.Discard("control")

	keep := Local(dir, "keep.sock")
	drop := Local(dir, "drop.sock")
	add := Local(dir, "add.sock")
	require.NoError(t, p.Bind("control", keep, drop))
	keptFd := p.Acquire("control")[keep]

	closed, err := p.Replace("control", keep, add)
	require.NoError(t, err)
	require.Equal(t, []Endpoint{drop}, closed)

	set := p.Acquire("control")
	require.Len(t, set, 2)
	require.Equal(t, keptFd, set[keep])
	require.Contains(t, set, add)
}

func TestStoreLoadRoundTripsBindings(t *testing.T) {
	dir := t.TempDir()
	p := NewPorts()
	defer p.Discard("control")

	ep := Local(dir, "control.sock")
	require.NoError(t, p.Bind("control", ep))
	want := p.Acquire("control")

	blob, err := p.Store()
	require.NoError(t, err)

	restored := NewPorts()
	require.NoError(t, restored.Load(blob))
	require.Equal(t, want, restored.Acquire("control"))
}
