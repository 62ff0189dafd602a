package booklet

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aires/internal/health"
	"aires/internal/types"
)

func TestStoreSave(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, StoreOptions{}, zap.NewNop(), nil)

	saved, err := s.Save(sampleBooklet(), "build-001.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "build-001.md"), saved)

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Error Research Booklet")

	t.Run("no temp file left behind", func(t *testing.T) {
		_, err := os.Stat(saved + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("nested relative paths create directories", func(t *testing.T) {
		saved, err := s.Save(sampleBooklet(), filepath.Join("proj", "a", "build-002.md"))
		require.NoError(t, err)
		assert.FileExists(t, saved)
	})
}

func TestStoreSaveUnauthorized(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits not enforced here")
	}
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o555))
	t.Cleanup(func() { os.Chmod(root, 0o755) })

	s := NewStore(root, StoreOptions{}, zap.NewNop(), nil)
	_, err := s.Save(sampleBooklet(), "denied.md")
	require.Error(t, err)
	assert.Equal(t, types.CodeBookletSaveUnauthorized, types.CodeOf(err))
}

func TestStoreHealthProbe(t *testing.T) {
	t.Run("healthy on a writable root", func(t *testing.T) {
		s := NewStore(t.TempDir(), StoreOptions{}, zap.NewNop(), nil)
		st := s.HealthProbe()(context.Background())
		assert.Equal(t, health.StateHealthy, st.State)
		assert.NotEmpty(t, st.Diagnostics["freeMB"])
	})

	t.Run("root is created when missing", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "not-yet")
		s := NewStore(root, StoreOptions{}, zap.NewNop(), nil)
		st := s.HealthProbe()(context.Background())
		assert.Equal(t, health.StateHealthy, st.State)
		assert.DirExists(t, root)
	})

	t.Run("degraded below the warning threshold", func(t *testing.T) {
		// An absurdly high warning threshold forces the Degraded branch
		// without needing a nearly-full disk.
		s := NewStore(t.TempDir(), StoreOptions{CriticalFreeMB: 1, WarningFreeMB: 1 << 30}, zap.NewNop(), nil)
		st := s.HealthProbe()(context.Background())
		assert.Equal(t, health.StateDegraded, st.State)
	})
}
