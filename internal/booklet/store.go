package booklet

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"aires/internal/health"
	"aires/internal/metrics"
	"aires/internal/types"
)

// Store writes rendered booklets under the output root.
type Store struct {
	root   string
	logger *zap.Logger
	m      *metrics.Registry

	// Free-space thresholds in bytes for the disk health probe.
	criticalFree uint64
	warningFree  uint64
}

// StoreOptions tunes persistence. Zero thresholds take the defaults
// (100 MB critical, 500 MB warning).
type StoreOptions struct {
	CriticalFreeMB int
	WarningFreeMB  int
}

// NewStore builds a store rooted at dir. metrics may be nil in tests.
func NewStore(root string, opts StoreOptions, logger *zap.Logger, m *metrics.Registry) *Store {
	if opts.CriticalFreeMB <= 0 {
		opts.CriticalFreeMB = 100
	}
	if opts.WarningFreeMB <= 0 {
		opts.WarningFreeMB = 500
	}
	return &Store{
		root:         root,
		logger:       logger.Named("booklet"),
		m:            m,
		criticalFree: uint64(opts.CriticalFreeMB) * 1024 * 1024,
		warningFree:  uint64(opts.WarningFreeMB) * 1024 * 1024,
	}
}

// Save renders the booklet and writes it atomically to root/relPath.
// Returns the final absolute path. Directory creation is idempotent.
func (s *Store) Save(b *types.Booklet, relPath string) (string, error) {
	final, err := filepath.Abs(filepath.Join(s.root, relPath))
	if err != nil {
		return "", saveError(err, relPath)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", saveError(err, relPath)
	}

	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(Render(b)), 0o644); err != nil {
		return "", saveError(err, relPath)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", saveError(err, relPath)
	}

	if s.m != nil {
		s.m.BookletsSaved.Inc()
		s.m.MarkEvent("booklet_saved")
	}
	s.logger.Info("booklet saved",
		zap.String("bookletId", b.BookletID.String()),
		zap.String("path", final))
	return final, nil
}

// SuggestedName derives the booklet filename from the input file:
// build-001.txt becomes build-001.md.
func SuggestedName(sourceFile string) string {
	base := filepath.Base(sourceFile)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + ".md"
}

func saveError(err error, relPath string) error {
	msg := fmt.Sprintf("saving booklet %s", relPath)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return types.NewError(types.CodeBookletSaveUnauthorized, msg, err)
	case errors.Is(err, fs.ErrNotExist):
		return types.NewError(types.CodeBookletSaveDirNotFound, msg, err)
	default:
		return types.NewError(types.CodeBookletSaveError, msg, err)
	}
}

// HealthProbe checks that the output root exists (creating it if needed),
// is writable, and has enough free space.
func (s *Store) HealthProbe() health.Probe {
	return func(_ context.Context) health.Status {
		st := health.Status{State: health.StateHealthy, Diagnostics: map[string]string{"root": s.root}}

		if err := os.MkdirAll(s.root, 0o755); err != nil {
			st.State = health.StateUnhealthy
			st.FailureReasons = []string{"output root not creatable: " + err.Error()}
			return st
		}

		probe := filepath.Join(s.root, ".aires-health")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			st.State = health.StateUnhealthy
			st.FailureReasons = []string{"output root not writable: " + err.Error()}
			return st
		}
		os.Remove(probe)

		free, err := freeBytes(s.root)
		if err != nil {
			st.State = health.StateDegraded
			st.FailureReasons = []string{"free space unknown: " + err.Error()}
			return st
		}
		st.Diagnostics["freeMB"] = fmt.Sprintf("%d", free/(1024*1024))
		switch {
		case free < s.criticalFree:
			st.State = health.StateUnhealthy
			st.FailureReasons = []string{fmt.Sprintf("free space below critical threshold (%d MB)", s.criticalFree/(1024*1024))}
		case free < s.warningFree:
			st.State = health.StateDegraded
			st.FailureReasons = []string{fmt.Sprintf("free space below warning threshold (%d MB)", s.warningFree/(1024*1024))}
		}
		return st
	}
}
