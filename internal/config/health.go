package config

import (
	"context"
	"os"
	"strings"

	"gopkg.in/ini.v1"

	"aires/internal/health"
	"aires/internal/types"
)

// GetRaw reads one key's raw string straight from the INI file,
// case-insensitively. Used by the config CLI surface.
func (s *Store) GetRaw(section, key string) (string, error) {
	file, err := ini.Load(s.path)
	if err != nil {
		return "", types.NewError(types.CodeConfigLoadError, "parse config", err)
	}
	sec := findSection(file, section)
	if sec == nil {
		return "", types.NewError(types.CodeConfigValidationError, "section not found: "+section, nil)
	}
	k := findKey(sec, key)
	if k == nil {
		return "", types.NewError(types.CodeConfigValidationError, "key not found: "+section+"."+key, nil)
	}
	return k.String(), nil
}

// HealthProbe reports Unhealthy when a critical field is missing,
// Degraded when typed values fell back to defaults during binding.
func (s *Store) HealthProbe() health.Probe {
	return func(_ context.Context) health.Status {
		st := health.Status{State: health.StateHealthy, Diagnostics: map[string]string{"path": s.path}}

		if _, err := os.Stat(s.path); err != nil {
			st.State = health.StateDegraded
			st.FailureReasons = []string{"config file missing, running on defaults"}
		}

		cfg := s.Get()
		if problems := cfg.Validate(); len(problems) > 0 {
			st.State = health.StateUnhealthy
			st.FailureReasons = problems
			return st
		}
		if len(cfg.Warnings) > 0 {
			st.State = health.StateDegraded
			st.FailureReasons = append(st.FailureReasons, cfg.Warnings...)
			st.Diagnostics["warnings"] = strings.Join(cfg.Warnings, "; ")
		}
		return st
	}
}
