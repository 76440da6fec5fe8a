package web

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stridenav/internal/config"
)

// SettingsPayload is the subset of the pipeline configuration exposed to
// the UI.
type SettingsPayload struct {
	UserHeightM        float64 `json:"user_height_m"`
	DefaultStepLengthM float64 `json:"default_step_length_m"`
	VerticalEnabled    bool    `json:"vertical_enabled"`
	AutoRecalibration  bool    `json:"auto_recalibration"`
}

// SettingsPayloadIn is the strict POST schema.
//
// All fields are required (no partial updates) to avoid hidden defaults.
type SettingsPayloadIn struct {
	UserHeightM        *float64 `json:"user_height_m"`
	DefaultStepLengthM *float64 `json:"default_step_length_m"`
	VerticalEnabled    *bool    `json:"vertical_enabled"`
	AutoRecalibration  *bool    `json:"auto_recalibration"`
}

var settingsPostKeys = []string{
	"user_height_m",
	"default_step_length_m",
	"vertical_enabled",
	"auto_recalibration",
}

func configToSettingsPayload(cfg config.Config) SettingsPayload {
	p := cfg.Pipeline
	return SettingsPayload{
		UserHeightM:        p.PDR.UserHeightM,
		DefaultStepLengthM: p.PDR.DefaultStepLengthM,
		VerticalEnabled:    p.PDR.VerticalEnabled == nil || *p.PDR.VerticalEnabled,
		AutoRecalibration:  p.Attitude.AutoRecalibration == nil || *p.Attitude.AutoRecalibration,
	}
}

func validateSettingsPayloadIn(p SettingsPayloadIn) error {
	if p.UserHeightM == nil {
		return errors.New("user_height_m is required")
	}
	if *p.UserHeightM < 0 || *p.UserHeightM > 2.5 {
		return errors.New("user_height_m must be in [0,2.5] (0 uses the default step length)")
	}
	if p.DefaultStepLengthM == nil {
		return errors.New("default_step_length_m is required")
	}
	if *p.DefaultStepLengthM <= 0 || *p.DefaultStepLengthM > 2 {
		return errors.New("default_step_length_m must be in (0,2]")
	}
	if p.VerticalEnabled == nil {
		return errors.New("vertical_enabled is required")
	}
	if p.AutoRecalibration == nil {
		return errors.New("auto_recalibration is required")
	}
	return nil
}

func applySettingsPayload(cfg *config.Config, p SettingsPayloadIn) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validateSettingsPayloadIn(p); err != nil {
		return err
	}
	vertical := *p.VerticalEnabled
	auto := *p.AutoRecalibration
	cfg.Pipeline.PDR.UserHeightM = *p.UserHeightM
	cfg.Pipeline.PDR.DefaultStepLengthM = *p.DefaultStepLengthM
	cfg.Pipeline.PDR.VerticalEnabled = &vertical
	cfg.Pipeline.Attitude.AutoRecalibration = &auto
	return nil
}

type SettingsStore struct {
	ConfigPath string
	// Apply, when set, hands the validated config to the running pipeline
	// before it is saved. If Apply fails nothing is written.
	Apply func(cfg config.Config) error
}

func (s SettingsStore) load() (config.Config, error) {
	return config.Load(s.ConfigPath)
}

func (s SettingsStore) save(cfg config.Config) error {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.ConfigPath, b, 0o644)
}

// writeFileAtomic replaces path through a temp file in the same directory,
// so a crash leaves either the old or the new contents.
func writeFileAtomic(path string, b []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	_, err = tmp.Write(b)
	if err == nil {
		err = tmp.Sync()
	}
	if err == nil {
		err = tmp.Chmod(perm)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (s SettingsStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.ConfigPath) == "" {
			http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
			return
		}

		switch r.Method {
		case http.MethodGet:
			cfg, err := s.load()
			if err != nil {
				http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))

		case http.MethodPost:
			var p SettingsPayloadIn
			if code, err := readStrictJSON(w, r, settingsPostKeys, &p); err != nil {
				http.Error(w, err.Error(), code)
				return
			}

			oldCfg, err := s.load()
			if err != nil {
				http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
				return
			}
			cfg := oldCfg
			if err := applySettingsPayload(&cfg, p); err != nil {
				http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
				return
			}
			if err := config.DefaultAndValidate(&cfg); err != nil {
				http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
				return
			}
			if s.Apply != nil {
				if err := s.Apply(cfg); err != nil {
					http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusBadRequest)
					return
				}
			}
			if err := s.save(cfg); err != nil {
				// Put the running pipeline back in line with the file.
				if s.Apply != nil {
					_ = s.Apply(oldCfg)
				}
				http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
