package helper

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"inscribe/verify"
)

const (
	HelperMarker       = "# Inscribe helper v6"
	DefaultSudoersPath = "/etc/sudoers.d/inscribe"
)

// Manifest describes the installed helper. It is written by the installer
// and is optional.
type Manifest struct {
	Version string `yaml:"version"`
	Marker  string `yaml:"marker"`
	SHA256  string `yaml:"sha256"`
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

type InstallConfig struct {
	HelperPath   string
	SudoersPath  string
	ManifestPath string
}

// InstallStatus reports what CheckInstall found. Problems is empty when the
// installation is usable.
type InstallStatus struct {
	HelperPath      string   `json:"helper_path"`
	HelperPresent   bool     `json:"helper_present"`
	MarkerPresent   bool     `json:"marker_present"`
	Digest          string   `json:"digest,omitempty"`
	DigestChecked   bool     `json:"digest_checked"`
	SudoersPresent  bool     `json:"sudoers_present"`
	SudoersVerified bool     `json:"sudoers_verified"`
	Problems        []string `json:"problems,omitempty"`
}

func (s *InstallStatus) OK() bool { return len(s.Problems) == 0 }

func (s *InstallStatus) problem(format string, args ...any) {
	s.Problems = append(s.Problems, fmt.Sprintf(format, args...))
}

// CheckInstall inspects the helper installation without changing it.
// Missing pieces are reported as problems; only unexpected I/O failures are
// returned as errors.
func CheckInstall(cfg InstallConfig) (*InstallStatus, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = DefaultHelperPath
	}
	if cfg.SudoersPath == "" {
		cfg.SudoersPath = DefaultSudoersPath
	}
	status := &InstallStatus{HelperPath: cfg.HelperPath}

	marker := HelperMarker
	var manifest *Manifest
	if cfg.ManifestPath != "" {
		m, err := LoadManifest(cfg.ManifestPath)
		switch {
		case err == nil:
			manifest = m
			if m.Marker != "" {
				marker = m.Marker
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	info, err := os.Stat(cfg.HelperPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		status.problem("helper %s is not installed", cfg.HelperPath)
	case err != nil:
		return nil, fmt.Errorf("failed to stat helper: %w", err)
	case !info.Mode().IsRegular():
		status.problem("helper %s is not a regular file", cfg.HelperPath)
	default:
		status.HelperPresent = true
		if info.Mode().Perm()&0o111 == 0 {
			status.problem("helper %s is not executable", cfg.HelperPath)
		}
		if info.Mode().Perm()&0o022 != 0 {
			status.problem("helper %s is writable by group or others", cfg.HelperPath)
		}

		data, err := os.ReadFile(cfg.HelperPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read helper: %w", err)
		}
		status.MarkerPresent = strings.Contains(string(data), marker)
		if !status.MarkerPresent {
			status.problem("helper %s is outdated (missing %q)", cfg.HelperPath, marker)
		}

		if manifest != nil && manifest.SHA256 != "" {
			sum, err := verify.Digest(cfg.HelperPath)
			if err != nil {
				return nil, err
			}
			status.Digest = sum
			status.DigestChecked = true
			if !strings.EqualFold(sum, manifest.SHA256) {
				status.problem("helper digest %s does not match manifest %s", sum, manifest.SHA256)
			}
		}
	}

	_, err = os.Stat(cfg.SudoersPath)
	switch {
	case err == nil:
		status.SudoersPresent = true
		status.SudoersVerified = true
	case errors.Is(err, fs.ErrNotExist):
		status.SudoersVerified = true
		status.problem("sudoers rule %s is missing", cfg.SudoersPath)
	case errors.Is(err, fs.ErrPermission):
		// sudoers.d is commonly 0750 root; only root can tell.
	default:
		return nil, fmt.Errorf("failed to stat sudoers rule: %w", err)
	}

	return status, nil
}
