package namespace

import (
	"errors"
	"fmt"
	"strings"
)

// VersionManifest names the partition versions that should be active.
//
// A kind without an explicit entry in NamespaceVersions uses CurrentVersion.
type VersionManifest struct {
	Prefix            string          `yaml:"prefix" validate:"required"`
	CurrentVersion    string          `yaml:"current_version" validate:"required"`
	NamespaceVersions map[Kind]string `yaml:"namespace_versions,omitempty"`
}

// VersionFor returns the version kind k should be stored under.
func (m VersionManifest) VersionFor(k Kind) string {
	if v, ok := m.NamespaceVersions[k]; ok && v != "" {
		return v
	}
	return m.CurrentVersion
}

// WithVersion returns a copy of m bumped to version for every kind.
func (m VersionManifest) WithVersion(version string) VersionManifest {
	return VersionManifest{Prefix: m.Prefix, CurrentVersion: version}
}

// Validate checks the manifest can produce unambiguous partition names.
func (m VersionManifest) Validate() error {
	if m.Prefix == "" {
		return errors.New("manifest prefix is required")
	}
	if m.CurrentVersion == "" {
		return errors.New("manifest current version is required")
	}
	for k, v := range m.NamespaceVersions {
		if !k.Valid() {
			return fmt.Errorf("manifest: unknown namespace kind %q", k)
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("manifest: empty version for kind %q", k)
		}
	}
	return nil
}

// Names returns the partition name of every kind under m.
func (m VersionManifest) Names() map[Kind]string {
	names := make(map[Kind]string, len(Kinds))
	for _, k := range Kinds {
		names[k] = PartitionName(m.Prefix, k, m.VersionFor(k))
	}
	return names
}
