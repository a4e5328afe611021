package namespace

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the logical class of a cache namespace.
type Kind string

const (
	// KindShell holds the static application shell (HTML, JS, CSS, fonts).
	KindShell Kind = "shell"

	// KindDynamic holds general API responses without a more specific home.
	KindDynamic Kind = "dynamic"

	// KindHealthData holds the user's health records.
	KindHealthData Kind = "healthData"

	// KindImage holds images and other media.
	KindImage Kind = "image"
)

// Kinds lists every namespace kind in activation order.
var Kinds = []Kind{KindShell, KindDynamic, KindHealthData, KindImage}

// segments maps a kind to the partition-name segment it is stored under.
var segments = map[Kind]string{
	KindShell:      "static",
	KindDynamic:    "dynamic",
	KindHealthData: "data",
	KindImage:      "images",
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := segments[k]
	return ok
}

// Evictable reports whether namespaces of this kind are subject to forced
// eviction. Health data and the shell are size-unbounded but versioned.
func (k Kind) Evictable() bool {
	return k == KindImage || k == KindDynamic
}

// Segment returns the partition-name segment for k.
func (k Kind) Segment() string {
	return segments[k]
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown namespace kind %q", s)
	}
	return k, nil
}

// PartitionName returns the physical partition name for a kind and version.
// Format: <prefix>-<segment>-<version>, e.g. "wellness-images-v3".
func PartitionName(prefix string, kind Kind, version string) string {
	return prefix + "-" + kind.Segment() + "-" + version
}

// ParsePartitionName is the inverse of PartitionName for a known prefix.
// ok is false for names that were not produced under prefix.
func ParsePartitionName(prefix, name string) (kind Kind, version string, ok bool) {
	rest, found := strings.CutPrefix(name, prefix+"-")
	if !found {
		return "", "", false
	}
	segment, version, found := strings.Cut(rest, "-")
	if !found || version == "" {
		return "", "", false
	}
	for k, s := range segments {
		if s == segment {
			return k, version, true
		}
	}
	return "", "", false
}

// Limits bounds the size and age of an evictable namespace.
// Zero values disable the respective limit.
type Limits struct {
	// MaxEntries evicts the oldest insertion once exceeded
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`

	// MaxAge removes entries older than this on access
	MaxAge time.Duration `yaml:"max_age" validate:"gte=0"`
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() map[Kind]Limits {
	return map[Kind]Limits{
		KindImage:   {MaxEntries: 60, MaxAge: 30 * 24 * time.Hour},
		KindDynamic: {MaxEntries: 100, MaxAge: 24 * time.Hour},
	}
}
