package metadata

import (
	"fmt"
	"strings"
)

// ForcePolicy controls how a conflict between master and duplicate metadata
// is resolved without asking. The zero value disables forcing.
type ForcePolicy string

const (
	// ForceNone leaves conflicting metadata in place and reports the conflict
	ForceNone ForcePolicy = ""
	// ForceOverwrite copies every tracked field of the duplicate onto the master
	ForceOverwrite ForcePolicy = "overwrite"
	// ForceKeep drops the duplicate's metadata and leaves the master untouched
	ForceKeep ForcePolicy = "keep"
	// ForceKeepNonEmpty only copies the duplicate's metadata onto an empty master
	ForceKeepNonEmpty ForcePolicy = "keep-nonempty"
)

// DefaultForcePolicy is used when forcing is requested without naming a policy
const DefaultForcePolicy = ForceOverwrite

// ParseForcePolicy converts a configuration value into a ForcePolicy.
// "false", "no" and "" mean no forcing; "true" and "yes" mean the default policy.
func ParseForcePolicy(value string) (ForcePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "false", "no", "0":
		return ForceNone, nil
	case "true", "yes", "1":
		return DefaultForcePolicy, nil
	case string(ForceOverwrite):
		return ForceOverwrite, nil
	case string(ForceKeep):
		return ForceKeep, nil
	case string(ForceKeepNonEmpty):
		return ForceKeepNonEmpty, nil
	default:
		return ForceNone, fmt.Errorf("invalid force policy %q (expected overwrite, keep or keep-nonempty)", value)
	}
}

// IsValid checks if the policy value is valid
func (p ForcePolicy) IsValid() bool {
	switch p {
	case ForceNone, ForceOverwrite, ForceKeep, ForceKeepNonEmpty:
		return true
	}
	return false
}

// Active reports whether conflicts are resolved automatically
func (p ForcePolicy) Active() bool {
	return p != ForceNone
}

// WritesMaster reports whether a migrate step writes the duplicate's values
// onto the master. Without forcing, migrate only happens for an empty master
// and always writes.
func (p ForcePolicy) WritesMaster(masterEmpty bool) bool {
	switch p {
	case ForceNone, ForceOverwrite:
		return true
	case ForceKeepNonEmpty:
		return masterEmpty
	default:
		return false
	}
}

// String returns the policy name, "none" for ForceNone
func (p ForcePolicy) String() string {
	if p == ForceNone {
		return "none"
	}
	return string(p)
}
