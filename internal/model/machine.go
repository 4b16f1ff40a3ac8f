package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BuildMachine is one entry in the fleet catalog: a Nix build machine
// reachable over SSH, described by the same attributes Hydra's
// build-machines file carries.
type BuildMachine struct {
	// HostName is the unique key of the machine across the catalog.
	HostName string `toml:"host_name" json:"hostName"`

	// SSHUser is the user Hydra logs in as. Empty means the SSH default.
	SSHUser string `toml:"ssh_user" json:"sshUser,omitempty"`

	// Systems lists the system types this machine can build for.
	Systems []System `toml:"systems" json:"systems"`

	// SSHKey is the path to the SSH identity file used to log in to the
	// machine. Empty means SSH uses its regular identities.
	SSHKey string `toml:"ssh_key" json:"sshKey,omitempty"`

	// MaxJobs is the maximum number of builds Hydra will run on the
	// machine in parallel, typically the core count. Nil means unset.
	MaxJobs *int `toml:"max_jobs" json:"maxJobs,omitempty"`

	// SpeedFactor is the relative speed of the machine as a positive
	// integer. Nil means unset.
	SpeedFactor *int `toml:"speed_factor" json:"speedFactor,omitempty"`

	// SupportedFeatures lists the system features the machine advertises.
	SupportedFeatures []string `toml:"supported_features" json:"supportedFeatures,omitempty"`

	// MandatoryFeatures lists the system features a derivation must
	// require for the machine to be used.
	MandatoryFeatures []string `toml:"mandatory_features" json:"mandatoryFeatures,omitempty"`

	// PublicHostKey is the base64-encoded public host key of the machine.
	// Empty means SSH uses its known_hosts file.
	PublicHostKey string `toml:"public_host_key" json:"publicHostKey,omitempty"`

	// MacAddress, when set, lets the sentinel wake the machine over the
	// LAN while its system types have queued work.
	MacAddress *MacAddress `toml:"mac_address" json:"macAddress,omitempty"`
}

// Validate checks the catalog entry for config errors.
func (m *BuildMachine) Validate() error {
	if m.HostName == "" {
		return errors.New("host_name is required")
	}
	if len(m.Systems) == 0 {
		return fmt.Errorf("%s: at least one system type is required", m.HostName)
	}
	if m.MaxJobs != nil && *m.MaxJobs <= 0 {
		return fmt.Errorf("%s: max_jobs must be positive", m.HostName)
	}
	if m.SpeedFactor != nil && *m.SpeedFactor <= 0 {
		return fmt.Errorf("%s: speed_factor must be positive", m.HostName)
	}
	return nil
}

// SupportsAny reports whether the machine can build for any system in the set.
func (m *BuildMachine) SupportsAny(systems SystemSet) bool {
	return systems.ContainsAny(m.Systems)
}

// String renders the machine as one line of Hydra's build-machines file:
//
//	ssh://[user@]host systems key maxJobs speedFactor supported mandatory hostKey
//
// Absent optional fields render as "-"; list fields are sorted
// comma-separated lists. Hydra does not support ssh-ng, so the scheme is
// hard-coded.
func (m *BuildMachine) String() string {
	var b strings.Builder
	b.WriteString("ssh://")
	if m.SSHUser != "" {
		b.WriteString(m.SSHUser)
		b.WriteByte('@')
	}
	b.WriteString(m.HostName)

	systems := make([]string, len(m.Systems))
	for i, sys := range m.Systems {
		systems[i] = sys.String()
	}
	writeList(&b, systems)
	writeField(&b, m.SSHKey)
	writeInt(&b, m.MaxJobs)
	writeInt(&b, m.SpeedFactor)
	writeList(&b, m.SupportedFeatures)
	writeList(&b, m.MandatoryFeatures)
	writeField(&b, m.PublicHostKey)
	return b.String()
}

func writeField(b *strings.Builder, val string) {
	if val == "" {
		b.WriteString(" -")
		return
	}
	b.WriteByte(' ')
	b.WriteString(val)
}

func writeInt(b *strings.Builder, val *int) {
	if val == nil {
		b.WriteString(" -")
		return
	}
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(*val))
}

func writeList(b *strings.Builder, vals []string) {
	if len(vals) == 0 {
		b.WriteString(" -")
		return
	}
	sorted := make([]string, len(vals))
	copy(sorted, vals)
	sort.Strings(sorted)
	b.WriteByte(' ')
	b.WriteString(strings.Join(sorted, ","))
}
