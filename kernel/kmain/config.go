package kmain

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"capos/kernel"
	"capos/kernel/abi"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
)

var (
	errBadMemSize = &kernel.Error{Module: "kmain", Message: "malformed mem= size"}
	errBadIRQ     = &kernel.Error{Module: "kmain", Message: "malformed irq= module index"}
	errBadVersion = &kernel.Error{Module: "kmain", Message: "malformed abi= version"}
)

// DefaultMemSize is the amount of physical memory a machine gets when the
// command line does not set mem=.
const DefaultMemSize = 16 * mm.Mb

// Config holds the boot options passed on the kernel command line.
type Config struct {
	// Scopes are the log scopes enabled by log=.
	Scopes kfmt.Scope

	// Mem is the physical memory size requested by mem=.
	Mem mm.Size

	// IRQ is the index of the module receiving hardware interrupts.
	IRQ int

	// ABI is the interface version the kernel reports to modules.
	ABI *semver.Version
}

// ParseConfig builds a Config from the key-value pairs of a boot command line.
func ParseConfig(kv map[string]string) (*Config, *kernel.Error) {
	cfg := &Config{
		Scopes: kfmt.ScopeBoot,
		Mem:    DefaultMemSize,
		ABI:    semver.MustParse(abi.Version),
	}

	if list, ok := kv["log"]; ok {
		var unknown []string
		cfg.Scopes, unknown = kfmt.ParseScopes(list)
		for _, name := range unknown {
			kfmt.Printf("[kmain] ignoring unknown log scope %s\n", name)
		}
	}

	if v, ok := kv["mem"]; ok {
		size, err := parseSize(v)
		if err != nil {
			return nil, err
		}
		cfg.Mem = size
	}

	if v, ok := kv["irq"]; ok {
		idx, err := strconv.Atoi(v)
		if err != nil || idx < 0 {
			return nil, errBadIRQ
		}
		cfg.IRQ = idx
	}

	if v, ok := kv["abi"]; ok {
		ver, err := semver.NewVersion(v)
		if err != nil {
			return nil, errBadVersion
		}
		cfg.ABI = ver
	}

	return cfg, nil
}

// parseSize parses a byte count with an optional K or M suffix.
func parseSize(v string) (mm.Size, *kernel.Error) {
	unit := mm.Byte
	switch {
	case strings.HasSuffix(v, "K"):
		unit, v = mm.Kb, strings.TrimSuffix(v, "K")
	case strings.HasSuffix(v, "M"):
		unit, v = mm.Mb, strings.TrimSuffix(v, "M")
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, errBadMemSize
	}
	return mm.Size(n) * unit, nil
}
