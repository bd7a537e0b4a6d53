package kfmt

import "strings"

// Scope identifies a kernel subsystem whose trace output can be toggled at
// boot time.
type Scope uint32

const (
	ScopeIPC Scope = 1 << iota
	ScopeSwitch
	ScopeRunqueue
	ScopeIdle
	ScopePageFault
	ScopeMap
	ScopePulse
	ScopeIRQ
	ScopeBoot
	ScopeHMod
	ScopeWaiters
	ScopeGrant
	ScopeSyscall

	// ScopeAll enables every scope.
	ScopeAll = ^Scope(0)
)

var (
	scopeNames = map[string]Scope{
		"ipc":       ScopeIPC,
		"switch":    ScopeSwitch,
		"runqueue":  ScopeRunqueue,
		"idle":      ScopeIdle,
		"pagefault": ScopePageFault,
		"map":       ScopeMap,
		"pulse":     ScopePulse,
		"irq":       ScopeIRQ,
		"boot":      ScopeBoot,
		"hmod":      ScopeHMod,
		"waiters":   ScopeWaiters,
		"grant":     ScopeGrant,
		"syscall":   ScopeSyscall,
		"all":       ScopeAll,
	}

	// enabledScopes holds the scopes whose Logf calls produce output.
	enabledScopes = ScopeBoot
)

// EnableScopes replaces the set of enabled log scopes.
func EnableScopes(s Scope) { enabledScopes = s }

// Enabled returns true if output for scope s is currently enabled.
func Enabled(s Scope) bool { return enabledScopes&s != 0 }

// ParseScopes converts a comma separated list of scope names (as passed via
// the "log=" boot command line option) into a Scope mask. Unknown names are
// returned separately so the caller can report them.
func ParseScopes(list string) (Scope, []string) {
	var (
		mask    Scope
		unknown []string
	)

	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if s, ok := scopeNames[name]; ok {
			mask |= s
			continue
		}
		unknown = append(unknown, name)
	}

	return mask, unknown
}

// Logf behaves like Printf but only produces output when scope is enabled.
func Logf(scope Scope, format string, args ...interface{}) {
	if enabledScopes&scope == 0 {
		return
	}
	Fprintf(outputSink, format, args...)
}
