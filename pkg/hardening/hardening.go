// Package hardening applies the process-level OS protections spec.md §4.2
// calls for: disabling core dumps, marking the process non-dumpable,
// forbidding privilege escalation, and (best-effort) locking memory and
// capping file descriptors.
package hardening

import "github.com/torgate/torgate/pkg/logger"

// Apply runs the fixed set of hardening actions. In strict mode, any
// required action's failure is returned as an error (the caller is expected
// to treat that as fatal to the process); outside strict mode, failures are
// logged as warnings and apply continues with the remaining actions.
//
// The best-effort actions (memory locking, file-descriptor/process limits)
// never return an error even in strict mode — they log a warning on failure
// regardless, matching the distinction the source draws between the
// always-fatal-in-strict actions and the optional ones.
func Apply(log *logger.Logger, strict bool) error {
	if log == nil {
		log = logger.NewDefault()
	}

	if err := disableCoreDumps(); err != nil {
		if strict {
			return err
		}
		log.Warn("hardening: failed to disable core dumps", "error", err)
	} else {
		log.Info("hardening: core dumps disabled")
	}

	if err := setNonDumpable(); err != nil {
		if strict {
			return err
		}
		log.Warn("hardening: failed to mark process non-dumpable", "error", err)
	} else {
		log.Info("hardening: process marked non-dumpable")
	}

	if err := setNoNewPrivs(); err != nil {
		if strict {
			return err
		}
		log.Warn("hardening: failed to set no-new-privileges", "error", err)
	} else {
		log.Info("hardening: no-new-privileges set")
	}

	if err := lockMemory(); err != nil {
		log.Warn("hardening: failed to lock memory (best effort)", "error", err)
	} else {
		log.Info("hardening: memory locked")
	}

	if err := capResourceLimits(); err != nil {
		log.Warn("hardening: failed to cap file/process limits (best effort)", "error", err)
	} else {
		log.Info("hardening: file descriptor and process limits capped")
	}

	return nil
}
