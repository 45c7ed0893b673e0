//go:build !linux

package hardening

import "errors"

var errUnsupported = errors.New("hardening: not supported on this platform")

func disableCoreDumps() error { return errUnsupported }

func setNonDumpable() error { return errUnsupported }

func setNoNewPrivs() error { return errUnsupported }

func lockMemory() error { return errUnsupported }

func capResourceLimits() error { return errUnsupported }
