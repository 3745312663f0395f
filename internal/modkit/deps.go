// Package modkit provides core dependency wiring shared across components
package modkit

import (
	"wavefetch/internal/modkit/repokit"
	"wavefetch/internal/platform/config"
	"wavefetch/internal/platform/logger"
)

// Deps holds core dependencies passed to the manager and its services
// this is wiring only and does not introduce new abstractions
type Deps struct {
	Log logger.Logger
	Cfg config.Conf
	DB  repokit.TxRunner
}

// ZeroOK returns true when deps are safe to use with zero values in tests
// consumers should still nil check for optional stores
func (d Deps) ZeroOK() bool { return true }
