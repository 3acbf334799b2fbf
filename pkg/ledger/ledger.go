// Package ledger persists the version string of a failed remote update
// attempt so the auto-update workflow can avoid retry storms. Manual
// uploads never touch the ledger.
package ledger

import (
	"io"

	"github.com/lumatrix/lumatrix/pkg/config"
	"github.com/lumatrix/lumatrix/pkg/utils"
)

// Ledger records versions that failed to apply.
type Ledger struct {
	store *config.Store
	out   io.Writer
}

// New creates a new ledger on top of the provided store.
func New(store *config.Store, out io.Writer) *Ledger {
	return &Ledger{
		store: store,
		out:   out,
	}
}

// RecordFailed will remember the provided version as failed.
func (l *Ledger) RecordFailed(version string) error {
	// update state
	err := l.store.Update(func(s *config.State) {
		s.FailedVersion = version
	})
	if err != nil {
		return err
	}

	utils.Logf(l.out, "ledger: recorded failed version %s", version)

	return nil
}

// ClearFailed will forget a previously recorded version.
func (l *Ledger) ClearFailed() error {
	// update state
	err := l.store.Update(func(s *config.State) {
		s.FailedVersion = ""
	})
	if err != nil {
		return err
	}

	utils.Log(l.out, "ledger: cleared failed version")

	return nil
}

// Failed will return the recorded version, or an empty string if none is
// recorded.
func (l *Ledger) Failed() (string, error) {
	// read state
	state, err := l.store.Read()
	if err != nil {
		return "", err
	}

	return state.FailedVersion, nil
}
