// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/lpbuild/lpbuild/internal/controller"

// ErrorWithExitCode provides an error with an exit code.
// Used to be able to return errors with the exit code the CLI is expected to
// return when exiting.
type ErrorWithExitCode struct {
	error
	code int
}

func (e ErrorWithExitCode) Code() int {
	return e.code
}

func (e ErrorWithExitCode) Unwrap() error {
	return e.error
}

// exitNoEffect is the exit status signalling that the patch series applied
// cleanly but produced no functional difference. Callers scripting around the
// tool can tell this apart from a genuine failure.
const exitNoEffect = 3

func noEffectError(err error) error {
	return ErrorWithExitCode{error: err, code: exitNoEffect}
}
