// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lpbuild/lpbuild/internal/controller"
	"github.com/lpbuild/lpbuild/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.Version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.Verbose {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.Dump()
	}

	if err = args.Validate(); err != nil {
		return parseError("Invalid arguments: %v", err)
	}

	// The kernel configuration drives paravirt handling and the livepatch
	// capability of the target; read it when the tree carries one.
	if _, serr := os.Stat(filepath.Join(args.SourceDir, ".config")); serr == nil {
		if err = args.ApplyKernelConfig(); err != nil {
			return failure("Failed to read kernel configuration: %v", err)
		}
	}

	// Context to drive the pipeline; interrupting the build reverts the
	// source tree and releases the staging workspace on the way out.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer mainCancel()

	startTime := time.Now()
	log.Infof("Starting lpbuild %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	if err = controller.Run(mainCtx, args, nil); err != nil {
		var exitErr controller.ErrorWithExitCode
		if errors.As(err, &exitErr) {
			log.Error(err.Error())
			return exitCode(exitErr.Code())
		}
		return failure("Failed to build module: %v", err)
	}

	log.Infof("Finished in %v", time.Since(startTime).Round(time.Millisecond))
	return exitSuccess
}

func parseError(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
