// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package patchtx applies an ordered list of source patches to the kernel
// tree as one reversible transaction. Every patch is dry-run-verified before
// it touches the tree, and any failure rolls back everything applied so far.
// The transaction value returned by Apply owns the applied state; reverting
// it twice is a no-op.
package patchtx // import "github.com/lpbuild/lpbuild/patchtx"

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/lpbuild/lpbuild/internal/runner"
)

// RejectedError reports a patch that failed its dry run or its application.
type RejectedError struct {
	Patch  string
	Output []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("patch %s does not apply", filepath.Base(e.Patch))
}

type txState int

const (
	txApplied txState = iota
	txReverted
)

// Transaction records the patches applied to a tree, in order. It is created
// by Apply and consumed by RevertAll.
type Transaction struct {
	tree    string
	run     runner.Runner
	applied []string
	state   txState
}

// Apply dry-runs and then applies each patch in order against tree with a
// 1-level path strip. On the first failure it reverts the patches already
// applied and returns a RejectedError for the failing patch. On success the
// returned Transaction must eventually be reverted by the caller.
func Apply(ctx context.Context, run runner.Runner, tree string, patches []string) (*Transaction, error) {
	tx := &Transaction{tree: tree, run: run}
	for _, patch := range patches {
		if err := tx.applyOne(ctx, patch); err != nil {
			if rerr := tx.RevertAll(ctx); rerr != nil {
				log.Errorf("rollback after failed patch: %v", rerr)
			}
			return nil, err
		}
		tx.applied = append(tx.applied, patch)
		log.Debugf("applied patch %s", filepath.Base(patch))
	}
	return tx, nil
}

func (t *Transaction) applyOne(ctx context.Context, patch string) error {
	// Dry run first so that a rejected hunk cannot leave a partially
	// patched file behind.
	for _, dry := range []bool{true, false} {
		args := []string{"-N", "-p1", "--dry-run", "-i", patch}
		if !dry {
			args = []string{"-N", "-p1", "-i", patch}
		}
		res, err := t.run.Run(ctx, runner.Cmd{
			Path: "patch",
			Args: args,
			Dir:  t.tree,
		})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return &RejectedError{Patch: patch, Output: res.Output}
		}
	}
	return nil
}

// Applied returns how many patches the transaction has committed.
func (t *Transaction) Applied() int {
	if t.state == txReverted {
		return 0
	}
	return len(t.applied)
}

// RevertAll walks the applied patches in reverse order and reverts each one,
// then reconciles any version-control index state the reverted tree left
// inconsistent. It is idempotent: the teardown path calls it unconditionally,
// possibly after an earlier explicit revert.
func (t *Transaction) RevertAll(ctx context.Context) error {
	if t == nil || t.state == txReverted {
		return nil
	}
	t.state = txReverted

	var firstErr error
	for i := len(t.applied) - 1; i >= 0; i-- {
		patch := t.applied[i]
		res, err := t.run.Run(ctx, runner.Cmd{
			Path: "patch",
			Args: []string{"-R", "-p1", "-i", patch},
			Dir:  t.tree,
		})
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("reverting %s exited with %d", filepath.Base(patch), res.ExitCode)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.applied = nil

	// A patched-then-reverted git tree can be byte-identical to the
	// original while the index still reports the files as touched.
	if _, err := os.Stat(filepath.Join(t.tree, ".git")); err == nil {
		if _, err := t.run.Run(ctx, runner.Cmd{
			Path: "git",
			Args: []string{"update-index", "-q", "--refresh"},
			Dir:  t.tree,
		}); err != nil {
			log.Debugf("git index refresh: %v", err)
		}
	}
	return firstErr
}
