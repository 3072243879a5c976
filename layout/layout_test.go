// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package layout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSizer map[string]int64

func (f fakeSizer) StructSizes(names []string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, n := range names {
		if s, ok := f[n]; ok {
			out[n] = s
		}
	}
	return out, nil
}

type errSizer struct{}

func (errSizer) StructSizes([]string) (map[string]int64, error) {
	return nil, errors.New("bad DWARF")
}

func TestProbeDefaultArch(t *testing.T) {
	src := fakeSizer{
		"alt_instr":             14,
		"bug_entry":             12,
		"exception_table_entry": 8,
	}

	l, err := Probe(src, "x86_64", false)
	require.NoError(t, err)
	assert.Equal(t, int64(14), l["alt_instr"])
	assert.Equal(t, int64(12), l["bug_entry"])
	assert.Equal(t, int64(8), l["exception_table_entry"])
}

func TestProbeParavirtRequired(t *testing.T) {
	src := fakeSizer{
		"alt_instr":             14,
		"bug_entry":             12,
		"exception_table_entry": 8,
	}

	// Without paravirt the probe succeeds, with it the missing
	// paravirt_patch_site becomes fatal.
	_, err := Probe(src, "x86_64", false)
	require.NoError(t, err)

	_, err = Probe(src, "x86_64", true)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "paravirt_patch_site", nf.Struct)
}

func TestProbePPC64LEUsesFixupEntry(t *testing.T) {
	src := fakeSizer{
		"fixup_entry":           16,
		"bug_entry":             12,
		"exception_table_entry": 8,
	}

	l, err := Probe(src, "ppc64le", false)
	require.NoError(t, err)
	assert.Equal(t, int64(16), l["fixup_entry"])
	assert.NotContains(t, l, "alt_instr")
}

func TestProbeMissingRequiredStruct(t *testing.T) {
	src := fakeSizer{
		"alt_instr": 14,
		"bug_entry": 12,
	}

	_, err := Probe(src, "x86_64", false)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "exception_table_entry", nf.Struct)
}

func TestProbeZeroSizeIsMissing(t *testing.T) {
	src := fakeSizer{
		"alt_instr":             0,
		"bug_entry":             12,
		"exception_table_entry": 8,
	}

	_, err := Probe(src, "x86_64", false)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "alt_instr", nf.Struct)
}

func TestProbeSizerError(t *testing.T) {
	_, err := Probe(errSizer{}, "x86_64", false)
	require.Error(t, err)
}

func TestLayoutEnv(t *testing.T) {
	l := Layout{
		"alt_instr":             14,
		"bug_entry":             12,
		"exception_table_entry": 8,
	}
	assert.Equal(t, []string{
		"ALT_STRUCT_SIZE=14",
		"BUG_STRUCT_SIZE=12",
		"EX_STRUCT_SIZE=8",
	}, l.Env())
}
