// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package assemble

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleNameFromPatchFile(t *testing.T) {
	name, err := ModuleName("", []string{"/patches/fix-cve-2024-1234.patch"}, true)
	require.NoError(t, err)
	assert.Equal(t, "livepatch-fix-cve-2024-1234", name)
}

func TestModuleNameExplicit(t *testing.T) {
	name, err := ModuleName("my fix v2!", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "kpatch-my-fix-v2", name)
}

func TestModuleNamePrefixNotDuplicated(t *testing.T) {
	name, err := ModuleName("livepatch-fix", nil, true)
	require.NoError(t, err)
	assert.Equal(t, "livepatch-fix", name)
}

func TestModuleNameMultiplePatchesNeedExplicitName(t *testing.T) {
	_, err := ModuleName("", []string{"/p/a.patch", "/p/b.patch"}, true)
	require.Error(t, err)
}

func TestModuleNameLengthCapped(t *testing.T) {
	name, err := ModuleName(strings.Repeat("x", 100), nil, true)
	require.NoError(t, err)
	assert.Len(t, name, 55)
	assert.True(t, strings.HasPrefix(name, "livepatch-"))
}

func TestModuleNameCapDoesNotEndInSeparator(t *testing.T) {
	// The cap lands exactly on the separator before "tail".
	name, err := ModuleName(strings.Repeat("a", 44)+"-tail", nil, true)
	require.NoError(t, err)
	assert.Equal(t, "livepatch-"+strings.Repeat("a", 44), name)
	assert.False(t, strings.HasSuffix(name, "-"))
}

func TestModuleNameOnlyInvalidChars(t *testing.T) {
	_, err := ModuleName("!!!", nil, true)
	require.Error(t, err)
}
