// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hostinfo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibor/vfiosetup/internal/hostinfo"
)

func TestProbe(t *testing.T) {
	info, err := hostinfo.Probe(context.Background())
	require.NoError(t, err)

	assert.Positive(t, info.CPUCores)
	assert.Positive(t, info.MemoryMiB)
	assert.NotEmpty(t, info.CPUVendor)
}
