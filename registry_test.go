// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, job *Job) (*Result, error) {
	return nil, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("welcome", HandlerFunc(noopHandler)))

	h, ok := reg.Lookup("welcome")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = reg.Lookup("unknown")
	assert.False(t, ok)
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("", HandlerFunc(noopHandler)))
	assert.Error(t, reg.Register("welcome", nil))

	require.NoError(t, reg.Register("welcome", HandlerFunc(noopHandler)))
	assert.Error(t, reg.Register("welcome", HandlerFunc(noopHandler)))
}

func TestRegistryTypes(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("welcome", HandlerFunc(noopHandler)))
	require.NoError(t, reg.Register("passwordReset", HandlerFunc(noopHandler)))
	assert.Equal(t, []string{"passwordReset", "welcome"}, reg.Types())
}
