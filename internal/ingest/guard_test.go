package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardAdmitsUpToCapacity(t *testing.T) {
	g := NewGuard(2)

	require.NoError(t, g.Acquire())
	require.NoError(t, g.Acquire())

	err := g.Acquire()
	assert.ErrorIs(t, err, ErrOverCapacity)

	g.Release()
	require.NoError(t, g.Acquire())
}
