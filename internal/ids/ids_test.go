package ids

import (
	"testing"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReference_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		ref := NewReference()
		require.NotEmpty(t, ref)
		assert.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}

func TestNewKSUID(t *testing.T) {
	id := NewKSUID()
	_, err := ksuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewKSUID())
}
