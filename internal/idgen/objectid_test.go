package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewObjectIDShape(t *testing.T) {
	id, err := NewObjectID('o')
	require.NoError(t, err)
	assert.Len(t, id, 63)
	assert.Equal(t, byte('o'), id[0])
	assert.True(t, Valid(id))
}

func TestNewObjectIDRejectsBadPrefix(t *testing.T) {
	_, err := NewObjectID('O')
	assert.Error(t, err)
	_, err = NewObjectID('0')
	assert.Error(t, err)
}

func TestNewObjectIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewObjectID('o')
		require.NoError(t, err)
		assert.False(t, seen[id], "collision at iteration %d", i)
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	good, err := NewObjectID('s')
	require.NoError(t, err)

	tests := map[string]bool{
		good:                                    true,
		"":                                      false,
		"o123":                                  false,
		"Oabc" + string(make([]byte, 59)):       false,
		"o" + string(make([]byte, 62)):          false, // NUL bytes aren't hex
	}
	for id, want := range tests {
		assert.Equal(t, want, Valid(id), "id %q", id)
	}
}

func TestMustNewObjectIDPanicsOnBadPrefix(t *testing.T) {
	assert.Panics(t, func() {
		MustNewObjectID('1')
	})
}
