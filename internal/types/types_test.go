package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectValidate(t *testing.T) {
	tests := []struct {
		name    string
		obj     Object
		wantErr string
	}{
		{
			name: "valid snap",
			obj:  Object{ObjectID: "oabc", Format: FormatSnap, Size: 100},
		},
		{
			name: "valid diff",
			obj:  Object{ObjectID: "odef", Format: FormatDiff, ParentID: "oabc", Size: 10},
		},
		{
			name:    "snap with parent",
			obj:     Object{ObjectID: "obad", Format: FormatSnap, ParentID: "oabc"},
			wantErr: "SNAP must not have a parent_id",
		},
		{
			name:    "diff without parent",
			obj:     Object{ObjectID: "obad", Format: FormatDiff},
			wantErr: "DIFF requires a non-empty parent_id",
		},
		{
			name:    "negative size",
			obj:     Object{ObjectID: "obad", Format: FormatSnap, Size: -1},
			wantErr: "size must be non-negative",
		},
		{
			name:    "unknown format",
			obj:     Object{ObjectID: "obad", Format: "BOGUS"},
			wantErr: "unknown format",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.obj.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
