package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUnifiedDiff(t *testing.T) {
	tests := []struct {
		name     string
		original string
		patch    string
		want     string
		wantErr  bool
	}{
		{
			name:     "single line replacement",
			original: "one\ntwo\nthree",
			patch:    "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n one\n-two\n+2\n three\n",
			want:     "one\n2\nthree",
		},
		{
			name:     "addition at end",
			original: "alpha\nbeta",
			patch:    "--- a/f\n+++ b/f\n@@ -1,2 +1,3 @@\n alpha\n beta\n+gamma\n",
			want:     "alpha\nbeta\ngamma",
		},
		{
			name:     "pure deletion",
			original: "keep\ndrop\nkeep2",
			patch:    "--- a/f\n+++ b/f\n@@ -1,3 +1,2 @@\n keep\n-drop\n keep2\n",
			want:     "keep\nkeep2",
		},
		{
			name:     "headerless diff is tolerated",
			original: "hello",
			patch:    "@@ -1 +1 @@\n-hello\n+goodbye\n",
			want:     "goodbye",
		},
		{
			name:     "hunk beyond later lines untouched",
			original: "l1\nl2\nl3\nl4\nl5",
			patch:    "--- a/f\n+++ b/f\n@@ -2,2 +2,2 @@\n l2\n-l3\n+L3\n",
			want:     "l1\nl2\nL3\nl4\nl5",
		},
		{
			name:     "context mismatch fails",
			original: "actual content",
			patch:    "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-expected content\n+new content\n",
			wantErr:  true,
		},
		{
			name:     "garbage is rejected",
			original: "x",
			patch:    "this is not a diff",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyUnifiedDiff(tt.original, tt.patch)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
