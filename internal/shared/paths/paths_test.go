package paths

import (
	"path/filepath"
	"testing"

	"github.com/framewright/backend/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	root := filepath.Join("/tmp", "sandbox-root")

	t.Run("plain relative path", func(t *testing.T) {
		got, err := Resolve(root, "src/Main.tsx")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "src", "Main.tsx"), got)
	})

	t.Run("dot segments collapse inside root", func(t *testing.T) {
		got, err := Resolve(root, "src/../public/logo.png")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "public", "logo.png"), got)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := Resolve(root, "")
		assert.ErrorIs(t, err, errors.ErrPathTraversal)
	})

	t.Run("rejects absolute", func(t *testing.T) {
		_, err := Resolve(root, "/etc/passwd")
		assert.ErrorIs(t, err, errors.ErrPathTraversal)
	})

	t.Run("rejects parent escape", func(t *testing.T) {
		for _, rel := range []string{"..", "../peer", "src/../../other"} {
			_, err := Resolve(root, rel)
			assert.ErrorIs(t, err, errors.ErrPathTraversal, "rel=%q", rel)
		}
	})
}
