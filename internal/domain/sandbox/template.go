package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
)

// ManifestName is the per-template descriptor file.
const ManifestName = "template.yaml"

// Template describes one named sandbox template: a directory tree that is
// copied into fresh workspaces plus a manifest with the commands the embedded
// dev server needs.
type Template struct {
	Name string `yaml:"name"`

	// DevCommand is the argv that starts the embedded dev server. The
	// allocated port is exported through PortEnv before it runs.
	DevCommand []string `yaml:"dev_command"`
	PortEnv    string   `yaml:"port_env"`

	// RenderCommand is a shell command template for the finalize hook.
	// Placeholders: {composition}, {output}, {quality}, {resolution}.
	RenderCommand string `yaml:"render_command"`

	// MediaDir receives queued media payloads, relative to the workspace.
	MediaDir string `yaml:"media_dir"`

	DefaultComposition string `yaml:"default_composition"`

	// Image is the container image used by the docker runtime.
	Image string `yaml:"image"`

	// SnapshotExcludes are doublestar globs omitted from workspace snapshots.
	SnapshotExcludes []string `yaml:"snapshot_excludes"`

	dir string
}

// Dir returns the template's source directory.
func (t *Template) Dir() string { return t.dir }

// LoadTemplate reads the manifest for the named template under root.
func LoadTemplate(root, name string) (*Template, error) {
	dir := filepath.Join(root, name)
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}

	t := &Template{
		PortEnv:  "PORT",
		MediaDir: "public/media",
	}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("template %q: bad manifest: %w", name, err)
	}
	if len(t.DevCommand) == 0 {
		return nil, fmt.Errorf("template %q: manifest has no dev_command", name)
	}

	t.dir = dir
	return t, nil
}

// Materialize copies the template tree into dst. The manifest itself is not
// copied. The walk is concurrent; each file ensures its parent directory
// exists before writing, so ordering between workers does not matter.
func (t *Template) Materialize(dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, t.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(t.dir, p)
		if err != nil {
			return err
		}
		if rel == "." || rel == ManifestName {
			return nil
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyFile(p, target, d)
	})
}

func copyFile(src, dst string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
