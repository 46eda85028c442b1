package builder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	appErr "flowrunner/pkg/errors"
)

const (
	manifestFile      = "package.json"
	bundlerConfigFile = "webpack.config.js"
	buildScript       = "build:prod"
	// BundlePath is where the bundler writes its single output file.
	BundlePath = "dist/bundle.js"
)

var bundlerDevDependencies = map[string]string{
	"webpack":     "^5.88.0",
	"webpack-cli": "^5.1.4",
}

// entryCandidates are probed in order when package.json has no main field.
var entryCandidates = []string{"src/index.js", "index.js", "src/main.js", "main.js"}

// patchManifest adds the production bundle script and bundler dependencies to
// package.json, creating it if needed, and returns the resolved entry file.
func patchManifest(dir string) (string, error) {
	path := filepath.Join(dir, manifestFile)
	manifest := map[string]interface{}{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &manifest); err != nil {
			return "", appErr.Wrapf(err, appErr.ArchiveInvalid, "package.json is not valid JSON")
		}
	case os.IsNotExist(err):
		manifest["name"] = "flowrunner-artifact"
		manifest["version"] = "1.0.0"
		manifest["private"] = true
	default:
		return "", appErr.Wrapf(err, appErr.BuildFailed, "read package.json failed")
	}

	scripts := objectField(manifest, "scripts")
	scripts[buildScript] = "webpack --mode production --config " + bundlerConfigFile
	devDeps := objectField(manifest, "devDependencies")
	for name, version := range bundlerDevDependencies {
		devDeps[name] = version
	}

	entry := resolveEntry(dir, manifest)

	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.BuildFailed, "encode package.json failed")
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", appErr.Wrapf(err, appErr.BuildFailed, "write package.json failed")
	}
	return entry, nil
}

func objectField(manifest map[string]interface{}, key string) map[string]interface{} {
	if existing, ok := manifest[key].(map[string]interface{}); ok {
		return existing
	}
	obj := map[string]interface{}{}
	manifest[key] = obj
	return obj
}

func resolveEntry(dir string, manifest map[string]interface{}) string {
	if main, ok := manifest["main"].(string); ok && main != "" {
		return "./" + filepath.ToSlash(filepath.Clean(main))
	}
	for _, candidate := range entryCandidates {
		if info, err := os.Stat(filepath.Join(dir, candidate)); err == nil && info.Mode().IsRegular() {
			return "./" + candidate
		}
	}
	return "./" + entryCandidates[0]
}

// writeBundlerConfig writes a webpack config producing one commonjs2 file for node.
func writeBundlerConfig(dir, entry string) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "encode entry failed")
	}
	content := fmt.Sprintf(`const path = require('path');

module.exports = {
  target: 'node',
  mode: 'production',
  entry: %s,
  output: {
    path: path.resolve(__dirname, 'dist'),
    filename: 'bundle.js',
    library: { type: 'commonjs2' },
  },
  optimization: { minimize: false },
};
`, entryJSON)
	if err := os.WriteFile(filepath.Join(dir, bundlerConfigFile), []byte(content), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "write bundler config failed")
	}
	return nil
}
