// Command configgen renders per-node worker configs from a base file and a profile.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile describes a set of worker nodes sharing one base config.
type Profile struct {
	OutputDir string                 `yaml:"outputDir"`
	Token     TokenProfile           `yaml:"token"`
	Nodes     map[string]NodeProfile `yaml:"nodes"`
}

// TokenProfile is copied into every node so all workers mint verifiable tokens.
type TokenProfile struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type NodeProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	written, err := run(*profilePath, *outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Println(path)
	}
}

func run(profilePath, outputDir string) ([]string, error) {
	profilePathAbs, err := filepath.Abs(profilePath)
	if err != nil {
		return nil, fmt.Errorf("resolve profile path failed: %w", err)
	}
	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	profileDir := filepath.Dir(profilePathAbs)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}

	names := make([]string, 0, len(profile.Nodes))
	for name := range profile.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		node := profile.Nodes[name]
		if node.Base == "" {
			return nil, fmt.Errorf("node %q missing base config", name)
		}
		if !filepath.IsAbs(node.Base) {
			node.Base = filepath.Join(profileDir, node.Base)
		}
		config, err := renderNode(profile, node)
		if err != nil {
			return nil, fmt.Errorf("render node %q failed: %w", name, err)
		}
		outputPath := resolveOutputPath(profile.OutputDir, name, node)
		if err := writeYAML(outputPath, config); err != nil {
			return nil, fmt.Errorf("write config for %q failed: %w", name, err)
		}
		written = append(written, outputPath)
	}
	return written, nil
}

func renderNode(profile *Profile, node NodeProfile) (map[string]interface{}, error) {
	base, err := loadYAML(node.Base)
	if err != nil {
		return nil, err
	}
	root, ok := normalizeValue(base).(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	if len(node.Overrides) > 0 {
		override, _ := normalizeValue(node.Overrides).(map[string]interface{})
		root = mergeMap(root, override)
	}
	applySharedToken(profile.Token, root)
	return root, nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Nodes) == 0 {
		return nil, errors.New("profile has no nodes")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func resolveOutputPath(outputDir, name string, node NodeProfile) string {
	output := node.Output
	if output == "" {
		output = name + ".yaml"
	}
	if filepath.IsAbs(output) {
		return output
	}
	return filepath.Join(outputDir, output)
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap deep-merges override into base; non-map values replace.
func mergeMap(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for key, overrideValue := range override {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			merged[key] = mergeMap(baseChild, overrideChild)
			continue
		}
		merged[key] = overrideValue
	}
	return merged
}

func applySharedToken(token TokenProfile, root map[string]interface{}) {
	if token.Secret == "" && token.Issuer == "" {
		return
	}
	pipeline, ok := root["pipeline"].(map[string]interface{})
	if !ok {
		pipeline = map[string]interface{}{}
		root["pipeline"] = pipeline
	}
	if token.Secret != "" {
		pipeline["tokenSecret"] = token.Secret
	}
	if token.Issuer != "" {
		pipeline["tokenIssuer"] = token.Issuer
	}
}
