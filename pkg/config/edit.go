package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Get renders the value at a dotted key of the effective configuration, e.g.
// "export.redis_url" or "metrics.0.threshold.warn". Scalars come back bare,
// maps and lists as YAML.
func Get(cfg *Config, key string) (string, error) {
	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot decode config", "")
	}

	n, err := lookup(&doc, splitKey(key))
	if err != nil {
		return "", err
	}
	if n.Kind == yaml.ScalarNode {
		return n.Value, nil
	}
	out, err := yaml.Marshal(n)
	if err != nil {
		return "", hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot encode "+key, "")
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// SetInFile sets a dotted key in the YAML file at path, keeping its other
// content and comments. value is parsed as YAML, so "5s", "80" and
// "{warn: 70, crit: 85}" all work. A missing file starts from the defaults.
// The file is only written when the result still loads and validates.
func SetInFile(path, key, value string) error {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if data, err = Marshal(DefaultConfig()); err != nil {
			return err
		}
	case err != nil:
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot read config file: "+path, "Check file permissions")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Invalid YAML in "+path, "")
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	var val yaml.Node
	if err := yaml.Unmarshal([]byte(value), &val); err != nil || len(val.Content) == 0 {
		val = yaml.Node{Content: []*yaml.Node{{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}}}
	}
	if err := setKey(&doc, splitKey(key), val.Content[0]); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot encode config", "")
	}
	out := buf.Bytes()

	if err := checkYAML(out); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot create config directory", "Check directory permissions")
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Cannot write config file: "+path, "Check file permissions")
	}
	return nil
}

// checkYAML rejects unknown keys and values the loader would refuse.
func checkYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&Config{}); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Value does not fit the config", "Check the key name and value type")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrConfig, "Invalid config format", "")
	}
	cfg, err := parseConfig(v, "")
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func splitKey(key string) []string {
	return splitAndTrim(key, ".")
}

func lookup(n *yaml.Node, parts []string) (*yaml.Node, error) {
	if len(parts) == 0 {
		return nil, configError("key", "empty key")
	}
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for i, part := range parts {
		child, _, err := childOf(n, part)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, configError(strings.Join(parts[:i+1], "."), "no such key")
		}
		n = child
	}
	return n, nil
}

// childOf returns the node under part in a mapping or sequence, and for
// mappings the index of its value in Content. A missing mapping key returns
// a nil node and no error.
func childOf(n *yaml.Node, part string) (*yaml.Node, int, error) {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == part {
				return n.Content[i+1], i + 1, nil
			}
		}
		return nil, -1, nil
	case yaml.SequenceNode:
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= len(n.Content) {
			return nil, -1, configError(part, fmt.Sprintf("not an index of a %d-item list", len(n.Content)))
		}
		return n.Content[idx], idx, nil
	default:
		return nil, -1, configError(part, "parent is not a map or list")
	}
}

func setKey(doc *yaml.Node, parts []string, val *yaml.Node) error {
	if len(parts) == 0 {
		return configError("key", "empty key")
	}
	parent := doc
	if len(parts) > 1 {
		var err error
		if parent, err = lookup(doc, parts[:len(parts)-1]); err != nil {
			return err
		}
	} else if parent.Kind == yaml.DocumentNode {
		parent = parent.Content[0]
	}

	last := parts[len(parts)-1]
	child, idx, err := childOf(parent, last)
	if err != nil {
		return err
	}
	switch {
	case child == nil:
		parent.Content = append(parent.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: last}, val)
	default:
		parent.Content[idx] = val
	}
	return nil
}
