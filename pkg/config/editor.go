package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// editableKeys are the only top-level keys the `config get/set/unset`
// subcommand group is allowed to touch (§6).
var editableKeys = map[string]bool{
	"farm_id":                    true,
	"fleet_id":                   true,
	"windows_job_user":           true,
	"shutdown_on_stop":           true,
	"allow_ec2_instance_profile": true,
}

// Editor mutates a YAML config file in place while preserving comments
// and key order, using yaml.v3's Node API rather than marshal/unmarshal
// through a struct (which would drop both).
type Editor struct {
	path string
	doc  yaml.Node
}

// OpenEditor reads path into a yaml.Node document. A missing file starts
// from an empty mapping document so `config set` can create one.
func OpenEditor(path string) (*Editor, error) {
	e := &Editor{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		e.doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &e.doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(e.doc.Content) == 0 {
		e.doc.Kind = yaml.DocumentNode
		e.doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	return e, nil
}

func (e *Editor) root() *yaml.Node {
	return e.doc.Content[0]
}

// Get returns the scalar value of key, and whether it was present.
func (e *Editor) Get(key string) (string, bool) {
	root := e.root()
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			return root.Content[i+1].Value, true
		}
	}
	return "", false
}

// Set assigns key = value, inserting a new mapping entry if key is
// absent or updating the existing scalar node's value (and tag) in
// place so any attached comments survive.
func (e *Editor) Set(key, value string) error {
	if !editableKeys[key] {
		return fmt.Errorf("config: %q is not an editable key", key)
	}
	root := e.root()
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			root.Content[i+1].SetString(value)
			root.Content[i+1].Tag = "!!str"
			return nil
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
	root.Content = append(root.Content, keyNode, valNode)
	return nil
}

// Unset removes key from the mapping if present. It is a no-op
// otherwise, making repeated calls idempotent.
func (e *Editor) Unset(key string) error {
	if !editableKeys[key] {
		return fmt.Errorf("config: %q is not an editable key", key)
	}
	root := e.root()
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			root.Content = append(root.Content[:i], root.Content[i+2:]...)
			return nil
		}
	}
	return nil
}

// ensureChildMap returns the mapping node at key under parent, creating an
// empty one if key is absent.
func ensureChildMap(parent *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(parent.Content); i += 2 {
		if parent.Content[i].Value == key {
			return parent.Content[i+1]
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	parent.Content = append(parent.Content, keyNode, valNode)
	return valNode
}

// setScalarNode assigns key = value (tagged) within the mapping node m,
// inserting a new entry if key is absent.
func setScalarNode(m *yaml.Node, key, tag, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1].SetString(value)
			m.Content[i+1].Tag = tag
			return
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
	m.Content = append(m.Content, keyNode, valNode)
}

// setSeqNode assigns key = values (a YAML sequence of strings) within the
// mapping node m, replacing any existing entry.
func setSeqNode(m *yaml.Node, key string, values []string) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range values {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v})
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = seq
			return
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	m.Content = append(m.Content, keyNode, seq)
}

// removeKey deletes key from the mapping node m if present. No-op
// otherwise.
func removeKey(m *yaml.Node, key string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content = append(m.Content[:i], m.Content[i+2:]...)
			return
		}
	}
}

// SetCapabilityAmount sets capabilities.amounts.<name> = value, validating
// name against the "(<vendor>:)?amount.<name>"/"attr.<name>" grammar (§6
// "Capability declaration") before writing. Bare "capabilities" stays
// unreachable through the generic Set/Unset above; only these
// capability-specific methods may touch the nested capability tree.
func (e *Editor) SetCapabilityAmount(name string, value float64) error {
	if !capabilityName.MatchString(name) {
		return fmt.Errorf("config: invalid capability amount name %q", name)
	}
	if value < 0 {
		return fmt.Errorf("config: capability amount %q must be non-negative", name)
	}
	caps := ensureChildMap(e.root(), "capabilities")
	amounts := ensureChildMap(caps, "amounts")
	// Untagged, so the value is written as a plain number ("2", "2.5").
	setScalarNode(amounts, name, "", strconv.FormatFloat(value, 'g', -1, 64))
	return nil
}

// UnsetCapabilityAmount removes capabilities.amounts.<name> if present.
func (e *Editor) UnsetCapabilityAmount(name string) error {
	if !capabilityName.MatchString(name) {
		return fmt.Errorf("config: invalid capability amount name %q", name)
	}
	caps := ensureChildMap(e.root(), "capabilities")
	amounts := ensureChildMap(caps, "amounts")
	removeKey(amounts, name)
	return nil
}

// SetCapabilityAttribute sets capabilities.attributes.<name> = values,
// validating name against the same grammar as SetCapabilityAmount.
func (e *Editor) SetCapabilityAttribute(name string, values []string) error {
	if !capabilityName.MatchString(name) {
		return fmt.Errorf("config: invalid capability attribute name %q", name)
	}
	caps := ensureChildMap(e.root(), "capabilities")
	attrs := ensureChildMap(caps, "attributes")
	setSeqNode(attrs, name, values)
	return nil
}

// UnsetCapabilityAttribute removes capabilities.attributes.<name> if
// present.
func (e *Editor) UnsetCapabilityAttribute(name string) error {
	if !capabilityName.MatchString(name) {
		return fmt.Errorf("config: invalid capability attribute name %q", name)
	}
	caps := ensureChildMap(e.root(), "capabilities")
	attrs := ensureChildMap(caps, "attributes")
	removeKey(attrs, name)
	return nil
}

// Save writes the document back to path, preserving formatting and
// comments for everything the edit did not touch.
func (e *Editor) Save() error {
	out, err := yaml.Marshal(&e.doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(e.path, out, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", e.path, err)
	}
	return nil
}
