package graph

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
)

// ParseYAML decodes a YAML workflow definition and builds its snapshot.
func ParseYAML(data []byte) (*Snapshot, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return Build(def)
}

// DecodeNodeConfig fills the kind-specific config of a node from the JSON
// config column of the metadata store.
func DecodeNodeConfig(n *Node, config []byte) error {
	if len(config) == 0 {
		return nil
	}
	var err error
	switch n.Kind {
	case KindSource:
		n.Source = &SourceSpec{}
		err = json.Unmarshal(config, n.Source)
	case KindTransform:
		n.Transform = &TransformSpec{}
		err = json.Unmarshal(config, n.Transform)
	case KindOutput:
		n.Output = &OutputSpec{}
		err = json.Unmarshal(config, n.Output)
	default:
		return apperr.InvalidGraph(n.ID, fmt.Sprintf("unknown node kind %q", n.Kind))
	}
	if err != nil {
		return apperr.InvalidGraph(n.ID, "decode node config: "+err.Error())
	}
	return nil
}
