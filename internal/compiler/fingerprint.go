package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
)

type fingerprintInput struct {
	Nodes  []graph.Node   `json:"nodes"`
	Fields []schema.Field `json:"fields"`
}

// fingerprint hashes the lineage nodes in order together with the resolved
// source fields. encoding/json emits struct fields in declaration order and
// map keys sorted, so equal inputs hash equal.
func fingerprint(nodes []graph.Node, fields []schema.Field) (string, error) {
	data, err := json.Marshal(fingerprintInput{Nodes: nodes, Fields: fields})
	if err != nil {
		return "", fmt.Errorf("encode plan fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
