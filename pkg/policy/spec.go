package policy

import (
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/certen/instant-finality/pkg/bls"
)

// FinalizerSpec is a YAML-describable finalizer record: the same
// (description, weight, public key) triple the on-wire
// finalizer_set_extension carries (§6), but in a human-authored form
// for bootstrap fixtures and tests rather than the binary wire layout
// pkg/wire encodes. Grounded on the teacher's pkg/config/anchor_config.go
// yaml.v3 struct-tag convention — this is not the host's configuration
// file parsing (out of scope per §1): it is a declarative description
// of one C4 input, the kind of snippet a deployment doc or test fixture
// embeds directly.
type FinalizerSpec struct {
	Description  string `yaml:"description"`
	Weight       uint64 `yaml:"weight"`
	PublicKeyHex string `yaml:"public_key_hex"`
}

// SetSpec is a YAML-describable finalizer policy: the generation,
// threshold, and finalizer list New requires.
type SetSpec struct {
	Generation uint32          `yaml:"generation"`
	Threshold  uint64          `yaml:"threshold"`
	Finalizers []FinalizerSpec `yaml:"finalizers"`
}

// ParseSetSpec decodes a YAML document into a SetSpec.
func ParseSetSpec(data []byte) (*SetSpec, error) {
	var s SetSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("policy: parse yaml finalizer set: %w", err)
	}
	return &s, nil
}

// Build validates and converts s into a Policy, decoding each
// finalizer's hex-encoded public key through bls.ParsePublicKey so a
// malformed or off-curve key fails here rather than silently producing
// an unverifiable policy.
func (s *SetSpec) Build() (*Policy, error) {
	finalizers := make([]Finalizer, len(s.Finalizers))
	for i, fs := range s.Finalizers {
		raw, err := hex.DecodeString(fs.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("policy: finalizer[%d] public_key_hex: %w", i, err)
		}
		pk, err := bls.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("policy: finalizer[%d] public key: %w", i, err)
		}
		finalizers[i] = Finalizer{Description: fs.Description, Weight: fs.Weight, PublicKey: pk}
	}
	return New(s.Generation, s.Threshold, finalizers)
}
