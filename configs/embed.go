package configs

import (
	_ "embed"
	"fmt"
	"os"
)

// DefaultPolicy is the access policy used when POLICY_FILE is unset.
//
//go:embed policy.yaml
var DefaultPolicy []byte

// LoadPolicy returns the policy document at path, or DefaultPolicy when path
// is empty.
func LoadPolicy(path string) ([]byte, error) {
	if path == "" {
		return DefaultPolicy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configs: read policy: %w", err)
	}
	return data, nil
}
