package upload

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/bomflow/internal/model"
)

// policyFile is the on-disk shape of a per-source processing policy.
type policyFile struct {
	BatchSize        int `yaml:"batch_size"`
	Concurrency      int `yaml:"concurrency"`
	InterItemDelayMS int `yaml:"inter_item_delay_ms"`
}

// DefaultPolicy is applied when a source ships no policy file.
func DefaultPolicy() model.ProcessingPolicy {
	return model.ProcessingPolicy{
		BatchSize:        50,
		Concurrency:      5,
		InterItemDelayMS: 200,
	}
}

// LoadPolicy reads a YAML processing policy. Unset fields fall back to the
// defaults; negative values are rejected.
func LoadPolicy(path string) (model.ProcessingPolicy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, eris.Wrapf(err, "upload: read policy %s", path)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return policy, eris.Wrap(err, "upload: parse policy")
	}

	if pf.BatchSize < 0 || pf.Concurrency < 0 || pf.InterItemDelayMS < 0 {
		return policy, eris.Errorf("upload: policy %s has negative values", path)
	}
	if pf.BatchSize > 0 {
		policy.BatchSize = pf.BatchSize
	}
	if pf.Concurrency > 0 {
		policy.Concurrency = pf.Concurrency
	}
	if pf.InterItemDelayMS > 0 {
		policy.InterItemDelayMS = pf.InterItemDelayMS
	}
	return policy, nil
}
