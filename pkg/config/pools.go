package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/safeprompt/gateway/pkg/judge"
)

// modelPoolFile is the on-disk shape of a model pool override:
//
//	pass1:
//	  - name: meta-llama/llama-3.1-8b-instruct
//	    costPerMillionTokens: 0.02
//	    priority: 1
//	pass2:
//	  - name: meta-llama/llama-3.1-70b-instruct
//	    costPerMillionTokens: 0.05
//	    priority: 1
type modelPoolFile struct {
	Pass1 []judge.ModelDescriptor `yaml:"pass1"`
	Pass2 []judge.ModelDescriptor `yaml:"pass2"`
}

// LoadModelPools reads judge model pools from a YAML file. Both pools must
// be non-empty; entries are returned sorted by priority.
func LoadModelPools(path string) (pass1, pass2 []judge.ModelDescriptor, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file modelPoolFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if len(file.Pass1) == 0 || len(file.Pass2) == 0 {
		return nil, nil, fmt.Errorf("%s: both pass1 and pass2 pools must list at least one model", path)
	}
	for _, pool := range [][]judge.ModelDescriptor{file.Pass1, file.Pass2} {
		for _, m := range pool {
			if m.Name == "" {
				return nil, nil, fmt.Errorf("%s: model entry missing name", path)
			}
			if m.CostPerMillionTokens < 0 {
				return nil, nil, fmt.Errorf("%s: model %s has negative cost", path, m.Name)
			}
		}
	}

	sort.SliceStable(file.Pass1, func(i, j int) bool { return file.Pass1[i].Priority < file.Pass1[j].Priority })
	sort.SliceStable(file.Pass2, func(i, j int) bool { return file.Pass2[i].Priority < file.Pass2[j].Priority })

	return file.Pass1, file.Pass2, nil
}
