package ppm

import (
	"encoding/json"
	"fmt"
	"os"
)

// VerifyParamFile is the output of the task setup phase: the verify
// parameter of each aggregator, hex encoded. It is distributed out of band
// before any report flows.
type VerifyParamFile struct {
	Leader string `json:"leader"`
	Helper string `json:"helper"`
}

// TaskSetup is everything the setup phase produces for one task.
type TaskSetup struct {
	Hpke         *HpkeConfigFile
	VerifyParams *VerifyParamFile
}

// NewTaskSetup generates fresh HPKE configurations for every role and the
// aggregators' verify parameters.
func NewTaskSetup(vdaf *Prio3Sum) (*TaskSetup, error) {
	hpkeFile := &HpkeConfigFile{}
	for i, role := range []Role{RoleLeader, RoleHelper, RoleCollector} {
		config, err := GenerateHpkeConfig(uint8(i + 1))
		if err != nil {
			return nil, fmt.Errorf("generating %v HPKE config: %w", role, err)
		}
		slot, _ := hpkeFile.ForRole(role)
		*slot = *config
	}

	params, err := vdaf.Setup()
	if err != nil {
		return nil, fmt.Errorf("generating verify parameters: %w", err)
	}

	return &TaskSetup{
		Hpke: hpkeFile,
		VerifyParams: &VerifyParamFile{
			Leader: params[0].String(),
			Helper: params[1].String(),
		},
	}, nil
}

func (s *TaskSetup) WriteFiles(hpkePath, verifyPath string) error {
	if err := writeJSONFile(hpkePath, s.Hpke); err != nil {
		return err
	}
	return writeJSONFile(verifyPath, s.VerifyParams)
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func LoadVerifyParamFile(path string) (*VerifyParamFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file VerifyParamFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing verify parameter file: %w", err)
	}
	return &file, nil
}

// ForRole decodes the verify parameter of an aggregator and checks that it
// was issued for that aggregator.
func (f *VerifyParamFile) ForRole(role Role) (*VerifyParam, error) {
	idx, err := role.aggregatorIndex()
	if err != nil {
		return nil, err
	}
	encoded := f.Leader
	if role == RoleHelper {
		encoded = f.Helper
	}
	vp, err := ParseVerifyParam(encoded)
	if err != nil {
		return nil, err
	}
	if int(vp.AggregatorID) != idx {
		return nil, fmt.Errorf("verify parameter for aggregator %d given to %v", vp.AggregatorID, role)
	}
	return vp, nil
}
