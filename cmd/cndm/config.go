package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-cndm"
)

// loadParams reads device parameters from a YAML file. Fields missing from
// the file keep their defaults.
func loadParams(path string) (cndm.DeviceParams, error) {
	params := cndm.DefaultParams()
	if path == "" {
		return params, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return params, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &params); err != nil {
		return params, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

func dumpParams(params cndm.DeviceParams) error {
	b, err := yaml.Marshal(params)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}
