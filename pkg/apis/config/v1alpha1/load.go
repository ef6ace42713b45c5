// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package v1alpha1

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/broker"
)

// Default returns the default broker configuration object.
func Default() *SysmemBroker {
	cfg := &SysmemBroker{}
	cfg.Kind = Kind
	cfg.APIVersion = APIVersion
	cfg.Name = "default"
	cfg.Spec.Config = *broker.Default()
	return cfg
}

// Parse parses the given YAML or JSON data into a validated configuration,
// filling in defaults for anything left unset.
func Parse(data []byte) (*SysmemBroker, error) {
	cfg := &SysmemBroker{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}

	if cfg.Kind != "" && cfg.Kind != Kind {
		return nil, fmt.Errorf("config: unexpected kind %q, expected %q", cfg.Kind, Kind)
	}

	cfg.Spec.SetDefaults()
	if err := cfg.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Load reads and parses the configuration file at the given path.
func Load(path string) (*SysmemBroker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Print marshals the configuration to YAML.
func (c *SysmemBroker) Print() ([]byte, error) {
	return yaml.Marshal(c)
}
