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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1"
	logger "github.com/containers/nri-sysmem/pkg/log"
	"github.com/containers/nri-sysmem/pkg/sysmem"
)

var (
	log = logger.Default()
)

// options are the global command line options.
type options struct {
	configFile string
	debug      []string
	logSource  bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "sysmem-broker",
		Short: "Negotiate and allocate shared buffer collections",
		Long: `sysmem-broker negotiates buffer collections shared by a tree of
participants. It can run participant scenarios described in YAML files,
or serve the negotiation API over HTTP along with metrics and health checks.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "broker configuration file")
	flags.StringSliceVar(&opts.debug, "debug", nil, "enable debugging for logger sources, for instance 'on:sysmem'")
	flags.BoolVar(&opts.logSource, "log-source", false, "prefix log messages with their source")

	cmd.AddCommand(
		newNegotiateCmd(opts),
		newServeCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// loadConfig loads the configuration and applies the logging options to it.
func (o *options) loadConfig() (*cfgapi.SysmemBroker, error) {
	cfg := cfgapi.Default()
	if o.configFile != "" {
		c, err := cfgapi.Load(o.configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	cfg.Spec.Log.AddDebug(o.debug...)
	if o.logSource {
		cfg.Spec.Log.LogSource = true
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	return cfg, nil
}

func newBroker(cfg *cfgapi.SysmemBroker) (*sysmem.Broker, error) {
	b, err := sysmem.NewBroker(sysmem.WithConfig(&cfg.Spec.Config))
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	return b, nil
}
