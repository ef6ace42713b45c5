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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1"
	"github.com/containers/nri-sysmem/pkg/scenario"
)

func newNegotiateCmd(opts *options) *cobra.Command {
	var (
		output  string
		verify  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "negotiate SCENARIO...",
		Short: "Run participant scenarios against a broker",
		Long: `Run each scenario file against a fresh broker and print what every
participant got. With --verify the expectations of the scenarios are
checked and any mismatch fails the command.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("invalid output format %q, expected json or yaml", output)
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			var errs *multierror.Error
			for _, file := range args {
				s, err := scenario.Load(file)
				if err != nil {
					return err
				}

				report, err := runScenario(cmd.Context(), cfg, s, timeout)
				if err != nil {
					return err
				}
				if err := printReport(cmd.OutOrStdout(), output, report); err != nil {
					return err
				}

				if verify {
					if err := scenario.Verify(s, report); err != nil {
						errs = multierror.Append(errs, fmt.Errorf("%s: %w", file, err))
					}
				}
			}

			return errs.ErrorOrNil()
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format, json or yaml")
	cmd.Flags().BoolVar(&verify, "verify", false, "check scenario expectations")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for a single scenario")

	return cmd
}

func runScenario(ctx context.Context, cfg *cfgapi.SysmemBroker, s *scenario.Scenario, timeout time.Duration) (*scenario.Report, error) {
	b, err := newBroker(cfg)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return scenario.Run(ctx, b, s)
}

func printReport(w io.Writer, format string, report *scenario.Report) error {
	var (
		data []byte
		err  error
	)

	switch format {
	case "json":
		data, err = json.MarshalIndent(report, "", "  ")
		data = append(data, '\n')
	default:
		data, err = yaml.Marshal(report)
		data = append([]byte("---\n"), data...)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = w.Write(data)
	return err
}
