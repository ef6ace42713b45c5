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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/containers/nri-sysmem/pkg/healthz"
	"github.com/containers/nri-sysmem/pkg/instrumentation"
	logger "github.com/containers/nri-sysmem/pkg/log"
	"github.com/containers/nri-sysmem/pkg/scenario"
	"github.com/containers/nri-sysmem/pkg/sysmem"
	"github.com/containers/nri-sysmem/pkg/version"
)

const (
	// NegotiatePath is the path of the negotiation API endpoint.
	NegotiatePath = "/v1/negotiate"
	// maxScenarioBytes is the largest accepted scenario request body.
	maxScenarioBytes = 1 << 20
	// brokerHealthChecker is the name of the broker health checker.
	brokerHealthChecker = "broker"
)

func newServeCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the negotiation API over HTTP",
		Long: `Serve the negotiation API, metrics and health checks on the configured
HTTP endpoint. Scenarios POSTed to ` + NegotiatePath + ` run against a
single long-lived broker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			logger.SetStdLogger("stdlog")
			logger.SetupDebugToggleSignal(syscall.SIGUSR1)

			b, err := newBroker(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			log.Info("starting sysmem-broker version %s/build %s...", version.Version, version.Build)

			instrumentation.SetIdentity(
				instrumentation.Attribute("sysmem.heaps", len(b.Heaps())),
			)
			mux := instrumentation.HTTPServer().Router()
			mux.Post(NegotiatePath, negotiateHandler(b, timeout))
			healthz.RegisterHealthChecker(brokerHealthChecker, brokerHealth(b))
			defer healthz.UnregisterHealthChecker(brokerHealthChecker)

			if err := instrumentation.Start(&cfg.Spec.Instrumentation); err != nil {
				return fmt.Errorf("failed to start instrumentation: %w", err)
			}
			defer instrumentation.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			log.Info("shutting down...")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for a single scenario")

	return cmd
}

// negotiateResponse is the reply to a negotiation request.
type negotiateResponse struct {
	*scenario.Report
	Mismatches []string `json:"mismatches,omitempty"`
}

func negotiateHandler(b *sysmem.Broker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxScenarioBytes+1))
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read request: %v", err), http.StatusBadRequest)
			return
		}
		if len(data) > maxScenarioBytes {
			http.Error(w, "scenario too large", http.StatusRequestEntityTooLarge)
			return
		}

		s, err := scenario.Parse(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report, err := scenario.Run(ctx, b, s)
		if err != nil {
			log.Error("scenario %q failed: %v", s.Name, err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		rpl := &negotiateResponse{Report: report}
		if err := scenario.Verify(s, report); err != nil {
			merr := &multierror.Error{}
			if errors.As(err, &merr) {
				for _, e := range merr.Errors {
					rpl.Mismatches = append(rpl.Mismatches, e.Error())
				}
			} else {
				rpl.Mismatches = []string{err.Error()}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rpl); err != nil {
			log.Error("failed to write negotiation reply: %v", err)
		}
	}
}

func brokerHealth(b *sysmem.Broker) healthz.CheckFn {
	return func() (healthz.Status, error) {
		if err := b.Check(); err != nil {
			return healthz.NonFunctional, err
		}
		return healthz.Healthy, nil
	}
}
