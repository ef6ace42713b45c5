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

// Package klogcontrol exposes the flags of klog for runtime configuration.
package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// EnvPrefix is the prefix of environment variables overriding klog flag defaults.
	EnvPrefix = "LOGGER_"
)

// Control sets klog flags at runtime.
type Control struct {
	flags *flag.FlagSet
	// flags with defaults taken from the environment
	fromEnv map[string]string
}

var ctl = newControl()

// Get returns the klog Control instance.
func Get() *Control {
	return ctl
}

func newControl() *Control {
	c := &Control{
		flags:   flag.NewFlagSet("klog", flag.ContinueOnError),
		fromEnv: map[string]string{},
	}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)
	c.seedFromEnv(os.LookupEnv)
	return c
}

// EnvVar returns the environment variable for the given klog flag.
func EnvVar(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (c *Control) seedFromEnv(lookup func(string) (string, bool)) {
	c.flags.VisitAll(func(f *flag.Flag) {
		value, ok := lookup(EnvVar(f.Name))
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			klog.Errorf("klog flag %s: invalid value %q in %s: %v", f.Name, value, EnvVar(f.Name), err)
			return
		}
		c.fromEnv[f.Name] = value
	})

	// Timestamps are redundant in journald, drop them unless asked for.
	if _, ok := c.fromEnv["skip_headers"]; !ok {
		if stream, _ := lookup("JOURNAL_STREAM"); stream != "" {
			c.flags.Set("skip_headers", "true")
		}
	}
}

// Configure sets the klog flags present in the configuration.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	c.flags.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("klogcontrol: flag %s=%q: %w", f.Name, value, err))
		}
	})
	return errors.Join(errs...)
}

// Value returns the current value of the given klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// FromEnv returns the names of flags with defaults from the environment.
func (c *Control) FromEnv() []string {
	names := make([]string, 0, len(c.fromEnv))
	for name := range c.fromEnv {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
