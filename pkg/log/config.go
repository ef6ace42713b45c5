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

package log

import (
	"os"
	"sort"
	"strings"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/log"
	"github.com/containers/nri-sysmem/pkg/log/klogcontrol"
	"github.com/containers/nri-sysmem/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar seeds the debug settings of sources.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar turns on source prefixing if set.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
	// allSources is the source name matching every source.
	allSources = "*"
)

// srcmap is the debug state of logger sources.
type srcmap map[string]bool

var (
	klogctl = klogcontrol.Get()
)

// parse updates the map from a comma-separated list of sources. Each
// source may be prefixed by a state, which then applies to the sources
// following it until the next state: "on:sysmem,broker,off:metrics".
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = srcmap{}
	}

	state := "on"
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if s, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid debug entry %q", entry)
			}
			state, src = strings.TrimSpace(s), strings.TrimSpace(rest)
		}

		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return loggerError("invalid debug state %q in %q", state, entry)
		}
		if src == "all" {
			src = allSources
		}
		(*m)[src] = enabled
	}

	return nil
}

// String returns the map in the format accepted by parse.
func (m *srcmap) String() string {
	var on, off []string
	for src, enabled := range *m {
		if enabled {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	entries := []string{}
	if len(on) > 0 {
		entries = append(entries, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		entries = append(entries, "off:"+strings.Join(off, ","))
	}
	return strings.Join(entries, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	deflog.Info("logger configuration update %+v", cfg)

	debug := srcmap{}
	for _, value := range cfg.Debug {
		if err := debug.parse(value); err != nil {
			return err
		}
	}

	// Plain klog output to stderr carries no source, so prefix it.
	prefix := cfg.LogSource
	if isSet(cfg.Klog.Logtostderr) && isSet(cfg.Klog.Skip_headers) {
		prefix = true
	}

	log.Lock()
	log.setDbgMap(debug)
	log.setPrefix(prefix)
	log.Unlock()

	return klogctl.Configure(&cfg.Klog)
}

func isSet(b *bool) bool {
	return b != nil && *b
}

// envConfig returns the logging configuration seeded from the environment.
func envConfig() *cfgapi.Config {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}

	value, ok := os.LookupEnv(debugEnvVar)
	if !ok {
		return cfg
	}

	debug := srcmap{}
	if err := debug.parse(value); err != nil {
		deflog.Error("ignoring $%s: %v", debugEnvVar, err)
		return cfg
	}

	cfg.Debug = []string{debug.String()}
	deflog.Info("debug flags from $%s: %s", debugEnvVar, cfg.Debug[0])

	return cfg
}

func init() {
	if err := Configure(envConfig()); err != nil {
		deflog.Error("initial logging configuration failed: %v", err)
	}
}
