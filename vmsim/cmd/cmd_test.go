// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"gvisor.dev/pagevm/pkg/sentry/swap"
	"gvisor.dev/pagevm/vmsim/config"
	"gvisor.dev/pagevm/vmsim/flag"
	"gvisor.dev/pagevm/vmsim/workload"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	return conf
}

func TestScenarios(t *testing.T) {
	var out bytes.Buffer
	if err := runScenarios(context.Background(), defaultConfig(t), "", &out); err != nil {
		t.Fatalf("runScenarios failed: %v\n%s", err, out.String())
	}
	if got := strings.Count(out.String(), ": PASS\n"); got != len(scenarios) {
		t.Errorf("got %d passing scenarios want %d:\n%s", got, len(scenarios), out.String())
	}
}

func TestScenarioOnly(t *testing.T) {
	var out bytes.Buffer
	if err := runScenarios(context.Background(), defaultConfig(t), "C", &out); err != nil {
		t.Fatalf("runScenarios failed: %v", err)
	}
	if got := out.String(); !strings.HasPrefix(got, "scenario C ") || strings.Count(got, "\n") != 1 {
		t.Errorf("got output %q want only scenario C", got)
	}
	if err := runScenarios(context.Background(), defaultConfig(t), "Z", &out); err == nil {
		t.Errorf("runScenarios of an unknown scenario succeeded")
	}
}

func TestNewFrameTableSwapFile(t *testing.T) {
	conf := defaultConfig(t)
	conf.Frames = 3
	conf.SwapFile = filepath.Join(t.TempDir(), "swap")
	conf.SwapSectors = 5 * swap.SectorsPerPage
	frames, release, err := newFrameTable(context.Background(), conf)
	if err != nil {
		t.Fatalf("newFrameTable failed: %v", err)
	}
	defer release()
	s := frames.Stats()
	if s.FreePages != 3 || s.SwapSlots != 5 {
		t.Errorf("got %d free pages, %d swap slots want 3, 5", s.FreePages, s.SwapSlots)
	}

	// The swap file is locked while in use.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := newFrameTable(ctx, conf); err == nil {
		t.Errorf("second newFrameTable on the same swap file succeeded")
	}
}

func TestPrintResult(t *testing.T) {
	var out bytes.Buffer
	res := &workload.Result{
		Processes: 2,
		Killed:    map[string]error{"b.0": context.Canceled, "a.0": context.DeadlineExceeded},
	}
	printResult(&out, res)
	got := out.String()
	if !strings.Contains(got, "processes:       2 (2 killed)\n") {
		t.Errorf("missing process count in:\n%s", got)
	}
	if a, b := strings.Index(got, "killed a.0"), strings.Index(got, "killed b.0"); a < 0 || b < a {
		t.Errorf("killed processes not listed in order in:\n%s", got)
	}
}
