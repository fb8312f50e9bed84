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

// Package metrics exports frame table statistics as Prometheus metrics.
package metrics

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/pagevm/pkg/sentry/frame"
	"gvisor.dev/pagevm/pkg/sentry/usage"
)

const (
	descFrames = iota
	descSwapSlots
	descMemory
	descAddressSpaces
	descFaults
	descStackGrowths
	descEvictions
	descSwapOuts
	descSwapIns
	descFileWriteBacks
)

var descriptors = []*prometheus.Desc{
	descFrames: prometheus.NewDesc(
		"vmsim_frames",
		"Physical page frames by state.",
		[]string{"state"},
		nil,
	),
	descSwapSlots: prometheus.NewDesc(
		"vmsim_swap_slots",
		"Swap slots by state.",
		[]string{"state"},
		nil,
	),
	descMemory: prometheus.NewDesc(
		"vmsim_memory_bytes",
		"Process memory by kind, in bytes.",
		[]string{"kind"},
		nil,
	),
	descAddressSpaces: prometheus.NewDesc(
		"vmsim_address_spaces",
		"Number of live address spaces.",
		nil,
		nil,
	),
	descFaults: prometheus.NewDesc(
		"vmsim_page_faults_total",
		"Resolved page faults by type.",
		[]string{"type"},
		nil,
	),
	descStackGrowths: prometheus.NewDesc(
		"vmsim_stack_growths_total",
		"Faults resolved by growing the stack.",
		nil,
		nil,
	),
	descEvictions: prometheus.NewDesc(
		"vmsim_evictions_total",
		"Frames reclaimed by the clock.",
		nil,
		nil,
	),
	descSwapOuts: prometheus.NewDesc(
		"vmsim_swap_outs_total",
		"Pages written to swap.",
		nil,
		nil,
	),
	descSwapIns: prometheus.NewDesc(
		"vmsim_swap_ins_total",
		"Pages read back from swap.",
		nil,
		nil,
	),
	descFileWriteBacks: prometheus.NewDesc(
		"vmsim_file_writebacks_total",
		"Dirty file pages written back to their file.",
		nil,
		nil,
	),
}

// Collector implements prometheus.Collector over a frame table.
type Collector struct {
	frames *frame.Table
}

// NewCollector returns a collector for frames.
func NewCollector(frames *frame.Table) *Collector {
	return &Collector{frames: frames}
}

// Describe implements prometheus.Collector.Describe.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.frames.Stats()
	gauge := func(d int, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[d], prometheus.GaugeValue, v, labels...)
	}
	counter := func(d int, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[d], prometheus.CounterValue, float64(v), labels...)
	}

	gauge(descFrames, float64(s.Frames-s.Pinned), "allocated")
	gauge(descFrames, float64(s.Pinned), "pinned")
	gauge(descFrames, float64(s.FreePages), "free")
	gauge(descSwapSlots, float64(s.SwapUsed), "used")
	gauge(descSwapSlots, float64(s.SwapSlots-s.SwapUsed), "free")
	gauge(descMemory, float64(s.Memory.Anonymous), usage.Anonymous.String())
	gauge(descMemory, float64(s.Memory.Mapped), usage.Mapped.String())
	gauge(descMemory, float64(s.Memory.Swap), usage.Swap.String())
	gauge(descAddressSpaces, float64(s.Owners))

	counter(descFaults, s.Paging.Faults-s.Paging.MajorFaults, "minor")
	counter(descFaults, s.Paging.MajorFaults, "major")
	counter(descStackGrowths, s.Paging.StackGrowths)
	counter(descEvictions, s.Paging.Evictions)
	counter(descSwapOuts, s.Paging.SwapOuts)
	counter(descSwapIns, s.Paging.SwapIns)
	counter(descFileWriteBacks, s.Paging.FileWriteBacks)
}

// Write writes a snapshot of frames' metrics to w in the Prometheus text
// exposition format.
func Write(w io.Writer, frames *frame.Table) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(frames)); err != nil {
		return fmt.Errorf("registering collector: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteFile writes a snapshot of frames' metrics to the file at path.
func WriteFile(path string, frames *frame.Table) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := Write(f, frames); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
