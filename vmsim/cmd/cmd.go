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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"context"
	"fmt"

	"gvisor.dev/pagevm/pkg/cleanup"
	"gvisor.dev/pagevm/pkg/log"
	"gvisor.dev/pagevm/pkg/sentry/frame"
	"gvisor.dev/pagevm/pkg/sentry/pgalloc"
	"gvisor.dev/pagevm/pkg/sentry/swap"
	"gvisor.dev/pagevm/vmsim/config"
)

// newFrameTable builds the physical memory, swap device and frame table
// described by conf. The returned function releases them.
func newFrameTable(ctx context.Context, conf *config.Config) (*frame.Table, func(), error) {
	mem, err := pgalloc.NewMemoryFile(conf.Frames)
	if err != nil {
		return nil, nil, fmt.Errorf("creating %d frames: %w", conf.Frames, err)
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	var dev swap.Device
	if conf.SwapFile != "" {
		fd, err := swap.OpenFileDevice(ctx, conf.SwapFile, conf.SwapSectors)
		if err != nil {
			return nil, nil, fmt.Errorf("opening swap file: %w", err)
		}
		dev = fd
	} else {
		dev = swap.NewMemDevice(conf.SwapSectors)
	}
	s, err := swap.New(dev)
	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("creating swap store: %w", err)
	}
	cu.Add(func() {
		if err := s.Close(); err != nil {
			log.Warningf("Closing swap: %v", err)
		}
	})

	log.Infof("Created %d frames and %d swap slots", conf.Frames, s.Slots())
	return frame.New(mem, s), cu.Release(), nil
}
