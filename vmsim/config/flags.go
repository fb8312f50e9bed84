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

package config

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/pagevm/pkg/sentry/mm"
	"gvisor.dev/pagevm/pkg/sentry/swap"
	"gvisor.dev/pagevm/vmsim/flag"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	layout := mm.DefaultLayout()

	// Machine.
	flagSet.Int("frames", 64, "number of physical page frames.")
	flagSet.String("swap-file", "", "host file backing the swap device. If empty, swap is kept in memory.")
	flagSet.Uint64("swap-sectors", 8192, "size of the swap device, in 512-byte sectors.")

	// Address space layout.
	flagSet.Uint64("stack-max", layout.MaxStackSize, "maximum size of a process stack, in bytes.")
	flagSet.Uint64("stack-gap", layout.StackGap, "how far below the stack pointer, in bytes, an access still grows the stack.")
	flagSet.Uint64("mmap-base", uint64(layout.MmapBase), "address where mappings without a fixed address are placed.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. %PID% is replaced with the process ID.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("metrics-file", "", "file path where paging statistics are written in Prometheus text format after a run.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	setFromFlags(conf, flagSet, func(string) bool { return true })
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile creates a new Config from the TOML file at path. Keys missing
// from the file take their flag default, and flags set explicitly on the
// command line take precedence over the file.
func LoadFile(path string, flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	setFromFlags(conf, flagSet, func(string) bool { return true })
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
	}
	setFromFlags(conf, flagSet, func(name string) bool { return flag.IsSet(flagSet, name) })
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every flag accepted by filter into conf.
func setFromFlags(conf *Config, flagSet *flag.FlagSet, filter func(name string) bool) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !filter(name) {
			continue
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

// SwapSlots returns the number of pages the swap device holds.
func (c *Config) SwapSlots() uint64 {
	return c.SwapSectors / swap.SectorsPerPage
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
