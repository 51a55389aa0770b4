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
	"flag"
	"fmt"
	"reflect"
	"sort"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vgpu/pkg/log"
	"gvisor.dev/vgpu/pkg/refs"
	"gvisor.dev/vgpu/pkg/vgpu"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with settings. Flags given on the command line take precedence.")
	flagSet.String("log", "", "file path where internal debug information is written.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Device flags.
	d := vgpu.DefaultConfig()
	flagSet.Int("control-queue-size", d.ControlQueueSize, "slots in the control queue.")
	flagSet.Int("cursor-queue-size", d.CursorQueueSize, "slots in the cursor queue. Zero disables the cursor queue.")
	flagSet.Int("max-buffers", d.MaxBuffers, "maximum outstanding transport buffers, 0 for no limit.")
	flagSet.Uint("max-resources", uint(d.MaxResources), "maximum live resource ids.")
	flagSet.Uint("max-contexts", uint(d.MaxContexts), "maximum live rendering contexts.")
	flagSet.Bool("enable-3d", d.Enable3D, "enable 3D resources, contexts and command submission.")
	flagSet.Bool("batch-notify", d.BatchNotify, "batch host notifications.")
	flagSet.Int("low-water", d.LowWater, "free ring slots below which batched notifications are flushed.")
	flagSet.Int("counter-bits", d.CounterBits, "width of the host completion counter: 32 or 64.")
	flagSet.Duration("lockup-window", d.LockupWindow, "how long a fence wait tolerates no progress before warning about a lockup.")
	flagSet.Int("max-process-loops", d.MaxProcessLoops, "bound on fence reconciliation retries.")
	flagSet.Bool("kick-before-wait", d.KickBeforeWait, "notify the host before blocking on a fence.")
	flagSet.Int("max-submit-bytes", d.MaxSubmitBytes, "maximum size of one command stream submission.")
	flagSet.Duration("drain-timeout", d.DrainTimeout, "how long detach waits for outstanding buffers.")

	// Host flags.
	flagSet.Duration("host-delay", 0, "delay before each command the simulated host executes.")
	flagSet.Bool("interrupts", true, "signal completions through an eventfd instead of polling.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the named file.
//
// Defaults come from the registered flags. The file overrides them, and flags
// set explicitly on the command line override the file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	fields := conf.flagFields()

	var err error
	flagSet.VisitAll(func(fl *flag.Flag) {
		if err == nil {
			err = setField(fields, fl)
		}
	})
	if err != nil {
		return nil, err
	}

	if conf.File != "" {
		md, err := toml.DecodeFile(conf.File, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.File, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in config file %q: %v", conf.File, undecoded)
		}
		flagSet.Visit(func(fl *flag.Flag) {
			if err == nil {
				err = setField(fields, fl)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// flagFields maps flag names to the fields of c bound to them, descending
// into nested structs without a flag tag.
func (c *Config) flagFields() map[string]reflect.Value {
	fields := make(map[string]reflect.Value)
	collectFields(reflect.ValueOf(c).Elem(), fields)
	return fields
}

func collectFields(v reflect.Value, fields map[string]reflect.Value) {
	st := v.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			fields[name] = v.Field(i)
			continue
		}
		if f.Type.Kind() == reflect.Struct {
			collectFields(v.Field(i), fields)
		}
	}
}

func setField(fields map[string]reflect.Value, fl *flag.Flag) error {
	field, ok := fields[fl.Name]
	if !ok {
		// Flag registered by someone else, e.g. a subcommand.
		return nil
	}
	x := reflect.ValueOf(get(fl.Value))
	if !x.Type().ConvertibleTo(field.Type()) {
		return fmt.Errorf("flag %q of type %v cannot set field of type %v", fl.Name, x.Type(), field.Type())
	}
	field.Set(x.Convert(field.Type()))
	return nil
}

// get returns the value held by a flag.
func get(v flag.Value) any {
	if g, ok := v.(flag.Getter); ok {
		return g.Get()
	}
	return reflect.Indirect(reflect.ValueOf(v)).Interface()
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// Log prints the configuration to the log.
func (c *Config) Log() {
	fields := c.flagFields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	log.Infof("Config:")
	for _, name := range names {
		log.Infof("\t%s: %v", name, fields[name].Interface())
	}
}
