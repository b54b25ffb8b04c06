// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestBindFlags_BasicTypes(t *testing.T) {
	type params struct {
		Profile  string        `flag:"profile,p" desc:"configuration profile"`
		Verbose  bool          `flag:"verbose,v" desc:"debug logging"`
		Limit    int           `flag:"limit" desc:"maximum items"`
		Timeout  time.Duration `flag:"timeout" desc:"request timeout"`
		Only     []string      `flag:"only" desc:"item ids"`
		Untagged string
	}

	var p params
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(&p, flagSet); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	err := flagSet.Parse([]string{"-p", "mock", "-v", "--limit", "20", "--timeout", "30s", "--only", "a,b"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Profile != "mock" {
		t.Errorf("Profile = %q, want %q", p.Profile, "mock")
	}
	if !p.Verbose {
		t.Error("Verbose = false, want true")
	}
	if p.Limit != 20 {
		t.Errorf("Limit = %d, want 20", p.Limit)
	}
	if p.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", p.Timeout)
	}
	if len(p.Only) != 2 || p.Only[0] != "a" || p.Only[1] != "b" {
		t.Errorf("Only = %v, want [a b]", p.Only)
	}
	if flagSet.Lookup("untagged") != nil {
		t.Error("untagged field was bound")
	}
}

func TestBindFlags_Defaults(t *testing.T) {
	type params struct {
		Profile string        `flag:"profile" default:"default"`
		Limit   int           `flag:"limit" default:"50"`
		Timeout time.Duration `flag:"timeout" default:"10s"`
		Plain   bool          `flag:"plain" default:"true"`
		Only    []string      `flag:"only" default:"x,y"`
	}

	var p params
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(&p, flagSet); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := flagSet.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Profile != "default" || p.Limit != 50 || p.Timeout != 10*time.Second || !p.Plain {
		t.Errorf("defaults not applied: %+v", p)
	}
	if len(p.Only) != 2 || p.Only[0] != "x" {
		t.Errorf("Only = %v, want [x y]", p.Only)
	}
}

type ConfigBinder struct {
	Config string
}

func (g *ConfigBinder) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.Config, "config", "", "configuration file")
}

func TestBindFlags_EmbeddedFlagBinder(t *testing.T) {
	type params struct {
		ConfigBinder
		JSONOutput
		Refresh bool `flag:"refresh"`
	}

	var p params
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(&p, flagSet); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := flagSet.Parse([]string{"--config", "/etc/inboxfs.yaml", "--json", "--refresh"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Config != "/etc/inboxfs.yaml" {
		t.Errorf("Config = %q", p.Config)
	}
	if !p.OutputJSON || !p.Refresh {
		t.Errorf("params = %+v, want --json and --refresh set", p)
	}
}

func TestBindFlags_TopLevelFlagBinder(t *testing.T) {
	var p ConfigBinder
	flagSet := FlagsFromParams("test", &p)
	if err := flagSet.Parse([]string{"--config", "inboxfs.yaml"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Config != "inboxfs.yaml" {
		t.Errorf("Config = %q", p.Config)
	}
}

func TestBindFlags_Errors(t *testing.T) {
	type named struct {
		Name string `flag:"name"`
	}
	if err := BindFlags(named{}, pflag.NewFlagSet("test", pflag.ContinueOnError)); err == nil ||
		!strings.Contains(err.Error(), "params must be a pointer to a struct") {
		t.Errorf("non-pointer: err = %v", err)
	}

	s := "not a struct"
	if err := BindFlags(&s, pflag.NewFlagSet("test", pflag.ContinueOnError)); err == nil {
		t.Error("non-struct: want error")
	}

	type badDefault struct {
		Limit int `flag:"limit" default:"many"`
	}
	if err := BindFlags(&badDefault{}, pflag.NewFlagSet("test", pflag.ContinueOnError)); err == nil {
		t.Error("bad default: want error")
	}

	type unsupported struct {
		Ratio float32 `flag:"ratio"`
	}
	if err := BindFlags(&unsupported{}, pflag.NewFlagSet("test", pflag.ContinueOnError)); err == nil ||
		!strings.Contains(err.Error(), "unsupported type") {
		t.Errorf("unsupported: err = %v", err)
	}
}

func TestEmitJSON(t *testing.T) {
	var output JSONOutput
	var buffer bytes.Buffer

	done, err := output.EmitJSON(&buffer, []string{"a"})
	if done || err != nil || buffer.Len() != 0 {
		t.Fatalf("EmitJSON without --json = %v, %v, %q", done, err, buffer.String())
	}

	output.OutputJSON = true
	var empty []string
	done, err = output.EmitJSON(&buffer, empty)
	if !done || err != nil {
		t.Fatalf("EmitJSON = %v, %v", done, err)
	}
	if got := strings.TrimSpace(buffer.String()); got != "[]" {
		t.Errorf("nil slice encoded as %q, want []", got)
	}
}
