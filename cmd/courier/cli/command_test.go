// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesSubcommand(t *testing.T) {
	var got []string
	root := &Command{
		Name: "root",
		Subcommands: []*Command{
			{
				Name: "greet",
				Run: func(_ *pflag.FlagSet, args []string) error {
					got = args
					return nil
				},
			},
		},
	}
	if err := root.Execute([]string{"greet", "hello", "world"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Errorf("args = %v", got)
	}
}

func TestExecuteUnknownSubcommand(t *testing.T) {
	root := &Command{
		Name:        "root",
		Subcommands: []*Command{{Name: "known"}},
	}
	err := root.Execute([]string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestExecuteParsesFlags(t *testing.T) {
	var verbose bool
	var positional []string
	cmd := &Command{
		Name: "run",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flags.BoolVar(&verbose, "verbose", false, "")
			return flags
		},
		Run: func(_ *pflag.FlagSet, args []string) error {
			positional = args
			return nil
		},
	}
	if err := cmd.Execute([]string{"--verbose", "target"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !verbose {
		t.Error("flag not parsed")
	}
	if len(positional) != 1 || positional[0] != "target" {
		t.Errorf("positional = %v", positional)
	}
}

func TestHelpOutputListsSubcommands(t *testing.T) {
	root := &Command{
		Name:    "courier",
		Summary: "Client.",
		Subcommands: []*Command{
			{Name: "send", Summary: "Send a message."},
			{Name: "check", Summary: "Drain the queue."},
		},
	}
	var out strings.Builder
	root.PrintHelp(&out)
	help := out.String()
	for _, want := range []string{"Usage: courier <command>", "send", "check", "Drain the queue."} {
		if !strings.Contains(help, want) {
			t.Errorf("help missing %q:\n%s", want, help)
		}
	}
}
