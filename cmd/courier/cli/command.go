// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is a small pflag-based command tree for the courier
// client binary.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is one CLI command or subcommand.
type Command struct {
	// Name is the command name as typed by the user.
	Name string

	// Summary is a one-line description shown in the parent's help.
	Summary string

	// Usage is the usage string. Synthesized from the tree if empty.
	Usage string

	// Flags returns this command's flag set. Nil means no flags.
	Flags func() *pflag.FlagSet

	// Subcommands are dispatched by the first positional argument.
	Subcommands []*Command

	// Run executes with the remaining arguments after flag parsing.
	Run func(flags *pflag.FlagSet, args []string) error

	parent *Command
}

// Execute parses args and dispatches to a subcommand or Run.
func (c *Command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(os.Stderr)
		return nil
	}

	if len(c.Subcommands) > 0 {
		if len(args) == 0 {
			c.PrintHelp(os.Stderr)
			return fmt.Errorf("subcommand required")
		}
		name := args[0]
		for _, sub := range c.Subcommands {
			if sub.Name == name {
				sub.parent = c
				return sub.Execute(args[1:])
			}
		}
		return fmt.Errorf("unknown command %q, run '%s --help' for usage", name, c.fullName())
	}

	var flags *pflag.FlagSet
	if c.Flags != nil {
		flags = c.Flags()
	} else {
		flags = pflag.NewFlagSet(c.Name, pflag.ContinueOnError)
	}
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			c.PrintHelp(os.Stderr)
			return nil
		}
		return fmt.Errorf("%s: %w", c.fullName(), err)
	}
	if c.Run == nil {
		c.PrintHelp(os.Stderr)
		return nil
	}
	return c.Run(flags, flags.Args())
}

// PrintHelp writes usage, summary, flags, and subcommands to w.
func (c *Command) PrintHelp(w io.Writer) {
	usage := c.Usage
	if usage == "" {
		usage = c.fullName()
		if len(c.Subcommands) > 0 {
			usage += " <command>"
		}
	}
	fmt.Fprintf(w, "Usage: %s\n", usage)
	if c.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", c.Summary)
	}
	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tab := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tab, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		tab.Flush()
	}
	if c.Flags != nil {
		flags := c.Flags()
		if flags.HasFlags() {
			fmt.Fprintf(w, "\nFlags:\n%s", flags.FlagUsages())
		}
	}
}

func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func isHelpFlag(arg string) bool {
	switch strings.TrimLeft(arg, "-") {
	case "h", "help":
		return strings.HasPrefix(arg, "-")
	}
	return false
}
