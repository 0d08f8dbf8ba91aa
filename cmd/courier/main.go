// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// courier is the thin protocol client: each subcommand performs one
// request against the broker and renders the response. The session
// token from register is kept in an owner-only state file so
// subsequent commands can authenticate.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/courier-foundation/courier/broker"
	"github.com/courier-foundation/courier/cmd/courier/cli"
	"github.com/courier-foundation/courier/lib/config"
)

func main() {
	if err := rootCommand().Execute(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "courier:", err)
		os.Exit(1)
	}
}

// sessionState is the on-disk client session.
type sessionState struct {
	InstanceID   string `json:"instance_id"`
	SessionToken string `json:"session_token"`
}

// app carries per-invocation settings shared by all subcommands.
type app struct {
	addr    string
	dataDir string
}

func rootCommand() *cli.Command {
	a := &app{}

	globalFlags := func(name string) *pflag.FlagSet {
		flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flags.StringVar(&a.addr, "addr", "", "broker address (default "+broker.DefaultAddr+")")
		flags.StringVar(&a.dataDir, "data-dir", "", "data directory for session state")
		return flags
	}

	return &cli.Command{
		Name:    "courier",
		Summary: "Client for the Courier message broker.",
		Subcommands: []*cli.Command{
			{
				Name:    "register",
				Summary: "Register an instance id and store the session token.",
				Usage:   "courier register <instance-id>",
				Flags:   func() *pflag.FlagSet { return globalFlags("register") },
				Run:     a.register,
			},
			{
				Name:    "send",
				Summary: "Send a message to an instance.",
				Usage:   "courier send <to-id> <content...>",
				Flags:   func() *pflag.FlagSet { return globalFlags("send") },
				Run:     a.send,
			},
			{
				Name:    "check",
				Summary: "Drain and print this instance's queue.",
				Usage:   "courier check",
				Flags:   func() *pflag.FlagSet { return globalFlags("check") },
				Run:     a.check,
			},
			{
				Name:    "list",
				Summary: "List known instances.",
				Usage:   "courier list",
				Flags:   func() *pflag.FlagSet { return globalFlags("list") },
				Run:     a.list,
			},
			{
				Name:    "rename",
				Summary: "Rename this instance, forwarding the old id for two hours.",
				Usage:   "courier rename <new-id>",
				Flags:   func() *pflag.FlagSet { return globalFlags("rename") },
				Run:     a.rename,
			},
			{
				Name:    "broadcast",
				Summary: "Send a message to every other instance.",
				Usage:   "courier broadcast <content...>",
				Flags:   func() *pflag.FlagSet { return globalFlags("broadcast") },
				Run:     a.broadcast,
			},
		},
	}
}

func (a *app) client() *broker.Client {
	return &broker.Client{Addr: a.addr, Timeout: 10 * time.Second}
}

func (a *app) statePath() string {
	dir := a.dataDir
	if dir == "" {
		dir = config.Default().DataDir
	}
	return filepath.Join(dir, "session.json")
}

func (a *app) loadState() (sessionState, error) {
	var state sessionState
	raw, err := os.ReadFile(a.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return state, fmt.Errorf("no session, run 'courier register <instance-id>' first")
		}
		return state, fmt.Errorf("reading session state: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("parsing session state: %w", err)
	}
	return state, nil
}

func (a *app) saveState(state sessionState) error {
	path := a.statePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	return nil
}

// do runs one request and fails on an error status.
func (a *app) do(request broker.Request) (broker.Response, error) {
	response, err := a.client().Do(request)
	if err != nil {
		return response, err
	}
	if response.Status != broker.StatusOK {
		return response, fmt.Errorf("%s", response.Message)
	}
	return response, nil
}

func (a *app) register(_ *pflag.FlagSet, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: courier register <instance-id>")
	}
	instanceID := args[0]

	request := broker.Request{Action: broker.ActionRegister, InstanceID: instanceID}
	if secret := config.SharedSecret(); secret != "" {
		request.AuthToken = broker.Proof(instanceID, secret)
	}
	response, err := a.do(request)
	if err != nil {
		return err
	}
	if err := a.saveState(sessionState{InstanceID: instanceID, SessionToken: response.SessionToken}); err != nil {
		return err
	}
	fmt.Println(response.Message)
	return nil
}

func (a *app) send(_ *pflag.FlagSet, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: courier send <to-id> <content...>")
	}
	state, err := a.loadState()
	if err != nil {
		return err
	}
	response, err := a.do(broker.Request{
		Action:       broker.ActionSend,
		SessionToken: state.SessionToken,
		ToID:         args[0],
		Message:      &broker.Payload{Content: strings.Join(args[1:], " ")},
	})
	if err != nil {
		return err
	}
	fmt.Println(response.Message)
	return nil
}

func (a *app) check(_ *pflag.FlagSet, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: courier check")
	}
	state, err := a.loadState()
	if err != nil {
		return err
	}
	response, err := a.do(broker.Request{Action: broker.ActionCheck, SessionToken: state.SessionToken})
	if err != nil {
		return err
	}
	if response.Data == nil || len(response.Data.Messages) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, message := range response.Data.Messages {
		fmt.Printf("[%s] %s: %s\n", message.Timestamp, message.From, message.Message.Content)
	}
	return nil
}

func (a *app) list(_ *pflag.FlagSet, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: courier list")
	}
	state, err := a.loadState()
	if err != nil {
		return err
	}
	response, err := a.do(broker.Request{Action: broker.ActionList, SessionToken: state.SessionToken})
	if err != nil {
		return err
	}
	tab := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tab, "ID\tLAST SEEN")
	if response.Data != nil {
		for _, instance := range response.Data.Instances {
			fmt.Fprintf(tab, "%s\t%s\n", instance.ID, instance.LastSeen)
		}
	}
	return tab.Flush()
}

func (a *app) rename(_ *pflag.FlagSet, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: courier rename <new-id>")
	}
	state, err := a.loadState()
	if err != nil {
		return err
	}
	response, err := a.do(broker.Request{
		Action:       broker.ActionRename,
		SessionToken: state.SessionToken,
		NewID:        args[0],
	})
	if err != nil {
		return err
	}
	state.InstanceID = args[0]
	if err := a.saveState(state); err != nil {
		return err
	}
	fmt.Println(response.Message)
	return nil
}

func (a *app) broadcast(_ *pflag.FlagSet, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: courier broadcast <content...>")
	}
	state, err := a.loadState()
	if err != nil {
		return err
	}
	response, err := a.do(broker.Request{
		Action:       broker.ActionBroadcast,
		SessionToken: state.SessionToken,
		Message:      &broker.Payload{Content: strings.Join(args, " ")},
	})
	if err != nil {
		return err
	}
	fmt.Println(response.Message)
	return nil
}
