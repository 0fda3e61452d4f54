package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/agentwire/agentwire/pkg/envelope"
)

var consoleCommands = []string{"send", "ask", "identity", "help", "quit", "exit"}

func newConsoleCmd() *cobra.Command {
	var (
		addr string
		from string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive console against a remote agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd, addr, from, ttl)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8700", "Remote agent base URL")
	cmd.Flags().StringVar(&from, "from", "agentwire-cli", "Sender agent ID")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Minute, "Envelope time-to-live")
	return cmd
}

func runConsole(cmd *cobra.Command, addr, from string, ttl time.Duration) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (out []string) {
		for _, c := range consoleCommands {
			if strings.HasPrefix(c, strings.ToLower(prefix)) {
				out = append(out, c)
			}
		}
		return out
	})

	historyPath := filepath.Join(os.TempDir(), ".agentwire_history")
	if f, err := os.Open(historyPath); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	fmt.Printf("agentwire console connected to %s (type help)\n", addr)

	for {
		input, err := line.Prompt("agentwire> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			printConsoleHelp()
		case "identity":
			identity, err := fetchIdentity(cmd.Context(), addr)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			out, _ := json.MarshalIndent(identity, "", "  ")
			fmt.Println(string(out))
		case "send", "ask":
			if len(fields) < 2 {
				fmt.Printf("usage: %s <to> [json-payload] [cap ...]\n", fields[0])
				continue
			}
			to := fields[1]
			payload := json.RawMessage(`{}`)
			var caps []string
			for _, arg := range fields[2:] {
				if strings.HasPrefix(arg, "{") {
					payload = json.RawMessage(arg)
				} else {
					caps = append(caps, arg)
				}
			}

			var msg envelope.Message
			if fields[0] == "send" {
				msg = envelope.NewDelegate(from, to, payload, caps, ttl)
			} else {
				msg = envelope.NewRequest(from, to, payload, caps, ttl)
			}
			if err := sendEnvelope(cmd.Context(), addr, msg); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		default:
			fmt.Printf("unknown command %q (type help)\n", fields[0])
		}
	}
}

func printConsoleHelp() {
	fmt.Println(`commands:
  send <to> [json-payload] [cap ...]   delegate a task to the remote agent
  ask <to> [json-payload] [cap ...]    send a one-shot request
  identity                             fetch the remote agent's identity
  quit                                 leave the console`)
}
