package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentwire/agentwire"
	"github.com/agentwire/agentwire/pkg/envelope"
	"github.com/agentwire/agentwire/pkg/registry"
	"github.com/agentwire/agentwire/pkg/transport"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentwire",
		Short: "Agent coordination node and protocol tools",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newIdentityCmd())
	root.AddCommand(newConsoleCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a coordination node from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Printf("Starting agentwire node v%s", Version)
			log.Printf("Config: %s", configFile)
			return agentwire.Run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", getEnv("AGENTWIRE_CONFIG", "config/agentwire.yaml"), "Node configuration file")
	return cmd
}

func newSendCmd() *cobra.Command {
	var (
		addr    string
		from    string
		to      string
		payload string
		caps    []string
		ttl     time.Duration
		msgType string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one envelope to a remote agent and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			var msg envelope.Message
			switch msgType {
			case "delegate":
				msg = envelope.NewDelegate(from, to, json.RawMessage(payload), caps, ttl)
			case "request":
				msg = envelope.NewRequest(from, to, json.RawMessage(payload), caps, ttl)
			default:
				return fmt.Errorf("unknown message type %q (want delegate or request)", msgType)
			}
			return sendEnvelope(cmd.Context(), addr, msg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8700", "Remote agent base URL")
	cmd.Flags().StringVar(&from, "from", "agentwire-cli", "Sender agent ID")
	cmd.Flags().StringVar(&to, "to", "", "Receiver agent ID")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringSliceVar(&caps, "caps", nil, "Capabilities required for the task")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Minute, "Envelope time-to-live")
	cmd.Flags().StringVar(&msgType, "type", "delegate", "Message type: delegate or request")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newIdentityCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Fetch a remote agent's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := fetchIdentity(cmd.Context(), addr)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(identity, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8700", "Remote agent base URL")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentwire version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentwire v%s\n", Version)
		},
	}
}

// sendEnvelope encodes msg, posts it over HTTP, and prints the decoded
// synchronous reply.
func sendEnvelope(ctx context.Context, addr string, msg envelope.Message) error {
	codec := envelope.NewCodec(0)
	raw, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	dispatcher := transport.NewHTTPDispatcher(30 * time.Second)
	reply, err := dispatcher.Dispatch(ctx, addr, raw)
	if err != nil {
		return err
	}

	decoded, err := codec.Decode(reply)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	printReply(decoded)
	return nil
}

func printReply(msg envelope.Message) {
	fmt.Printf("type:        %s\n", msg.Type)
	fmt.Printf("from:        %s\n", msg.SenderID)
	fmt.Printf("correlation: %s\n", msg.CorrelationID)
	if msg.Outcome != "" {
		fmt.Printf("outcome:     %s\n", msg.Outcome)
	}
	if len(msg.Payload) > 0 {
		fmt.Printf("payload:     %s\n", msg.Payload)
	}
}

func fetchIdentity(ctx context.Context, addr string) (registry.AgentIdentity, error) {
	var identity registry.AgentIdentity

	url := strings.TrimRight(addr, "/") + transport.IdentityPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return identity, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return identity, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return identity, fmt.Errorf("identity request to %s: status %d", addr, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return identity, fmt.Errorf("decode identity: %w", err)
	}
	return identity, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
