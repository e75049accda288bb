// ABOUTME: Minimal fake agent for E2E testing, connects over gRPC or WebSocket and echoes requests.
// ABOUTME: Usage: fake-agent [-transport grpc|ws] [-addr localhost:50051] [-protocol native|mcp|a2a]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"golang.org/x/crypto/ssh"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/conn"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/transport"
)

type options struct {
	transport string
	addr      string
	kind      protocol.ProtocolKind
	agentID   string
	name      string
	token     string
	sshKey    string
	cardURL   string
	delay     time.Duration
	fail      bool
}

func main() {
	var opts options
	var kind string
	flag.StringVar(&opts.transport, "transport", "grpc", "transport: grpc or ws")
	flag.StringVar(&opts.addr, "addr", "localhost:50051", "hub address (host:port for grpc, ws:// URL for ws)")
	flag.StringVar(&kind, "protocol", "native", "protocol to speak: native, mcp, or a2a")
	flag.StringVar(&opts.agentID, "id", "e2e-echo-agent", "agent id")
	flag.StringVar(&opts.name, "name", "Echo Agent", "agent display name")
	flag.StringVar(&opts.token, "token", "", "JWT bearer token")
	flag.StringVar(&opts.sshKey, "ssh-key", "", "path to an SSH private key used to sign the registration")
	flag.StringVar(&opts.cardURL, "card-url", "", "A2A agent card URL (a2a only; an inline card is sent otherwise)")
	flag.DurationVar(&opts.delay, "delay", 50*time.Millisecond, "delay before answering each request")
	flag.BoolVar(&opts.fail, "fail", false, "answer every request with an error")
	flag.Parse()

	k, err := protocol.ParseProtocolKind(kind)
	if err != nil {
		log.Fatal(err)
	}
	opts.kind = k

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

func dial(ctx context.Context, opts options) (conn.Session, error) {
	switch opts.transport {
	case "grpc":
		s, err := transport.DialGRPC(ctx, opts.addr, transport.DialOptions{Token: opts.token, Protocol: opts.kind})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "ws":
		url := opts.addr
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			url = "ws://" + url + transport.WebSocketPath
		}
		s, err := transport.DialWebSocket(ctx, url, transport.WebSocketDialOptions{Token: opts.token, Protocol: opts.kind})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.transport)
	}
}

func hello(opts options) (protocol.Hello, error) {
	h := protocol.Hello{
		AgentID:      opts.agentID,
		Name:         opts.name,
		Description:  "echoes every request back to its sender",
		Protocol:     string(opts.kind),
		Capabilities: []string{"echo"},
		CardURL:      opts.cardURL,
	}

	if opts.kind == protocol.A2A && opts.cardURL == "" {
		h.Card = &a2a.AgentCard{
			Name:               opts.name,
			Description:        h.Description,
			URL:                "agenthub://" + opts.agentID,
			Version:            "0.1.0",
			ProtocolVersion:    "0.3.0",
			PreferredTransport: a2a.TransportProtocolJSONRPC,
			Skills:             []a2a.AgentSkill{{ID: "echo", Name: "Echo", Tags: []string{"test"}}},
			DefaultInputModes:  []string{"application/json"},
			DefaultOutputModes: []string{"application/json"},
		}
	}

	if opts.sshKey != "" {
		pem, err := os.ReadFile(opts.sshKey)
		if err != nil {
			return h, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return h, fmt.Errorf("parsing ssh key: %w", err)
		}
		cred, err := auth.SignSSHCredential(signer, opts.agentID, time.Now())
		if err != nil {
			return h, err
		}
		h.Credential = cred
	}
	return h, nil
}

func run(ctx context.Context, opts options) error {
	session, err := dial(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer session.Close()

	h, err := hello(opts)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeHello(h)
	if err != nil {
		return err
	}
	if err := session.Send(frame); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	frame, err = session.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	welcome, err := protocol.ParseWelcome(frame)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s as %s (connection: %s, server: %s)\n",
		welcome.Outcome, welcome.AgentID, welcome.ConnectionID, welcome.ServerID)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// All writes go through one goroutine; sessions allow a single writer.
	outbound := make(chan []byte, 16)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				_ = session.Close()
				return
			case frame := <-outbound:
				if err := session.Send(frame); err != nil {
					log.Printf("send error: %v", err)
				}
			}
		}
	}()
	go heartbeat(runCtx, opts.kind, time.Duration(welcome.HeartbeatIntervalMS)*time.Millisecond, outbound)

	for {
		frame, err := session.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		msg, err := protocol.Decode(frame, opts.kind)
		if err != nil {
			log.Printf("decode error: %v", err)
			continue
		}
		if msg.Kind != protocol.KindRequest {
			continue
		}

		log.Printf("received request [%s] from %s: %s", msg.CorrelationID, msg.Peer, msg.Payload)
		time.Sleep(opts.delay)

		reply := protocol.Message{Kind: protocol.KindResponse, CorrelationID: msg.CorrelationID, Payload: msg.Payload}
		if opts.fail {
			reply = protocol.Message{Kind: protocol.KindError, CorrelationID: msg.CorrelationID, Error: "fake-agent configured to fail"}
		}
		out, err := protocol.Encode(reply, opts.kind)
		if err != nil {
			log.Printf("encode error: %v", err)
			continue
		}
		select {
		case outbound <- out:
		case <-runCtx.Done():
			return nil
		}
	}
}

// heartbeat sends a liveness frame at half the hub's interval.
func heartbeat(ctx context.Context, kind protocol.ProtocolKind, interval time.Duration, out chan<- []byte) {
	if interval <= 0 {
		return
	}
	frame, err := protocol.Encode(protocol.Message{Kind: protocol.KindHeartbeat}, kind)
	if err != nil {
		log.Printf("encode heartbeat: %v", err)
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}
