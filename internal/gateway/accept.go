// ABOUTME: Registration handshake shared by every agent transport
// ABOUTME: Reads the hello, authenticates, resolves A2A cards, then hands the connection to the router

package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/conn"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/registry"
	"github.com/2389/agenthub/internal/transport"
)

const defaultHelloTimeout = 10 * time.Second

// errHelloTimeout indicates the agent never sent its registration frame.
var errHelloTimeout = fmt.Errorf("%w: no registration within deadline", protocol.ErrInvalidHello)

// accept runs one agent session from handshake to close. It returns the
// reason the session ended.
//
// Handshake:
//  1. Agent sends a register frame
//  2. Hub checks protocol kind, credential and (for A2A) the agent card
//  3. Hub replies welcome and starts routing, or replies rejected and closes
func (g *Gateway) accept(ctx context.Context, s conn.Session) error {
	hello, err := g.readHello(s)
	if err != nil {
		g.reject(s, protocol.RejectInvalid, err)
		return err
	}

	logger := g.logger.With("agent_id", hello.AgentID, "remote_addr", s.RemoteAddr())

	kind, err := protocol.ParseProtocolKind(hello.Protocol)
	if err != nil {
		g.reject(s, protocol.RejectProtocolMismatch, err)
		return err
	}
	if pinned, ok := transport.ProtocolPin(ctx); ok && pinned != kind {
		err := fmt.Errorf("%w: endpoint speaks %s, agent declared %s", protocol.ErrProtocolMismatch, pinned, kind)
		g.reject(s, protocol.RejectProtocolMismatch, err)
		return err
	}

	cred, err := auth.ParseCredential(hello.Credential)
	if err != nil {
		g.reject(s, protocol.RejectAuth, err)
		return err
	}
	if cred.IsZero() {
		cred = auth.CredentialFromContext(ctx)
	}

	meta, err := g.metadataFor(ctx, hello, kind)
	if err != nil {
		logger.Warn("agent card discovery failed", "error", err)
		g.reject(s, protocol.RejectProtocolMismatch, err)
		return err
	}

	c, err := g.conns.Register(ctx, s, conn.Identity{
		AgentID:    hello.AgentID,
		Protocol:   kind,
		Credential: cred,
	})
	if err != nil {
		reason := protocol.RejectInvalid
		switch {
		case errors.Is(err, auth.ErrAuthRejected):
			reason = protocol.RejectAuth
		case errors.Is(err, protocol.ErrProtocolMismatch):
			reason = protocol.RejectProtocolMismatch
		}
		g.reject(s, reason, err)
		return err
	}

	outcome := g.router.AgentConnected(c, meta)

	welcome, err := protocol.EncodeWelcome(protocol.Welcome{
		AgentID:             hello.AgentID,
		ConnectionID:        c.ID(),
		ServerID:            g.serverID,
		HeartbeatIntervalMS: g.conns.HeartbeatInterval().Milliseconds(),
		Outcome:             outcome.String(),
	})
	if err != nil {
		c.Close(fmt.Errorf("encoding welcome: %w", err))
		return c.Err()
	}
	c.Start(welcome)

	return g.conns.Serve(c)
}

// readHello waits for the first frame, closing the session if it does not
// arrive within the hello timeout.
func (g *Gateway) readHello(s conn.Session) (*protocol.Hello, error) {
	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := s.Recv()
		ch <- result{frame: frame, err: err}
	}()

	timer := time.NewTimer(g.helloTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", conn.ErrConnectionClosed, res.err)
		}
		return protocol.ParseHello(res.frame)
	case <-timer.C:
		_ = s.Close()
		return nil, errHelloTimeout
	}
}

// metadataFor builds registry metadata from a hello. A2A agents must supply
// a card inline or a card URL that resolves; the card's skills extend the
// declared capabilities.
func (g *Gateway) metadataFor(ctx context.Context, hello *protocol.Hello, kind protocol.ProtocolKind) (registry.Metadata, error) {
	meta := registry.Metadata{
		Name:         hello.Name,
		Description:  hello.Description,
		Protocol:     kind,
		Capabilities: append([]string(nil), hello.Capabilities...),
		CardURL:      hello.CardURL,
	}
	if meta.Name == "" {
		meta.Name = hello.AgentID
	}
	if kind != protocol.A2A {
		return meta, nil
	}

	card := hello.Card
	if card == nil {
		if hello.CardURL == "" {
			return meta, fmt.Errorf("%w: a2a agent sent neither card nor card_url", protocol.ErrProtocolMismatch)
		}
		var err error
		card, err = g.discovery.Resolve(ctx, hello.CardURL)
		if err != nil {
			return meta, fmt.Errorf("%w: %v", protocol.ErrProtocolMismatch, err)
		}
	}

	applyCard(&meta, hello.AgentID, card)
	return meta, nil
}

func applyCard(meta *registry.Metadata, agentID string, card *a2a.AgentCard) {
	meta.Card = card
	if meta.Name == agentID && card.Name != "" {
		meta.Name = card.Name
	}
	if meta.Description == "" {
		meta.Description = card.Description
	}
	for _, skill := range protocol.SkillIDs(card) {
		if !slices.Contains(meta.Capabilities, skill) {
			meta.Capabilities = append(meta.Capabilities, skill)
		}
	}
}

// reject tells the agent why it was turned away and closes the session.
func (g *Gateway) reject(s conn.Session, reason string, cause error) {
	g.logger.Warn("agent registration rejected",
		"reason", reason,
		"error", cause,
		"remote_addr", s.RemoteAddr(),
	)
	if errors.Is(cause, errHelloTimeout) || errors.Is(cause, conn.ErrConnectionClosed) {
		_ = s.Close()
		return
	}
	if frame, err := protocol.EncodeRejection(reason, cause.Error()); err == nil {
		_ = s.Send(frame)
	}
	_ = s.Close()
}
