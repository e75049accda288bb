// ABOUTME: A2A agent card discovery with per-URL caching.
// ABOUTME: Concurrent lookups for the same URL share a single HTTP fetch.

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"golang.org/x/sync/singleflight"
)

// ErrDiscoveryFailed indicates an agent card could not be fetched or parsed.
var ErrDiscoveryFailed = errors.New("agent card discovery failed")

// WellKnownCardPath is where A2A agents publish their card.
const WellKnownCardPath = "/.well-known/agent.json"

const maxCardSize = 1 << 20

// Discovery fetches and caches A2A agent cards.
type Discovery struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cards map[string]*a2a.AgentCard
}

// NewDiscovery creates a Discovery. A nil client uses http.DefaultClient.
func NewDiscovery(client *http.Client, timeout time.Duration, logger *slog.Logger) *Discovery {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Discovery{
		client:  client,
		timeout: timeout,
		logger:  logger,
		cards:   make(map[string]*a2a.AgentCard),
	}
}

// CardURL resolves base to the well-known card location unless it already
// points at a JSON document.
func CardURL(base string) string {
	if strings.HasSuffix(base, ".json") || strings.Contains(base, "/.well-known/") {
		return base
	}
	return strings.TrimSuffix(base, "/") + WellKnownCardPath
}

// Resolve returns the card published at url, fetching it at most once.
func (d *Discovery) Resolve(ctx context.Context, url string) (*a2a.AgentCard, error) {
	url = CardURL(url)

	d.mu.RLock()
	card, ok := d.cards[url]
	d.mu.RUnlock()
	if ok {
		return card, nil
	}

	// The shared fetch is detached from any single caller's cancellation.
	ch := d.group.DoChan(url, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		card, err := d.fetch(fetchCtx, url)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cards[url] = card
		d.mu.Unlock()

		d.logger.Info("agent card discovered", "url", url, "name", card.Name, "skills", len(card.Skills))
		return card, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		card, _ := res.Val.(*a2a.AgentCard)
		return card, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, ctx.Err())
	}
}

// Forget drops a cached card so the next Resolve fetches it again.
func (d *Discovery) Forget(url string) {
	d.mu.Lock()
	delete(d.cards, CardURL(url))
	d.mu.Unlock()
}

func (d *Discovery) fetch(ctx context.Context, url string) (*a2a.AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrDiscoveryFailed, url, resp.StatusCode)
	}

	var card a2a.AgentCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCardSize)).Decode(&card); err != nil {
		return nil, fmt.Errorf("%w: decode card: %v", ErrDiscoveryFailed, err)
	}
	if card.Name == "" {
		return nil, fmt.Errorf("%w: card at %s has no name", ErrDiscoveryFailed, url)
	}
	return &card, nil
}

// SkillIDs lists the skill ids advertised by card.
func SkillIDs(card *a2a.AgentCard) []string {
	if card == nil {
		return nil
	}
	ids := make([]string, 0, len(card.Skills))
	for _, s := range card.Skills {
		if s.ID != "" {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
