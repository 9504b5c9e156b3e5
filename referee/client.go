// Package referee implements the optional external tie-breaker consulted
// when a generation split leaves exactly half of the configured nodes
// connected — no majority clique exists on either side, so neither half
// can elect a generation on its own.
package referee

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"mtmcore/config"
	"mtmcore/mtm"
)

// Client consults the external referee over gRPC and caches its answer.
type Client struct {
	me    mtm.NodeID
	addr  string
	cache Cache

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// New constructs a Client for node me. addr is the referee's gRPC
// address (config.RefereeConnString); cacheDir is where a local file
// cache lives when config.RefereeCacheConnString isn't a Mongo URI.
func New(me mtm.NodeID, addr string, cacheDir string) *Client {
	return &Client{me: me, addr: addr, cache: newCache(me, cacheDir)}
}

func newCache(me mtm.NodeID, cacheDir string) Cache {
	uri := config.RefereeCacheConnString
	if strings.HasPrefix(uri, "mongodb://") || strings.HasPrefix(uri, "mongodb+srv://") {
		c, err := newMongoCache(uri, me)
		if err == nil {
			return c
		}
		config.Warn(false, "referee: mongo cache unavailable, falling back to file: %v", err)
	}
	return newFileCache(cacheDir)
}

// Active reports whether the referee should be consulted at all: only
// when connected is an exact even half of configured, i.e. neither side
// already has a majority and neither is hopelessly outnumbered.
func Active(connected, configured mtm.NodeMask) bool {
	if mtm.Majority(connected, configured) {
		return false
	}
	return configured.Count() > 0 && 2*connected.Count() == configured.Count()
}

// Decide asks the referee to pick a winner among candidates (the nodes
// on this side of the split). A successful live call refreshes the
// cache; a failed one falls back to the last cached decision, keeping it
// authoritative until the referee is reachable again.
func (c *Client) Decide(ctx context.Context, candidates mtm.NodeMask) (mtm.NodeID, error) {
	winner, err := c.decideLive(ctx, candidates)
	if err == nil {
		if serr := c.cache.Save(winner); serr != nil {
			config.Warn(false, "referee: save decision: %v", serr)
		}
		return winner, nil
	}
	config.Warn(false, "referee: live contact failed, trying cache: %v", err)

	cached, ok, lerr := c.cache.Load()
	if lerr != nil {
		return 0, lerr
	}
	if !ok {
		return 0, fmt.Errorf("referee: unreachable and no cached decision: %w", err)
	}
	return cached, nil
}

// SeedCachedDecision primes the decision cache with winner without a live
// referee round trip: used by an operator recovering a cache file by hand,
// and by tests that want to exercise the cache fallback path directly.
func (c *Client) SeedCachedDecision(winner mtm.NodeID) error {
	return c.cache.Save(winner)
}

// ClearOnFullConnectivity drops the cached decision once every configured
// node is connected again — the only point a stale decision is safe to
// forget, since full connectivity means the next split will need a fresh
// ruling rather than reusing this one.
func (c *Client) ClearOnFullConnectivity(connected, configured mtm.NodeMask) {
	if connected != configured {
		return
	}
	if err := c.cache.Clear(); err != nil {
		config.Warn(false, "referee: clear cache: %v", err)
	}
}

func (c *Client) decideLive(ctx context.Context, candidates mtm.NodeMask) (mtm.NodeID, error) {
	if c.addr == "" {
		return 0, fmt.Errorf("referee: no address configured")
	}
	conn, err := c.connection()
	if err != nil {
		return 0, err
	}

	nodes := make([]interface{}, 0, len(candidates.Nodes()))
	for _, n := range candidates.Nodes() {
		nodes = append(nodes, float64(n))
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"requester":  float64(c.me),
		"candidates": nodes,
	})
	if err != nil {
		return 0, fmt.Errorf("referee: build request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp := &structpb.Struct{}
	if err := conn.Invoke(reqCtx, "/mtm.referee.Referee/Decide", req, resp); err != nil {
		c.dropConnection()
		return 0, fmt.Errorf("referee: decide rpc: %w", err)
	}

	winner, ok := resp.Fields["winner"]
	if !ok {
		return 0, fmt.Errorf("referee: response missing winner field")
	}
	return mtm.NodeID(winner.GetNumberValue()), nil
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.Dial(c.addr, grpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("referee: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the gRPC connection, if any was ever opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
