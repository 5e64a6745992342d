// Package session caches live venue sessions per credential and
// delegation mode, with primary/backup RPC failover.
package session

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/calebmoy/perpagent/internal/crypto"
	"github.com/calebmoy/perpagent/internal/domain"
	"github.com/calebmoy/perpagent/internal/platform/ostium"
)

// Session is one ready-to-use venue binding: a contract client on a
// healthy RPC endpoint plus the subgraph handle, bound to a single
// credential. Sessions are cache entries, not identities: no caller
// may assume the same Session across logical requests.
type Session struct {
	Client    *ostium.Client
	Subgraph  *ostium.Subgraph
	Cred      domain.Credential
	Delegated bool
	Endpoint  string
	BuiltAt   time.Time
}

// Config carries the endpoints a Pool builds sessions against.
type Config struct {
	PrimaryRPC      string
	BackupRPC       string
	ChainID         int64
	TradingContract string
	SubgraphURL     string
	SubgraphAPIKey  string
	ProbeTimeout    time.Duration
}

// Pool caches sessions keyed by (credential fingerprint, delegation
// mode). Rebuilds are build-then-publish: a concurrent reader never
// observes a half-initialized session.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	// group collapses concurrent builds of the same key.
	group singleflight.Group

	// buildFn is swappable in tests; defaults to Pool.build.
	buildFn func(ctx context.Context, cred domain.Credential, delegated bool) (*Session, error)
}

// NewPool creates an empty session pool.
func NewPool(cfg Config, logger *slog.Logger) *Pool {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	p := &Pool{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session_pool")),
		sessions: make(map[string]*Session),
	}
	p.buildFn = p.build
	return p
}

func poolKey(cred domain.Credential, delegated bool) string {
	mode := "direct"
	if delegated {
		mode = "delegated"
	}
	return cred.Fingerprint() + ":" + mode
}

// Acquire returns a cached session for the credential, building one if
// none exists or forceNew is set. forceNew is how the submitter asks
// for a fresh session after a transient failure.
func (p *Pool) Acquire(ctx context.Context, cred domain.Credential, delegated, forceNew bool) (*Session, error) {
	key := poolKey(cred, delegated)

	if !forceNew {
		p.mu.RLock()
		sess, ok := p.sessions[key]
		p.mu.RUnlock()
		if ok {
			return sess, nil
		}
	} else {
		p.evict(key)
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have published
		// while we waited.
		p.mu.RLock()
		sess, ok := p.sessions[key]
		p.mu.RUnlock()
		if ok && !forceNew {
			return sess, nil
		}

		sess, err := p.buildFn(ctx, cred, delegated)
		if err != nil {
			return nil, err
		}

		// The replaced session is dropped, not closed: a borrower may
		// still have a call in flight on it. The HTTP transport under
		// the client is reclaimed once the last borrower lets go.
		p.mu.Lock()
		p.sessions[key] = sess
		p.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate drops the cached session for a credential after a caller
// detected a transient failure on it.
func (p *Pool) Invalidate(cred domain.Credential, delegated bool) {
	p.evict(poolKey(cred, delegated))
}

// evict unpublishes the cached session for key. The session itself is
// left open: borrowers that already hold it may have calls in flight.
func (p *Pool) evict(key string) {
	p.mu.Lock()
	delete(p.sessions, key)
	p.mu.Unlock()
}

// Close releases every cached session.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, sess := range p.sessions {
		if sess.Client != nil {
			sess.Client.Close()
		}
		delete(p.sessions, key)
	}
}

// build constructs a session against the healthiest endpoint. Probe
// order: primary, then backup. When both probes fail, the session is
// still built against the primary: a dual outage is more likely a
// transient network fault than two dead providers, and the submitter's
// retries make the final call.
func (p *Pool) build(ctx context.Context, cred domain.Credential, delegated bool) (*Session, error) {
	key, _, err := crypto.ParsePrivateKey(cred.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("session: parsing credential: %w", err)
	}

	endpoint := p.cfg.PrimaryRPC
	client, probeErr := p.dialAndProbe(ctx, p.cfg.PrimaryRPC, key)
	if probeErr != nil && p.cfg.BackupRPC != "" {
		p.logger.WarnContext(ctx, "primary RPC unhealthy, probing backup",
			slog.String("primary", p.cfg.PrimaryRPC),
			slog.String("error", probeErr.Error()))
		if backup, err := p.dialAndProbe(ctx, p.cfg.BackupRPC, key); err == nil {
			client, probeErr = backup, nil
			endpoint = p.cfg.BackupRPC
		} else {
			p.logger.WarnContext(ctx, "backup RPC unhealthy too",
				slog.String("backup", p.cfg.BackupRPC),
				slog.String("error", err.Error()))
		}
	}
	if client == nil {
		// Neither endpoint answered the probe. Build against the
		// primary anyway and let operation-level retries decide.
		client, err = ostium.Dial(ctx, p.cfg.PrimaryRPC, p.cfg.TradingContract, p.cfg.ChainID, key)
		if err != nil {
			return nil, fmt.Errorf("session: building against primary: %w", err)
		}
		p.logger.WarnContext(ctx, "both endpoints failed health probe, using primary unverified",
			slog.String("endpoint", p.cfg.PrimaryRPC))
	} else if probeErr == nil {
		p.logger.InfoContext(ctx, "session built",
			slog.String("endpoint", endpoint),
			slog.Bool("delegated", delegated))
	}

	return &Session{
		Client:    client,
		Subgraph:  ostium.NewSubgraph(p.cfg.SubgraphURL, p.cfg.SubgraphAPIKey),
		Cred:      cred,
		Delegated: delegated,
		Endpoint:  endpoint,
		BuiltAt:   time.Now(),
	}, nil
}

// dialAndProbe dials an endpoint and runs the block-number health
// probe within the configured timeout. The client is closed on a
// failed probe.
func (p *Pool) dialAndProbe(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey) (*ostium.Client, error) {
	client, err := ostium.Dial(ctx, rpcURL, p.cfg.TradingContract, p.cfg.ChainID, key)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	if _, err := client.BlockNumber(probeCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("health probe: %w", err)
	}
	return client, nil
}
