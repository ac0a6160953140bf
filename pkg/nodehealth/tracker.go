// Package nodehealth tracks the health of every configured RPC endpoint and
// periodically persists a per-chain summary.
package nodehealth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/internal/metrics"
)

// ChainHealth is the health summary of one chain's endpoints
type ChainHealth struct {
	Blockchain         string    `json:"blockchain"`
	HealthyTotal       int       `json:"healthy_total"`
	UnhealthyTotal     int       `json:"unhealthy_total"`
	UnhealthyEndpoints []string  `json:"unhealthy_endpoints"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Reader lists chain health summaries
type Reader interface {
	List(ctx context.Context) ([]ChainHealth, error)
}

type endpointState struct {
	healthy bool
}

// Tracker records the outcome of RPC calls per endpoint. It implements
// evm.HealthObserver.
type Tracker struct {
	mu     sync.RWMutex
	chains map[string]map[string]*endpointState
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		chains: make(map[string]map[string]*endpointState),
		logger: logger.Named("nodehealth"),
		now:    time.Now,
	}
}

// Register adds an endpoint, initially healthy
func (t *Tracker) Register(chain, endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	endpoints, ok := t.chains[chain]
	if !ok {
		endpoints = make(map[string]*endpointState)
		t.chains[chain] = endpoints
	}
	if _, ok := endpoints[endpoint]; !ok {
		endpoints[endpoint] = &endpointState{healthy: true}
	}
	metrics.HealthyEndpoints.WithLabelValues(chain).Set(float64(countHealthy(endpoints)))
}

// Observe records the outcome of one call. A nil err marks the endpoint healthy.
func (t *Tracker) Observe(chain, endpoint string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	endpoints, ok := t.chains[chain]
	if !ok {
		return
	}
	st, ok := endpoints[endpoint]
	if !ok {
		return
	}

	healthy := err == nil
	if st.healthy && !healthy {
		t.logger.Warn("RPC endpoint unhealthy",
			zap.String("chain", chain),
			zap.String("endpoint", ObfuscateEndpoint(endpoint)),
			zap.Error(err))
	} else if !st.healthy && healthy {
		t.logger.Info("RPC endpoint recovered",
			zap.String("chain", chain),
			zap.String("endpoint", ObfuscateEndpoint(endpoint)))
	}
	st.healthy = healthy
	metrics.HealthyEndpoints.WithLabelValues(chain).Set(float64(countHealthy(endpoints)))
}

// List implements Reader from the in-memory state
func (t *Tracker) List(_ context.Context) ([]ChainHealth, error) {
	return t.Snapshot(), nil
}

// Snapshot summarizes every chain, sorted by chain id. Unhealthy endpoints
// are obfuscated.
func (t *Tracker) Snapshot() []ChainHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]ChainHealth, 0, len(t.chains))
	for chain, endpoints := range t.chains {
		h := ChainHealth{Blockchain: chain, UnhealthyEndpoints: []string{}, UpdatedAt: now}
		for endpoint, st := range endpoints {
			if st.healthy {
				h.HealthyTotal++
				continue
			}
			h.UnhealthyTotal++
			h.UnhealthyEndpoints = append(h.UnhealthyEndpoints, ObfuscateEndpoint(endpoint))
		}
		sort.Strings(h.UnhealthyEndpoints)
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Blockchain < out[j].Blockchain })
	return out
}

// Run flushes the snapshot to store every interval until ctx is done
func (t *Tracker) Run(ctx context.Context, store Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Save(ctx, t.Snapshot()); err != nil {
				t.logger.Warn("Failed to flush node health", zap.Error(err))
			}
		}
	}
}

func countHealthy(endpoints map[string]*endpointState) int {
	n := 0
	for _, st := range endpoints {
		if st.healthy {
			n++
		}
	}
	return n
}

// ObfuscateEndpoint hides provider credentials that are commonly carried in
// the URL path: https://node.example/v1/<key> becomes
// https://node.example/<sha256 hex of "/v1/<key>">.
func ObfuscateEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		sum := sha256.Sum256([]byte(endpoint))
		return hex.EncodeToString(sum[:])
	}
	if u.Path == "" {
		return u.Scheme + "://" + u.Host
	}
	sum := sha256.Sum256([]byte(u.Path))
	return u.Scheme + "://" + u.Host + "/" + hex.EncodeToString(sum[:])
}
