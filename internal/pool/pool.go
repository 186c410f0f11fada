// Package pool provides a per-backend keep-alive HTTP client with bounded
// connection slots and outbound rate shaping. It does not retry; the retry
// loop lives in internal/dispatcher so it can coordinate with admission
// and job state.
package pool

import (
	"context"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ai-gateway/orchestrator/internal/backendclient"
	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/config"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

// Pool holds one HTTP client and one connection-slot semaphore per base
// address; backends that share a base address share them.
type Pool struct {
	cfg config.Pool

	mu      sync.Mutex
	clients map[string]*backendConn
}

type backendConn struct {
	client  *http.Client
	slots   chan struct{}
	limiter *rate.Limiter
}

func New(cfg config.Pool) *Pool {
	return &Pool{cfg: cfg, clients: make(map[string]*backendConn)}
}

func (p *Pool) connFor(baseAddress string, maxInFlight int) *backendConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[baseAddress]; ok {
		return c
	}
	c := &backendConn{
		client: &http.Client{
			Timeout: p.cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        p.cfg.Connections,
				MaxIdleConnsPerHost: p.cfg.Connections,
				MaxConnsPerHost:     p.cfg.MaxSize,
				IdleConnTimeout:     p.cfg.IdleExpiry,
				DialContext: (&net.Dialer{
					Timeout: p.cfg.ConnectTimeout,
				}).DialContext,
			},
		},
		slots:   make(chan struct{}, p.cfg.MaxSize),
		limiter: rate.NewLimiter(rate.Limit(maxInFlight*10), maxInFlight*10),
	}
	p.clients[baseAddress] = c
	return c
}

// Call acquires a connection slot (non-blocking if free, otherwise blocks
// up to ctx's deadline or fails with PoolExhausted), then issues the
// southbound call via internal/backendclient.
func (p *Pool) Call(ctx context.Context, baseAddress string, maxInFlight int, cap capability.Capability, body []byte) ([]byte, *gwerr.Error) {
	c := p.connFor(baseAddress, maxInFlight)

	select {
	case c.slots <- struct{}{}:
	default:
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, gwerr.New(gwerr.PoolExhausted, "no free keep-alive slot before deadline")
		}
	}
	defer func() { <-c.slots }()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, gwerr.New(gwerr.Timeout, "outbound rate limit wait exceeded deadline")
	}

	return backendclient.Call(ctx, c.client, baseAddress, cap, body)
}

// Probe issues a lightweight GET /health, used by internal/health.
func (p *Pool) Probe(ctx context.Context, baseAddress string) error {
	c := p.connFor(baseAddress, 1)
	return backendclient.Probe(ctx, c.client, baseAddress)
}
