package source

import (
	"fmt"

	"github.com/btcsuite/btcd/rpcclient"
	"go.uber.org/zap"
)

// NodeProbe is the optional RPC side-channel spec.md §6 allows alongside the
// ZMQ event stream: it exists only to read getblockcount at startup (so the
// baseline estimator and this package's own height-sequence tracking have a
// real starting point) and to offer a secondary health signal independent of
// the ZMQ socket. None of the teacher's wallet/UTXO-scan RPC surface
// (internal/bitcoin/client.go in the pre-transform tree) survives here —
// spec.md's non-goals rule out address classification and wallet management,
// so only the height probe is adapted forward.
type NodeProbe struct {
	rpc *rpcclient.Client
	log *zap.Logger
}

// ProbeConfig configures the optional RPC connection. CookieFile takes
// precedence over User/Pass when set, matching Bitcoin Core's cookie-based
// auth (spec.md §6: "authentication is optional and, when present, is
// cookie-based").
type ProbeConfig struct {
	Host       string
	User       string
	Pass       string
	CookieFile string
}

// NewNodeProbe dials a Bitcoin Core RPC endpoint. It is never required for
// the core pipeline to run: callers that don't configure source.rpc_host
// simply never construct one, and the orchestrator falls back to height
// tracking from zero.
func NewNodeProbe(cfg ProbeConfig, log *zap.Logger) (*NodeProbe, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	if cfg.CookieFile != "" {
		connCfg.CookiePath = cfg.CookieFile
	} else {
		connCfg.User = cfg.User
		connCfg.Pass = cfg.Pass
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: node probe dial: %w", err)
	}
	return &NodeProbe{rpc: client, log: log}, nil
}

// Height returns the node's current block count, for seeding the baseline
// estimator's window and this package's rawblock height sequence.
func (p *NodeProbe) Height() (int64, error) {
	count, err := p.rpc.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("oracle: node probe get block count: %w", err)
	}
	return count, nil
}

// Healthy issues a fresh getblockcount call and reports whether it
// succeeded. It is a
// secondary signal to Source.Healthy(), useful when the ZMQ publisher and
// the RPC listener can fail independently (e.g. ZMQ disabled in bitcoin.conf
// but RPC reachable).
func (p *NodeProbe) Healthy() bool {
	_, err := p.rpc.GetBlockCount()
	return err == nil
}

// Shutdown closes the underlying RPC connection.
func (p *NodeProbe) Shutdown() {
	p.rpc.Shutdown()
}
