package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"
)

// Connection manager watermarks. Gossipsub keeps its mesh well under the low
// watermark, so pruning only ever trims passive connections.
const (
	connLowWater  = 32
	connHighWater = 192
)

const (
	dialInitialInterval = 2 * time.Second
	dialMaxInterval     = 30 * time.Second
	dialMaxElapsed      = 2 * time.Minute
)

// HostOptions configures the libp2p host.
type HostOptions struct {
	Identity    crypto.PrivKey
	ListenAddrs []string
	IdleTimeout time.Duration
}

// NewHost builds the libp2p host the gossip layer runs on.
func NewHost(opts HostOptions) (host.Host, error) {
	cm, err := connmgr.NewConnManager(connLowWater, connHighWater,
		connmgr.WithGracePeriod(opts.IdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to build connection manager: %w", err)
	}

	libp2pOpts := []libp2p.Option{
		libp2p.Identity(opts.Identity),
		libp2p.ConnectionManager(cm),
	}
	// Without explicit listen addrs libp2p picks its defaults; passing an
	// empty list would disable listening entirely.
	if len(opts.ListenAddrs) > 0 {
		libp2pOpts = append(libp2pOpts, libp2p.ListenAddrStrings(opts.ListenAddrs...))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}
	return h, nil
}

// Bootstrap dials the configured bootstrap peers, each with exponential
// backoff. Unreachable peers are logged and skipped; the node still works
// as long as one dial lands, and a fully isolated node keeps publishing so
// late-arriving peers can catch up. Returns the number of peers connected.
func Bootstrap(ctx context.Context, h host.Host, addrs []string, log *slog.Logger) int {
	if log == nil {
		log = slog.Default()
	}

	connected := 0
	for _, addr := range addrs {
		info, err := peerInfo(addr)
		if err != nil {
			log.Warn("skipping malformed bootstrap address", "addr", addr, "error", err)
			continue
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = dialInitialInterval
		bo.MaxInterval = dialMaxInterval
		bo.MaxElapsedTime = dialMaxElapsed

		dial := func() error { return h.Connect(ctx, *info) }
		if err := backoff.Retry(dial, backoff.WithContext(bo, ctx)); err != nil {
			log.Warn("bootstrap peer unreachable", "peer", info.ID, "error", err)
			continue
		}

		log.Info("connected to bootstrap peer", "peer", info.ID)
		connected++
	}
	return connected
}

func peerInfo(addr string) (*peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(maddr)
}
