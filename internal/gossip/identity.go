package gossip

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// identityFile is the on-disk shape of a persisted network identity. The
// peer ID is stored for operator inspection but always re-derived from the
// key on load.
type identityFile struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// LoadOrCreateIdentity returns the node's libp2p identity, generating a
// fresh ed25519 key and persisting it to path on first start. The peer ID
// must survive restarts or bootstrap peers would treat every restart as a
// new node.
func LoadOrCreateIdentity(path string, log *slog.Logger) (crypto.PrivKey, peer.ID, error) {
	if log == nil {
		log = slog.Default()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, id, err := decodeIdentity(data)
		if err != nil {
			return nil, "", fmt.Errorf("identity file %s is corrupt: %w", path, err)
		}
		log.Debug("loaded network identity", "path", path, "peer_id", id)
		return priv, id, nil
	case os.IsNotExist(err):
		// First start, fall through and generate.
	default:
		return nil, "", fmt.Errorf("failed to read identity file: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate identity key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive peer ID: %w", err)
	}
	if err := saveIdentity(path, priv, id); err != nil {
		return nil, "", err
	}

	log.Info("generated network identity", "path", path, "peer_id", id)
	return priv, id, nil
}

func decodeIdentity(data []byte) (crypto.PrivKey, peer.ID, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", err
	}
	priv, err := crypto.UnmarshalPrivateKey(f.PrivKey)
	if err != nil {
		return nil, "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	return priv, id, nil
}

func saveIdentity(path string, priv crypto.PrivKey, id peer.ID) error {
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal identity key: %w", err)
	}
	data, err := json.Marshal(identityFile{PrivKey: raw, PeerID: id.String()})
	if err != nil {
		return fmt.Errorf("failed to encode identity file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
