// Package followgraph derives connector routes from signed follow-list
// events gossiped between agents. An agent publishes the set of peers it
// follows, each tag binding a peer public key to a hierarchical address;
// the router keeps only the newest valid event per author and folds every
// author's contribution into the routing table.
package followgraph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/meshpay/connector/internal/packet"
)

// KindFollowList is the only event kind the router accepts.
const KindFollowList = 3

// Event is a signed gossip event. IDs are the SHA-256 of the canonical
// serialization; signatures are schnorr over the ID by the author's
// 33-byte compressed public key.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Follow is one entry of a follow list: the followed peer's public key
// and the address prefix that peer terminates or serves.
type Follow struct {
	Pubkey  string
	Address packet.Address
	PeerID  string
}

// canonicalID computes the event ID over the canonical array form
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) canonicalID() (string, error) {
	canon, err := json.Marshal([]interface{}{
		0, e.Pubkey, e.CreatedAt, e.Kind, e.Tags, e.Content,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks the event ID and schnorr signature. It does not check the
// kind; callers decide which kinds they accept.
func (e *Event) Verify() error {
	id, err := e.canonicalID()
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	if id != e.ID {
		return fmt.Errorf("event id mismatch: computed %s, claimed %s", id, e.ID)
	}

	pubBytes, err := hex.DecodeString(e.Pubkey)
	if err != nil || len(pubBytes) != secp256k1.PubKeyBytesLenCompressed {
		return fmt.Errorf("invalid pubkey %q", e.Pubkey)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return fmt.Errorf("invalid signature encoding")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	idBytes, _ := hex.DecodeString(e.ID)
	if !sig.Verify(idBytes, pub) {
		return fmt.Errorf("bad signature for event %s", e.ID)
	}
	return nil
}

// Follows extracts the follow entries from the event's "p" tags. A tag
// has the shape ["p", <pubkey>, <peerID>, <address>]; tags with missing
// fields or invalid addresses are skipped.
func (e *Event) Follows() []Follow {
	var out []Follow
	for _, tag := range e.Tags {
		if len(tag) < 4 || tag[0] != "p" {
			continue
		}
		addr, err := packet.ParseAddress(tag[3])
		if err != nil {
			continue
		}
		out = append(out, Follow{Pubkey: tag[1], PeerID: tag[2], Address: addr})
	}
	return out
}

// Sign fills in CreatedAt (when zero), ID, and Sig using the given
// private key, and sets Pubkey to the key's compressed form. Used by
// tests and by nodes that publish their own follow list.
func (e *Event) Sign(priv *secp256k1.PrivateKey, now time.Time) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = now.Unix()
	}
	e.Pubkey = hex.EncodeToString(priv.PubKey().SerializeCompressed())

	id, err := e.canonicalID()
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
