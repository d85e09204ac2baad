package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"PerpRecon/internal/state"
)

const GenesisHashSeed = "PerpRecon:genesis:v1"

// StateHasher chains a hash over every applied change for one user.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// LedgerHash is a SHA-256 over the canonical bytes of every position and
// balance. Two ledgers built from the same fills hash the same, which is how
// a replay after restart is checked against the state before it.
func LedgerHash(open, closed []state.Position, balances []state.Balance) [32]byte {
	hasher := sha256.New()
	var n [8]byte

	binary.LittleEndian.PutUint64(n[:], uint64(len(closed)))
	hasher.Write(n[:])
	for i := range closed {
		hasher.Write(closed[i].CanonicalBytes())
	}

	binary.LittleEndian.PutUint64(n[:], uint64(len(open)))
	hasher.Write(n[:])
	for i := range open {
		hasher.Write(open[i].CanonicalBytes())
	}

	binary.LittleEndian.PutUint64(n[:], uint64(len(balances)))
	hasher.Write(n[:])
	for i := range balances {
		hasher.Write(balances[i].CanonicalBytes())
	}

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// HashString renders a hash for logs and JSON.
func HashString(h [32]byte) string {
	return hex.EncodeToString(h[:])
}
