package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const GenesisHashSeed = "EscrowAudit:genesis:v1"

// ReportHasher chains a digest of every emitted record, so two sessions over
// the same input can be compared by a single value.
type ReportHasher struct {
	prevHash [32]byte
	count    uint64
}

// NewReportHasher initializes with genesis hash
func NewReportHasher() *ReportHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	return &ReportHasher{
		prevHash: genesis,
	}
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || N || record_digest)
func (h *ReportHasher) ComputeHash(recordDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], h.count)
	hasher.Write(seqBuf[:])

	hasher.Write(recordDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash
	h.count++

	return hash
}

// Hex returns the chain tip as lowercase hex.
func (h *ReportHasher) Hex() string {
	return hex.EncodeToString(h.prevHash[:])
}
