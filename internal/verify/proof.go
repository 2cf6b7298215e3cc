package verify

import (
	"fmt"

	"github.com/witnz/auditsync/internal/hash"
	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/storage"
)

// InclusionProof shows that one entry is committed to by the module's
// Merkle root without shipping the whole chain.
type InclusionProof struct {
	Module     string          `json:"module"`
	Position   uint64          `json:"position"`
	Entry      ledger.LogEntry `json:"entry"`
	MerkleRoot string          `json:"merkleRoot"`
	Siblings   []string        `json:"siblings"`
	Directions []bool          `json:"directions"`
}

// Verify recomputes the entry hash and walks the siblings up to the root.
func (p *InclusionProof) Verify() bool {
	if !p.Entry.Valid() {
		return false
	}

	mp := &hash.MerkleProof{
		LeafHash:   p.Entry.Hash,
		LeafIndex:  int(p.Position),
		Siblings:   p.Siblings,
		Directions: p.Directions,
	}
	return mp.Verify(p.MerkleRoot)
}

func (a *Auditor) Proof(module string, position uint64) (*InclusionProof, error) {
	entries, err := a.load(module)
	if err != nil {
		return nil, err
	}
	if position >= uint64(len(entries)) {
		return nil, fmt.Errorf("%w: position %d of %s ledger with %d entries", storage.ErrNotFound, position, module, len(entries))
	}

	tree := hash.NewMerkleTree()
	for _, e := range entries {
		tree.AddLeafHash(e.Hash)
	}

	mp, err := tree.Proof(int(position))
	if err != nil {
		return nil, fmt.Errorf("failed to build proof: %w", err)
	}

	return &InclusionProof{
		Module:     module,
		Position:   position,
		Entry:      entries[position],
		MerkleRoot: tree.Root(),
		Siblings:   mp.Siblings,
		Directions: mp.Directions,
	}, nil
}
