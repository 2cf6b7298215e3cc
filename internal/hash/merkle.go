package hash

import (
	"fmt"
)

// MerkleTree commits to an ordered list of leaf hashes. Unlike a set
// commitment the leaves are not sorted: ledger order is part of the evidence.
type MerkleTree struct {
	leaves []string
}

type MerkleProof struct {
	LeafHash   string   `json:"leaf_hash"`
	LeafIndex  int      `json:"leaf_index"`
	Siblings   []string `json:"siblings"`
	Directions []bool   `json:"directions"` // true when the sibling sits on the right
}

func NewMerkleTree(leaves ...string) *MerkleTree {
	mt := &MerkleTree{leaves: make([]string, 0, len(leaves))}
	mt.leaves = append(mt.leaves, leaves...)
	return mt
}

func (mt *MerkleTree) AddLeafHash(leaf string) {
	mt.leaves = append(mt.leaves, leaf)
}

func (mt *MerkleTree) LeafCount() int {
	return len(mt.leaves)
}

func (mt *MerkleTree) Reset() {
	mt.leaves = mt.leaves[:0]
}

func (mt *MerkleTree) Root() string {
	if len(mt.leaves) == 0 {
		return ""
	}

	level := make([]string, len(mt.leaves))
	copy(level, mt.leaves)

	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

func (mt *MerkleTree) Proof(index int) (*MerkleProof, error) {
	if index < 0 || index >= len(mt.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(mt.leaves))
	}

	proof := &MerkleProof{
		LeafHash:   mt.leaves[index],
		LeafIndex:  index,
		Siblings:   make([]string, 0),
		Directions: make([]bool, 0),
	}

	level := make([]string, len(mt.leaves))
	copy(level, mt.leaves)
	pos := index

	for len(level) > 1 {
		var sibling string
		right := pos%2 == 0
		if right {
			if pos+1 < len(level) {
				sibling = level[pos+1]
			} else {
				sibling = level[pos]
			}
		} else {
			sibling = level[pos-1]
		}

		proof.Siblings = append(proof.Siblings, sibling)
		proof.Directions = append(proof.Directions, right)

		level = nextLevel(level)
		pos /= 2
	}

	return proof, nil
}

func (mp *MerkleProof) Verify(expectedRoot string) bool {
	if len(mp.Siblings) != len(mp.Directions) {
		return false
	}

	current := mp.LeafHash
	for i, sibling := range mp.Siblings {
		if mp.Directions[i] {
			current = CalculateString(current + sibling)
		} else {
			current = CalculateString(sibling + current)
		}
	}

	return current == expectedRoot
}

func nextLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, CalculateString(level[i]+level[i+1]))
		} else {
			next = append(next, CalculateString(level[i]+level[i]))
		}
	}
	return next
}
