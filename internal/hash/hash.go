package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest links a log text to the hash of the entry before it.
// The chain rule is sha256(previousHash + log), hex encoded.
func Digest(previousHash, log string) string {
	return CalculateString(previousHash + log)
}

func CalculateString(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Chain tracks the head of a hash chain while stored entries are replayed.
type Chain struct {
	head string
}

func NewChain(head string) *Chain {
	return &Chain{head: head}
}

// Next computes the digest for log on top of the current head and advances it.
func (c *Chain) Next(log string) string {
	c.head = Digest(c.head, log)
	return c.head
}

func (c *Chain) Head() string {
	return c.head
}
