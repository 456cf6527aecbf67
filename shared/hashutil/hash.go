package hashutil

import (
	"golang.org/x/crypto/sha3"
)

// Hash defines a function that returns the
// Keccak-256/SHA3 hash of the data passed in.
// https://github.com/ethereum/eth2.0-specs/blob/master/specs/core/0_beacon-chain.md#appendix
func Hash(data []byte) [32]byte {
	var hash [32]byte

	h := sha3.NewLegacyKeccak256()

	// The hash interface never returns an error, for that reason
	// we are not handling the error below. For reference, it is
	// stated here https://golang.org/pkg/hash/#Hash

	// #nosec G104
	h.Write(data)
	h.Sum(hash[:0])

	return hash
}

// RepeatHash applies the Keccak-256/SHA3 hash function repeatedly
// numTimes on a [32]byte array.
func RepeatHash(data [32]byte, numTimes uint64) [32]byte {
	if numTimes == 0 {
		return data
	}
	return RepeatHash(Hash(data[:]), numTimes-1)
}

// MerkleRoot computes the root of a power-of-two-sized leaf set by
// repeatedly hashing adjacent pairs up to a single root, the same
// non-sparse counterpart shared/trieutil.MerkleTrie generalizes into a
// padded, arbitrary-depth tree.
func MerkleRoot(values [][32]byte) [32]byte {
	if len(values) == 0 {
		return [32]byte{}
	}
	if len(values) == 1 {
		return values[0]
	}
	next := make([][32]byte, 0, (len(values)+1)/2)
	for i := 0; i < len(values); i += 2 {
		if i+1 < len(values) {
			next = append(next, Hash(append(append([]byte{}, values[i][:]...), values[i+1][:]...)))
		} else {
			next = append(next, values[i])
		}
	}
	return MerkleRoot(next)
}
