package hashutil

import (
	"testing"
)

func TestMerkleRoot(t *testing.T) {
	valueSet := [][32]byte{
		{'a'},
		{'b'},
		{'c'},
		{'d'},
	}

	hashedV1 := valueSet[0][:]
	hashedV2 := valueSet[1][:]
	hashedV3 := valueSet[2][:]
	hashedV4 := valueSet[3][:]

	leftNode := Hash(append(hashedV1[:], hashedV2[:]...))
	rightNode := Hash(append(hashedV3[:], hashedV4[:]...))
	expectedRoot := Hash(append(leftNode[:], rightNode[:]...))

	if expectedRoot != MerkleRoot(valueSet) {
		t.Errorf("Expected Merkle root and computed merkle root are not equal %#x , %#x", expectedRoot, MerkleRoot(valueSet))
	}

}
