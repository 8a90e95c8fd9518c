package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func leavesOf(n int) []Hash {
	out := make([]Hash, n)
	for i := range out {
		out[i] = HashLeaf([]byte{byte(i), byte(i >> 8)})
	}
	return out
}

func TestMerkleTreeDeterministic(t *testing.T) {
	leaves := leavesOf(5)
	t1 := BuildMerkleTree(leaves)
	t2 := BuildMerkleTree(leaves)
	require.Equal(t, t1.Root(), t2.Root())
}

func TestMerkleTreeOddCardinalityPadding(t *testing.T) {
	for n := 1; n <= 9; n++ {
		leaves := leavesOf(n)
		tr := BuildMerkleTree(leaves)
		require.NotEqual(t, Hash{}, tr.Root())
	}
}

func TestMerkleProofRoundTrip(t *testing.T) {
	leaves := leavesOf(7)
	tr := BuildMerkleTree(leaves)
	root := tr.Root()

	for i, leaf := range leaves {
		siblings, isRight, err := tr.Proof(i)
		require.NoError(t, err)
		require.True(t, VerifyProof(leaf, siblings, isRight, root))
	}
}

func TestMerkleProofRejectsTamperedLeaf(t *testing.T) {
	leaves := leavesOf(4)
	tr := BuildMerkleTree(leaves)
	root := tr.Root()

	siblings, isRight, err := tr.Proof(2)
	require.NoError(t, err)

	tampered := HashLeaf([]byte("not the original chunk"))
	require.False(t, VerifyProof(tampered, siblings, isRight, root))
}

func TestMerkleTreeSingleLeaf(t *testing.T) {
	leaves := leavesOf(1)
	tr := BuildMerkleTree(leaves)
	require.Equal(t, leaves[0], tr.Root())
}
