package collective

import "github.com/ja7ad/gmr/pkg/substrate"

// Topology is the binary-tree relationship for rank r among size processes:
// up = (r-1)/2 (none for the root), left = 2r+1, right = 2r+2 (each valid
// only when < size).
type Topology struct {
	Up, Left, Right           substrate.Rank
	HasUp, HasLeft, HasRight bool
}

// BinaryTree computes rank's position in the size-process binary tree.
func BinaryTree(rank, size int) Topology {
	t := Topology{Up: substrate.GroupNone, Left: substrate.GroupNone, Right: substrate.GroupNone}
	if rank != 0 {
		t.Up = (rank - 1) / 2
		t.HasUp = true
	}
	if left := 2*rank + 1; left < size {
		t.Left = left
		t.HasLeft = true
	}
	if right := 2*rank + 2; right < size {
		t.Right = right
		t.HasRight = true
	}
	return t
}
