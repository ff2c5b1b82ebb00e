package group

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/gmr/pkg/substrate"
)

func newWorldGroups(t *testing.T, n int) []*Group {
	t.Helper()
	w := substrate.NewWorld(n)
	groups := make([]*Group, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g, err := NewWorld(context.Background(), w.WorldComm(r))
			groups[r] = g
			errs[r] = err
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return groups
}

func TestNewWorld_IdentityTranslation(t *testing.T) {
	groups := newWorldGroups(t, 4)
	for r, g := range groups {
		assert.Equal(t, r, g.Rank())
		assert.Equal(t, 4, g.Size())
		assert.Equal(t, substrate.Rank(r), g.TranslateToWorld(r))
		assert.Equal(t, substrate.Rank(r), g.TranslateFromWorld(r))
	}
}

func TestCreateChild_SubsetTranslation(t *testing.T) {
	groups := newWorldGroups(t, 4)

	children := make([]*Group, 4)
	errs := make([]error, 4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c, err := CreateChild(context.Background(), groups[r], []substrate.Rank{1, 3})
			children[r] = c
			errs[r] = err
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// World ranks 1 and 3 are members; 0 and 2 are not.
	assert.Equal(t, None, children[0].Rank())
	assert.Equal(t, 0, children[1].Rank())
	assert.Equal(t, None, children[2].Rank())
	assert.Equal(t, 1, children[3].Rank())

	assert.Equal(t, substrate.Rank(1), children[1].TranslateToWorld(0))
	assert.Equal(t, substrate.Rank(3), children[1].TranslateToWorld(1))
	assert.Equal(t, None, children[1].TranslateFromWorld(0))
	assert.Equal(t, substrate.Rank(0), children[1].TranslateFromWorld(1))
}

func TestDupComm_IndependentFromGroupComm(t *testing.T) {
	groups := newWorldGroups(t, 2)
	for _, g := range groups {
		assert.NotNil(t, g.Comm())
		assert.NotNil(t, g.DupComm())
	}
}
