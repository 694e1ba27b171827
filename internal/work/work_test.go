package work

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyIsStable(t *testing.T) {
	repo := Repo{Owner: "ex", Name: "r"}
	assert.Equal(t, Key(repo, 42), Key(repo, 42))
	assert.NotEqual(t, Key(repo, 42), Key(repo, 43))
	assert.NotEqual(t, Key(repo, 42), Key(Repo{Owner: "ex", Name: "r2"}, 42))
}

func TestKeyDistinguishesOwnerNameSplit(t *testing.T) {
	// "a/bc"#1 and "ab/c"#1 must not collide.
	assert.NotEqual(t, Key(Repo{Owner: "a", Name: "bc"}, 1), Key(Repo{Owner: "ab", Name: "c"}, 1))
}

func TestHasAnyLabel(t *testing.T) {
	item := Item{Labels: []string{"agent-ready", "bug"}}
	assert.True(t, item.HasLabel("bug"))
	assert.False(t, item.HasLabel("epic"))
	assert.True(t, item.HasAnyLabel([]string{"epic", "agent-ready"}))
	assert.False(t, item.HasAnyLabel([]string{"epic", "docs"}))
	assert.False(t, item.HasAnyLabel(nil))
}
