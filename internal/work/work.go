// Package work defines the canonical view of a GitHub issue that the
// orchestrator schedules, and the stable fingerprint used as its key.
package work

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Repo identifies a GitHub repository.
type Repo struct {
	Owner string
	Name  string
}

// String returns "owner/name".
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// State is the GitHub issue state.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Item is a canonicalized GitHub issue.
type Item struct {
	Repo      Repo
	Number    int
	Title     string
	Body      string
	Labels    []string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
	State     State
}

// Fingerprint is the stable hash of (owner, name, number) used everywhere
// as the work key.
type Fingerprint string

// Key returns the item's fingerprint.
func (i Item) Key() Fingerprint {
	return Key(i.Repo, i.Number)
}

// Key computes the fingerprint for a repository and issue number.
func Key(repo Repo, number int) Fingerprint {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s#%d", repo.Owner, repo.Name, number)))
	return Fingerprint(hex.EncodeToString(sum[:8]))
}

// HasLabel reports whether the item carries the given label.
func (i Item) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HasAnyLabel reports whether the item carries any of the given labels.
func (i Item) HasAnyLabel(labels []string) bool {
	for _, l := range labels {
		if i.HasLabel(l) {
			return true
		}
	}
	return false
}
