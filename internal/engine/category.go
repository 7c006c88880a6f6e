package engine

import (
	"fmt"
	"strings"

	"github.com/ligustah/sophon/internal/api"
)

// DefaultCategory is the base game content.
const DefaultCategory = "game"

// MatchResult is the outcome of a category lookup.
type MatchResult int

const (
	Found MatchResult = iota
	NotFound
	Ambiguous
)

func (r MatchResult) String() string {
	switch r {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	case Ambiguous:
		return "ambiguous"
	default:
		return fmt.Sprintf("MatchResult(%d)", int(r))
	}
}

// MatchCategory looks up name among the categories of a build. An exact
// match of the matching field wins. Otherwise, for any category other than
// DefaultCategory, a single category whose matching field contains name is
// accepted.
func MatchCategory(cats []api.Category, name string) (*api.Category, MatchResult) {
	for i := range cats {
		if cats[i].MatchingField == name {
			return &cats[i], Found
		}
	}
	if name == DefaultCategory || name == "" {
		return nil, NotFound
	}

	var match *api.Category
	for i := range cats {
		if !strings.Contains(cats[i].MatchingField, name) {
			continue
		}
		if match != nil {
			return nil, Ambiguous
		}
		match = &cats[i]
	}
	if match == nil {
		return nil, NotFound
	}
	return match, Found
}

// SelectCategory is MatchCategory with the result mapped to
// ErrCategoryNotFound or ErrCategoryAmbiguous.
func SelectCategory(b *api.Build, name string) (*api.Category, error) {
	cat, res := MatchCategory(b.Manifests, name)
	switch res {
	case NotFound:
		return nil, fmt.Errorf("%w: %q", ErrCategoryNotFound, name)
	case Ambiguous:
		return nil, fmt.Errorf("%w: %q", ErrCategoryAmbiguous, name)
	}
	return cat, nil
}
