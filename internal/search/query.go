package search

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// ErrInvalidQuery is returned for empty or malformed search terms
var ErrInvalidQuery = errors.New("invalid query")

// ParseQuery builds a query scoped to one field.
//
// Bare words must all match (AND), "quoted text" matches as a phrase and a
// trailing * turns a word into a prefix match:
//
//	broken cycle      title has both words
//	"broken cycle"    title has the phrase
//	chand*            authors has a word starting with chand
func ParseQuery(field, term string) (query.Query, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("%w: empty search term", ErrInvalidQuery)
	}
	if strings.Count(term, `"`)%2 != 0 {
		return nil, fmt.Errorf("%w: unbalanced quote", ErrInvalidQuery)
	}

	var clauses []query.Query
	var words []string

	for n, part := range strings.Split(term, `"`) {
		// Odd parts sit between quotes
		if n%2 == 1 {
			phrase := strings.TrimSpace(part)
			if phrase == "" {
				continue
			}
			if !hasWordChar(phrase) {
				return nil, fmt.Errorf("%w: %q has no searchable characters", ErrInvalidQuery, phrase)
			}
			q := bleve.NewMatchPhraseQuery(phrase)
			q.SetField(field)
			clauses = append(clauses, q)
			continue
		}

		for _, tok := range strings.Fields(part) {
			if !hasWordChar(tok) {
				return nil, fmt.Errorf("%w: %q has no searchable characters", ErrInvalidQuery, tok)
			}
			if strings.HasSuffix(tok, "*") {
				prefix := strings.ToLower(strings.TrimRight(tok, "*"))
				if strings.Contains(prefix, "*") {
					return nil, fmt.Errorf("%w: wildcard inside %q", ErrInvalidQuery, tok)
				}
				q := bleve.NewPrefixQuery(prefix)
				q.SetField(field)
				clauses = append(clauses, q)
				continue
			}
			words = append(words, tok)
		}
	}

	if len(words) > 0 {
		q := bleve.NewMatchQuery(strings.Join(words, " "))
		q.SetField(field)
		q.SetOperator(query.MatchQueryOperatorAnd)
		clauses = append(clauses, q)
	}

	switch len(clauses) {
	case 0:
		return nil, fmt.Errorf("%w: empty search term", ErrInvalidQuery)
	case 1:
		return clauses[0], nil
	default:
		return bleve.NewConjunctionQuery(clauses...), nil
	}
}

func hasWordChar(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
