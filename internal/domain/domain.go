// Package domain models the namespace hierarchy leases are granted over.
//
// A domain is a cleaned absolute slash path. "/data/x" is a descendant of
// "/data" and of the root "/". When two domains cover the same path the
// deeper one is more specific and takes precedence.
package domain

import (
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

// Root is the domain covering the whole namespace.
const Root Domain = "/"

// ErrInvalidDomain is returned for paths that cannot name a domain.
var ErrInvalidDomain = errors.New("invalid domain")

// Domain is a region of the namespace.
type Domain string

// Parse cleans s into a domain. It must be absolute.
func Parse(s string) (Domain, error) {
	if !strings.HasPrefix(s, "/") {
		return "", errors.Wrapf(ErrInvalidDomain, "%q is not absolute", s)
	}

	if strings.ContainsRune(s, 0) {
		return "", errors.Wrapf(ErrInvalidDomain, "%q contains NUL", s)
	}

	return Domain(path.Clean(s)), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Domain {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return d
}

// String returns the path.
func (d Domain) String() string {
	return string(d)
}

// Depth is the number of path components; the root has depth 0.
func (d Domain) Depth() int {
	if d == Root {
		return 0
	}

	return strings.Count(string(d), "/")
}

// Parent returns the enclosing domain. The root is its own parent.
func (d Domain) Parent() Domain {
	if d == Root {
		return Root
	}

	return Domain(path.Dir(string(d)))
}

// Covers reports whether d equals o or is one of its ancestors.
func (d Domain) Covers(o Domain) bool {
	if d == Root || d == o {
		return true
	}

	return strings.HasPrefix(string(o), string(d)+"/")
}

// Ancestors lists d and every enclosing domain, most specific first, ending at the root.
func (d Domain) Ancestors() []Domain {
	out := make([]Domain, 0, d.Depth()+1)

	for cur := d; ; cur = cur.Parent() {
		out = append(out, cur)
		if cur == Root {
			return out
		}
	}
}
