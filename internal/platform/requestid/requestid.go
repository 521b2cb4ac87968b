// Package requestid mints identifiers for requests that arrive without one.
package requestid

import "github.com/oklog/ulid/v2"

const Header = "X-Request-Id"

// New returns a lexically time-ordered id.
func New() string {
	return ulid.Make().String()
}
