package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string. Used for run ids and file transfer
// sessions; lexicographic order matches creation order.
func NewID() string {
	return ulid.Make().String()
}
