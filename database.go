package main

import (
	"context"
	"errors"
)

// ErrNoTreeHead is returned by LatestTreeHead when the local database
// has no tree head at all (a brand new node).
var ErrNoTreeHead = errors.New("no tree head stored")

// Database is the slice of the local log database this daemon needs:
// the latest tree head the node has accepted, and the ability to
// record a new one.
type Database interface {
	// LatestTreeHead returns the newest tree head in the local
	// database, or ErrNoTreeHead if there is none.
	LatestTreeHead(ctx context.Context) (*SignedTreeHead, error)

	// WriteTreeHead records a tree head in the local database.
	WriteTreeHead(ctx context.Context, sth SignedTreeHead) error
}
