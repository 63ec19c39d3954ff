//go:build cgo

package graph

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// isCgoBusy reports whether err is a github.com/mattn/go-sqlite3 busy/locked
// error. ok is false when err is not a sqlite3.Error.
func isCgoBusy(err error) (busy, ok bool) {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked, true
	}
	return false, false
}
