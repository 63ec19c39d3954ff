//go:build !cgo

package graph

// isCgoBusy is a no-op without cgo: github.com/mattn/go-sqlite3 is a stub
// in that case and never yields a sqlite3.Error.
func isCgoBusy(err error) (busy, ok bool) {
	return false, false
}
