// Package archive copies results out of the result stream into SQL.
//
// The result stream is an inbox, not a history: producers poll it and an
// operator eventually trims it. Archiver.Run moves results into a SQLStore
// (SQLite through modernc.org/sqlite by default) so they stay queryable
// after the stream is trimmed.
package archive
