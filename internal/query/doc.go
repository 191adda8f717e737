// Package query builds parameterized SQLite SELECT statements from a small
// structured form.
//
// Callers describe what they want as a Select with a Predicate tree; Compile
// turns it into SQL text plus positional parameters:
//
//	sql, args, err := query.Compile(query.Select{
//	    From:   "transactions",
//	    Filter: query.Match(map[string]any{"state": "CLOSED"}),
//	})
//	// SELECT * FROM transactions WHERE state = ? ORDER BY rowid ASC
//
// Values are never interpolated. Table and column names are checked
// against a strict identifier pattern, so a Select built from scenario
// files or flags cannot smuggle SQL.
//
// Every statement carries an ORDER BY. Without an explicit order the
// rowid is used, so the same data always yields rows in the same order.
//
// Predicate is sealed: only Equals, AtLeast and And implement it, and
// Compile switches over them exhaustively.
package query
