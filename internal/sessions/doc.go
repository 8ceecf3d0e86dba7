// Package sessions stores conversation transcripts keyed by session key.
//
// Sessions and their messages live in SQLite (modernc.org/sqlite) at
// <stateDir>/sessions.db. The gateway serves sessions.delete from here, the
// default agent runner appends to it, and the announce flow reads the last
// assistant reply of a finished child session.
package sessions
