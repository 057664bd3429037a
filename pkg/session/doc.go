// Package session tracks logical browser sessions and the connections bound
// to them.
//
// A Session is logical and survives reconnects; a Conn is physical and
// ephemeral. At most one Conn is bound to a session id at any instant and a
// newer binding supersedes the older one. Sessions are removed only by
// CloseSession or by Sweep, never by inactivity of a connected session.
package session
