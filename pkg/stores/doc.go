// Package stores persists the provisioning state document.
//
// FileStore keeps the document in a local JSON file replaced atomically on
// every save and can watch it for changes. SQLiteStore keeps it in a single
// row next to an append-only phase history and an audit log. SFTPStore keeps
// it on the remote host commands are run on, so several operators share one
// state.
package stores
