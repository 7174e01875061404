// Package lock implements the advisory vault lock.
//
// A vault is a folder replicated between machines by an external sync
// client, so there is no compare-and-swap to build on. Exclusivity is a
// lease: the holder writes a record (see [model.LockRecord]) into the
// vault's metadata directory and keeps refreshing its heartbeat. Other
// machines that find a record owned by someone else are denied and told
// whether the record looks stale. Overriding is always an explicit caller
// decision ([Manager.Acquire] with force), and the displaced record is kept
// as a conflict backup.
//
// Every Acquire is a single read/decide/write cycle; it never waits for a
// holder to go away. Within one process Acquire and Release of the same
// vault are serialized, and between processes on one machine a file lock
// in the temp directory serializes the same cycle. Across machines the
// lock is only as consistent as the sync client.
package lock
