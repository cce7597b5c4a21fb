// Package block implements the two-ended bump allocator that backs every
// command buffer.
//
// A Block is a fixed-size byte region with two cursors. The low cursor grows
// upward from offset 0 and hands out small fixed-size records (command
// headers). The high cursor grows downward from the end and hands out
// variable-size payloads. Both paths are O(1) and never fragment, because
// each end only ever bumps in one direction until Reset.
//
// # Mark state
//
// A Block is either Clean or Marked. Mark snapshots both cursors and the
// command count; Unwind restores exactly that snapshot and Commit keeps the
// allocations made since. Marks never nest: calling Mark on a Marked block,
// or Unwind/Commit on a Clean one, panics. This keeps the invariant
// low <= high from being broken silently by a stray rollback.
//
// # Guard pages
//
// NewGuarded maps the block between two inaccessible pages (unix only) so
// that stray unsafe writes fault immediately. It is a diagnostic mode; the
// default New uses an ordinary Go slice.
//
// Offsets returned by the allocators are relative to the start of the block,
// never addresses, so a block's contents stay valid if the block is copied.
package block
