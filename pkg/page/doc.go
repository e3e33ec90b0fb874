/*
Package page implements the bit-exact on-disk page layout from spec.md §6:
a fixed header (lower/upper/special offsets, checksum, flags, free-hint),
a growing array of line pointers at the low end, and tuples packed at the
high end growing downward. Offset numbers are stable: Compact moves tuple
bytes but never renumbers a line pointer, so an ItemPointer recorded in a
ctid chain or an index stays valid across a compaction.
*/
package page
