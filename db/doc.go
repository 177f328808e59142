/*

Package db is an embedded, file-system-backed key-value database that
stores any number of explicitly versioned binary values per key.

Vocabulary:

- key: arbitrary non-empty byte string; ordered by unsigned byte comparison
- version: caller-assigned unsigned integer; never generated by the db
- encoded key: lowercase hex of the key, two characters per byte; never
  contains the version separator "v"
- shard: subdirectory of Db.Dir named after the encoded first key byte,
  in order to keep directory sizes small
- value file: <shard>/<encoded key>v<version>.val, holding the raw value
- abspath: absolute path on disk, including the shard
- relpath: path relative to Db.Dir, including the shard
- canpath: value file name without the shard
- tombstone: a deleted value file renamed to <canpath>.<nanos>.del,
  waiting for its last FileRef to be released
- DataRef: byte-addressable blob, either in memory (ByteRef) or in a
  value file (FileRef)
- FileRef: reference-counted open handle on a value file
- handle cache: LRU of open FileRefs; holds one reference per entry
- KeyPointer: snapshot of one key's versions taken by Db.Iterate

A Db is not safe for concurrent use; see the fuse package for an
example of putting a lock in front of it.

*/

package db
