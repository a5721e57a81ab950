// Package store implements the sharded on-disk layout shared by the pool
// and the trash.
//
// An entry for digest d lives at root/d[0:2]/d[2:4]/d. Two levels of
// 256-way fan-out keep any single directory's file count bounded.
package store

import "path/filepath"

// ShardPath returns root/d[0:2]/d[2:4]. It panics if d is shorter than four
// characters; all real digests are 40.
func ShardPath(root, d string) string {
	if len(d) < 4 {
		panic("store: digest too short for shard path: " + d)
	}
	return filepath.Join(root, d[0:2], d[2:4])
}

// FullPath returns ShardPath(root, d)/d.
func FullPath(root, d string) string {
	return filepath.Join(ShardPath(root, d), d)
}
