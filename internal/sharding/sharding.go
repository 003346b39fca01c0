package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for change subjects. All
// events for one owner land on one shard, so per-owner ordering is preserved
// by the broker.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a given owner ID.
func GetShardID(ownerID string) int {
	checksum := crc32.ChecksumIEEE([]byte(ownerID))
	return int(checksum % ShardCount)
}

// ChangeSubject returns the NATS subject carrying change events for an owner.
// Format: app.change.{shard_id}.owner.{owner_id}
func ChangeSubject(ownerID string) string {
	return fmt.Sprintf("app.change.%d.owner.%s", GetShardID(ownerID), ownerID)
}
