package ids

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewReference returns a time-ordered ledger reference. The snowflake node comes
// from SNOWFLAKE_NODE (default 1); if it cannot be created a KSUID is returned.
func NewReference() string {
	nodeOnce.Do(func() {
		nodeID := int64(1)
		if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				nodeID = parsed
			}
		}
		n, err := snowflake.NewNode(nodeID)
		if err == nil {
			node = n
		}
	})
	if node == nil {
		return NewKSUID()
	}
	return node.Generate().String()
}
