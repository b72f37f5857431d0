// Package id generates time-ordered int64 identifiers for queue items and
// audit entries.
package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID. Only the first
// call takes effect.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new unique ID. Callers that skip Init get node 0.
func New() int64 {
	once.Do(func() {
		node, _ = snowflake.NewNode(0)
	})
	return node.Generate().Int64()
}

// NewString generates a new unique ID in decimal form for string-keyed rows.
func NewString() string {
	once.Do(func() {
		node, _ = snowflake.NewNode(0)
	})
	return node.Generate().String()
}
