package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// The server uses node 1 and workers use node 2+.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a time-ordered int64 ID for database rows.
func New() int64 {
	return node.Generate().Int64()
}

// NewMessageID returns a random UUID used as an envelope messageId.
func NewMessageID() string {
	return uuid.NewString()
}

// trackerNamespace scopes deterministic tracker ids so they cannot collide with ids
// derived for another purpose from the same input.
var trackerNamespace = uuid.MustParse("3b0d7c9e-6f51-4b2c-9a7e-1f6f2d0c8a41")

// Deterministic derives a stable UUID (v5) from key. Retried submissions produce the
// same id, which makes tracker-side creation idempotent.
func Deterministic(key string) string {
	return uuid.NewSHA1(trackerNamespace, []byte(key)).String()
}
