package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	// 起始时间戳 (2024-01-01 00:00:00 UTC)
	epoch int64 = 1704067200000

	nodeBits     = 10
	sequenceBits = 12

	maxNodeID   = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = nodeBits + sequenceBits

	// keyWidth int64 最大值的十进制位数
	keyWidth = 19
)

// ID 雪花ID
type ID int64

// String 十进制字符串
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Key 定长字符串，字典序与生成顺序一致，用作文档 ID
func (id ID) Key() string {
	return fmt.Sprintf("%0*d", keyWidth, int64(id))
}

// Time ID 中的毫秒时间戳
func (id ID) Time() time.Time {
	return time.UnixMilli((int64(id) >> timestampShift) + epoch)
}

// Node 雪花ID生成器节点
type Node struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastTime int64
	now      func() time.Time
}

// NewNode 创建雪花ID生成器
func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", nodeID, maxNodeID)
	}
	return &Node{nodeID: nodeID, now: time.Now}, nil
}

// Generate 生成雪花ID
// 时钟回拨时沿用上次的时间戳，保证单调递增
func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UnixMilli()
	if now < n.lastTime {
		now = n.lastTime
	}

	if now == n.lastTime {
		n.sequence = (n.sequence + 1) & maxSequence
		if n.sequence == 0 {
			// 序号用尽，等待下一毫秒
			for now <= n.lastTime {
				now = n.now().UnixMilli()
			}
		}
	} else {
		n.sequence = 0
	}

	n.lastTime = now

	return ID(((now - epoch) << timestampShift) | (n.nodeID << nodeShift) | n.sequence)
}

// NextKey 生成 ID 并返回定长字符串
func (n *Node) NextKey() string {
	return n.Generate().Key()
}
