package prompt

import (
	"sort"
	"strings"
)

// Block is one addressable piece of the system prompt. Higher priority
// renders earlier; ties break on ID so output is deterministic.
type Block struct {
	ID       string
	Priority int
	Content  string
}

// Builder assembles the system prompt from blocks added in any order.
type Builder struct {
	blocks []Block
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add queues a block. Blank content is dropped so callers can add
// conditionally without guarding.
func (b *Builder) Add(block Block) {
	if strings.TrimSpace(block.Content) == "" {
		return
	}
	b.blocks = append(b.blocks, block)
}

// Build renders the blocks in priority order, separated by blank lines.
// The builder itself is left untouched.
func (b *Builder) Build() string {
	if len(b.blocks) == 0 {
		return ""
	}
	blocks := make([]Block, len(b.blocks))
	copy(blocks, b.blocks)
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Priority == blocks[j].Priority {
			return blocks[i].ID < blocks[j].ID
		}
		return blocks[i].Priority > blocks[j].Priority
	})

	var sb strings.Builder
	for i, block := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block.Content)
	}
	return sb.String()
}
