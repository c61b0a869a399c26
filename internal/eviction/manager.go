package eviction

import "strings"

// Manager holds the eviction allow list and picks victims.
type Manager struct {
	exact    map[string]struct{}
	prefixes []string
	blocks   *BlockList
}

// NewManager builds a Manager. An allow-list entry is a prefix when it is a
// collection key or ends with sep; otherwise it matches exactly.
func NewManager(allow []string, sep string, isCollection func(string) bool, blocks *BlockList) *Manager {
	m := &Manager{exact: make(map[string]struct{}), blocks: blocks}
	if m.blocks == nil {
		m.blocks = NewBlockList()
	}
	for _, k := range allow {
		switch {
		case k == "":
		case (isCollection != nil && isCollection(k)) || (sep != "" && strings.HasSuffix(k, sep)):
			m.prefixes = append(m.prefixes, k)
		default:
			m.exact[k] = struct{}{}
		}
	}
	return m
}

// Blocks returns the block list the manager consults.
func (m *Manager) Blocks() *BlockList { return m.blocks }

// IsEvictable reports whether key is on the allow list.
func (m *Manager) IsEvictable(key string) bool {
	if _, ok := m.exact[key]; ok {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Victim scans recent from the least recently used end and returns the
// first key that is not blocked.
func (m *Manager) Victim(recent []string) (string, bool) {
	for _, k := range recent {
		if !m.blocks.Blocked(k) {
			return k, true
		}
	}
	return "", false
}
