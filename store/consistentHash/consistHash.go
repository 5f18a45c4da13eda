package consistentHash

import (
	"hash/crc32"
	"sort"
	"strconv"
)

type Hash func(data []byte) uint32

// Map 一致性哈希环，用来把存储名映射到 Redis 节点
type Map struct {
	hash     Hash           // Hash函数
	replicas int            // 虚拟节点倍数
	keys     []int          // 哈希环
	hashMap  map[int]string // 虚拟节点与真实节点的映射表
	nodes    map[string]struct{}
}

func New(replicas int, fn Hash) *Map {
	if replicas <= 0 {
		replicas = 1
	}
	m := &Map{
		hash:     fn,
		replicas: replicas,
		hashMap:  make(map[int]string),
		nodes:    make(map[string]struct{}),
	}
	if m.hash == nil {
		m.hash = crc32.ChecksumIEEE
	}
	return m
}

// Add 添加真实节点, 每个真实节点对应 replicas 个虚拟节点 "i+key"
// 重复添加同一节点会被忽略
func (m *Map) Add(nodes ...string) {
	for _, node := range nodes {
		if _, ok := m.nodes[node]; ok || node == "" {
			continue
		}
		m.nodes[node] = struct{}{}
		for i := 0; i < m.replicas; i++ {
			hash := int(m.hash([]byte(strconv.Itoa(i) + node)))
			m.keys = append(m.keys, hash)
			m.hashMap[hash] = node
		}
	}
	sort.Ints(m.keys)
}

// Remove 移除真实节点及其虚拟节点
func (m *Map) Remove(node string) {
	if _, ok := m.nodes[node]; !ok {
		return
	}
	delete(m.nodes, node)

	toRemove := make(map[int]bool, m.replicas)
	for i := 0; i < m.replicas; i++ {
		hash := int(m.hash([]byte(strconv.Itoa(i) + node)))
		toRemove[hash] = true
		delete(m.hashMap, hash)
	}

	newKeys := make([]int, 0, len(m.keys))
	for _, k := range m.keys {
		if !toRemove[k] {
			newKeys = append(newKeys, k)
		}
	}
	m.keys = newKeys
}

// Get 顺时针找到第一个虚拟节点对应的真实节点，环为空时返回 ""
func (m *Map) Get(key string) string {
	if len(m.keys) == 0 {
		return ""
	}
	hash := int(m.hash([]byte(key)))
	idx := sort.Search(len(m.keys), func(i int) bool {
		return m.keys[i] >= hash
	})
	return m.hashMap[m.keys[idx%len(m.keys)]]
}

// Nodes 返回排序后的真实节点列表
func (m *Map) Nodes() []string {
	nodes := make([]string, 0, len(m.nodes))
	for n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}
