package evict

import "fmt"

// Value 被缓存的值，需要能报告自身占用的字节数
type Value interface {
	Len() int
}

// Policy 按字节容量淘汰的策略接口
type Policy interface {
	// Add 添加或更新一个缓存项
	Add(key string, value Value)

	// Get 获取一个缓存项，会被视为一次访问
	Get(key string) (value Value, ok bool)

	// Remove 删除指定的缓存项，不存在时返回 false
	Remove(key string) bool

	// RemoveOldest 从缓存中移除"最旧"的项
	// 不同的策略有不同的"最旧"定义：
	// - LRU: 最近最少使用
	// - LFU: 最不经常使用
	// - FIFO: 先进先出
	RemoveOldest()

	// Keys 返回当前所有 key
	Keys() []string

	// Len 返回当前缓存中的项数
	Len() int

	// Bytes 返回当前已使用的字节数
	Bytes() int64
}

// Factory 工厂函数类型，用于创建不同的淘汰策略
type Factory func(maxBytes int64, onEvicted func(key string, value Value)) Policy

// ByName 根据配置名称选择策略
func ByName(name string) (Factory, error) {
	switch name {
	case "", "lru":
		return NewLRU, nil
	case "lfu":
		return NewLFU, nil
	case "fifo":
		return NewFIFO, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy: %s", name)
	}
}

func sizeOf(key string, value Value) int64 {
	return int64(len(key)) + int64(value.Len())
}
