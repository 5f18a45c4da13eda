package evict

import "container/list"

// 这里用双向链表作为队列
// Front作为队尾 Back作为队首

// LRU 最近最少使用
type LRU struct {
	maxBytes  int64 // 允许使用的最大内存
	nBytes    int64 // 当前已使用的内存
	ll        *list.List
	cache     map[string]*list.Element
	onEvicted func(key string, value Value)
}

type lruEntry struct {
	key   string
	value Value
}

// NewLRU 创建LRU策略, maxBytes 为 0 表示不限制
func NewLRU(maxBytes int64, onEvicted func(key string, value Value)) Policy {
	return &LRU{
		maxBytes:  maxBytes,
		ll:        list.New(),
		cache:     make(map[string]*list.Element),
		onEvicted: onEvicted,
	}
}

func (c *LRU) Len() int {
	return c.ll.Len()
}

func (c *LRU) Bytes() int64 {
	return c.nBytes
}

// Get 查找并把节点移动到队尾
func (c *LRU) Get(key string) (value Value, ok bool) {
	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*lruEntry).value, true
	}
	return
}

// Remove 删除指定节点
func (c *LRU) Remove(key string) bool {
	elem, ok := c.cache[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// RemoveOldest 移除队首(list.Back)节点并回调
func (c *LRU) RemoveOldest() {
	if elem := c.ll.Back(); elem != nil {
		kv := c.removeElement(elem)
		if c.onEvicted != nil {
			c.onEvicted(kv.key, kv.value)
		}
	}
}

func (c *LRU) removeElement(elem *list.Element) *lruEntry {
	c.ll.Remove(elem)
	kv := elem.Value.(*lruEntry)
	delete(c.cache, kv.key)
	c.nBytes -= sizeOf(kv.key, kv.value)
	return kv
}

// Add 新增或更新节点，超出容量时淘汰最久未访问的节点
func (c *LRU) Add(key string, value Value) {
	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		kv := elem.Value.(*lruEntry)
		c.nBytes += int64(value.Len()) - int64(kv.value.Len())
		kv.value = value
	} else {
		c.cache[key] = c.ll.PushFront(&lruEntry{key: key, value: value})
		c.nBytes += sizeOf(key, value)
	}
	for c.maxBytes != 0 && c.maxBytes < c.nBytes && c.ll.Len() > 0 {
		c.RemoveOldest()
	}
}

func (c *LRU) Keys() []string {
	keys := make([]string, 0, len(c.cache))
	for e := c.ll.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(*lruEntry).key)
	}
	return keys
}

var _ Policy = (*LRU)(nil)
