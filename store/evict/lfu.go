package evict

import "container/list"

// LFU 最不经常使用，同频率下先淘汰最早进入该频率的项
type LFU struct {
	maxBytes  int64
	nBytes    int64
	cache     map[string]*lfuEntry
	freqList  *list.List // 频率列表，按频率升序排列
	onEvicted func(key string, value Value)
}

// freqEntry 频率节点，items 按进入该频率的先后排列
type freqEntry struct {
	freq  int
	items *list.List
}

type lfuEntry struct {
	key      string
	value    Value
	freqNode *list.Element // 所在的频率节点
	item     *list.Element // 在频率节点 items 中的位置
}

// NewLFU 创建LFU策略
func NewLFU(maxBytes int64, onEvicted func(key string, value Value)) Policy {
	return &LFU{
		maxBytes:  maxBytes,
		cache:     make(map[string]*lfuEntry),
		freqList:  list.New(),
		onEvicted: onEvicted,
	}
}

func (c *LFU) Len() int {
	return len(c.cache)
}

func (c *LFU) Bytes() int64 {
	return c.nBytes
}

// Get 查找缓存项，并增加其访问频率
func (c *LFU) Get(key string) (value Value, ok bool) {
	if entry, ok := c.cache[key]; ok {
		c.incrementFreq(entry)
		return entry.value, true
	}
	return nil, false
}

// incrementFreq 把缓存项挪到 freq+1 的节点
func (c *LFU) incrementFreq(entry *lfuEntry) {
	cur := entry.freqNode
	var target *list.Element

	if cur == nil {
		front := c.freqList.Front()
		if front != nil && front.Value.(*freqEntry).freq == 1 {
			target = front
		} else {
			target = c.freqList.PushFront(&freqEntry{freq: 1, items: list.New()})
		}
	} else {
		fe := cur.Value.(*freqEntry)
		fe.items.Remove(entry.item)
		newFreq := fe.freq + 1
		next := cur.Next()
		if next != nil && next.Value.(*freqEntry).freq == newFreq {
			target = next
		} else {
			target = c.freqList.InsertAfter(&freqEntry{freq: newFreq, items: list.New()}, cur)
		}
		if fe.items.Len() == 0 {
			c.freqList.Remove(cur)
		}
	}

	entry.freqNode = target
	entry.item = target.Value.(*freqEntry).items.PushBack(entry)
}

func (c *LFU) Remove(key string) bool {
	entry, ok := c.cache[key]
	if !ok {
		return false
	}
	c.removeEntry(entry)
	return true
}

// RemoveOldest 删除最低频率节点中最早的项
func (c *LFU) RemoveOldest() {
	front := c.freqList.Front()
	if front == nil {
		return
	}
	item := front.Value.(*freqEntry).items.Front()
	if item == nil {
		return
	}
	entry := item.Value.(*lfuEntry)
	c.removeEntry(entry)
	if c.onEvicted != nil {
		c.onEvicted(entry.key, entry.value)
	}
}

func (c *LFU) removeEntry(entry *lfuEntry) {
	fe := entry.freqNode.Value.(*freqEntry)
	fe.items.Remove(entry.item)
	if fe.items.Len() == 0 {
		c.freqList.Remove(entry.freqNode)
	}
	delete(c.cache, entry.key)
	c.nBytes -= sizeOf(entry.key, entry.value)
}

// Add 添加或更新缓存项，两者都算一次访问
func (c *LFU) Add(key string, value Value) {
	if entry, ok := c.cache[key]; ok {
		c.nBytes += int64(value.Len()) - int64(entry.value.Len())
		entry.value = value
		c.incrementFreq(entry)
	} else {
		entry := &lfuEntry{key: key, value: value}
		c.cache[key] = entry
		c.nBytes += sizeOf(key, value)
		c.incrementFreq(entry)
	}

	for c.maxBytes != 0 && c.nBytes > c.maxBytes && len(c.cache) > 0 {
		c.RemoveOldest()
	}
}

func (c *LFU) Keys() []string {
	keys := make([]string, 0, len(c.cache))
	for f := c.freqList.Front(); f != nil; f = f.Next() {
		for e := f.Value.(*freqEntry).items.Front(); e != nil; e = e.Next() {
			keys = append(keys, e.Value.(*lfuEntry).key)
		}
	}
	return keys
}

var _ Policy = (*LFU)(nil)
