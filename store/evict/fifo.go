package evict

import "container/list"

// FIFO 先进先出
type FIFO struct {
	maxBytes  int64
	nBytes    int64
	queue     *list.List
	cache     map[string]*list.Element
	onEvicted func(key string, value Value)
}

type fifoEntry struct {
	key   string
	value Value
}

// NewFIFO 创建FIFO策略
func NewFIFO(maxBytes int64, onEvicted func(key string, value Value)) Policy {
	return &FIFO{
		maxBytes:  maxBytes,
		queue:     list.New(),
		cache:     make(map[string]*list.Element),
		onEvicted: onEvicted,
	}
}

func (c *FIFO) Len() int {
	return c.queue.Len()
}

func (c *FIFO) Bytes() int64 {
	return c.nBytes
}

// Get 在FIFO中不改变项的位置
func (c *FIFO) Get(key string) (value Value, ok bool) {
	if elem, ok := c.cache[key]; ok {
		return elem.Value.(*fifoEntry).value, true
	}
	return
}

func (c *FIFO) Remove(key string) bool {
	elem, ok := c.cache[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// RemoveOldest 删除最早添加的项（队列头部）
func (c *FIFO) RemoveOldest() {
	if elem := c.queue.Front(); elem != nil {
		entry := c.removeElement(elem)
		if c.onEvicted != nil {
			c.onEvicted(entry.key, entry.value)
		}
	}
}

func (c *FIFO) removeElement(elem *list.Element) *fifoEntry {
	c.queue.Remove(elem)
	entry := elem.Value.(*fifoEntry)
	delete(c.cache, entry.key)
	c.nBytes -= sizeOf(entry.key, entry.value)
	return entry
}

// Add 已存在的键只更新值，不改变在队列中的位置
func (c *FIFO) Add(key string, value Value) {
	if elem, ok := c.cache[key]; ok {
		entry := elem.Value.(*fifoEntry)
		c.nBytes += int64(value.Len()) - int64(entry.value.Len())
		entry.value = value
	} else {
		c.cache[key] = c.queue.PushBack(&fifoEntry{key: key, value: value})
		c.nBytes += sizeOf(key, value)
	}
	for c.maxBytes != 0 && c.maxBytes < c.nBytes && c.queue.Len() > 0 {
		c.RemoveOldest()
	}
}

func (c *FIFO) Keys() []string {
	keys := make([]string, 0, len(c.cache))
	for e := c.queue.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*fifoEntry).key)
	}
	return keys
}

var _ Policy = (*FIFO)(nil)
