package segment

import (
	"encoding/binary"
	"fmt"
	"math"
)

// 区域的布局如下，所有数字都以小端序存储
//
//	+--------+------------------------------+----------------------+
//	| header | directory (slots * entrySize) | data                 |
//	+--------+------------------------------+----------------------+
//	0        headerSize                     dataStart              capacity
//
// 头部和目录的大小在创建时确定，之后的打开者从头部读出它们
const (
	magic   uint32 = 0x53484B56 // "SHKV"
	version uint32 = 1

	// 头部各个字段的偏移
	magicOff      = 0
	versionOff    = 4
	capacityOff   = 8
	countOff      = 16
	dirSizeOff    = 20
	slotsOff      = 24
	generationOff = 28
	headerSize    = 32

	// 一个目录项包括键、值在区域中的起始位置和值的长度
	keySize   = 4 // sizeof(uint32)
	posSize   = 4 // sizeof(uint32)
	lenSize   = 4 // sizeof(uint32)
	entrySize = keySize + posSize + lenSize

	// 空目录项的键
	emptyKey uint32 = math.MaxUint32
)

var order = binary.LittleEndian

// Record 描述一个值在区域中的位置
// Offset 是相对于整个区域起始处的绝对偏移
type Record struct {
	Key    uint32
	Offset uint32
	Length uint32
}

func (r Record) end() uint64 {
	return uint64(r.Offset) + uint64(r.Length)
}

// header 是区域头部在映射内存上的视图
type header []byte

func (h header) magic() uint32      { return order.Uint32(h[magicOff:]) }
func (h header) version() uint32    { return order.Uint32(h[versionOff:]) }
func (h header) capacity() uint64   { return order.Uint64(h[capacityOff:]) }
func (h header) count() uint32      { return order.Uint32(h[countOff:]) }
func (h header) dirSize() uint32    { return order.Uint32(h[dirSizeOff:]) }
func (h header) slots() uint32      { return order.Uint32(h[slotsOff:]) }
func (h header) generation() uint32 { return order.Uint32(h[generationOff:]) }

func (h header) setCount(n uint32) { order.PutUint32(h[countOff:], n) }

// 每次修改区域后递增，Stats 用它让调用方判断内容是否变过
func (h header) bump() {
	order.PutUint32(h[generationOff:], h.generation()+1)
}

// 魔数最后写入，写完之后这个区域才算初始化完成
func (h header) format(capacity uint64, slots uint32) {
	order.PutUint32(h[versionOff:], version)
	order.PutUint64(h[capacityOff:], capacity)
	order.PutUint32(h[countOff:], 0)
	order.PutUint32(h[dirSizeOff:], slots*entrySize)
	order.PutUint32(h[slotsOff:], slots)
	order.PutUint32(h[generationOff:], 0)
	order.PutUint32(h[magicOff:], magic)
}

// 被 Destroy 的区域魔数清零，仍然映射着它的打开者据此发现它已经不存在了
func (h header) markRemoved() {
	order.PutUint32(h[magicOff:], 0)
}

func (h header) removed() bool {
	return h.magic() == 0
}

// 校验从共享内存中读出的头部
// 这些字节可能被任何一个打开者写坏，不能直接信任
func (h header) validate(size int64) error {
	if got := h.magic(); got != magic {
		return fmt.Errorf("%w: bad magic %#x", ErrCorruptDirectory, got)
	}
	if got := h.version(); got != version {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptDirectory, got)
	}
	if got := h.capacity(); got != uint64(size) {
		return fmt.Errorf("%w: header capacity %d, region has %d bytes", ErrCorruptDirectory, got, size)
	}
	slots := h.slots()
	if slots == 0 || uint64(h.dirSize()) != uint64(slots)*entrySize {
		return fmt.Errorf("%w: %d slots with directory size %d", ErrCorruptDirectory, slots, h.dirSize())
	}
	if headerSize+uint64(h.dirSize()) > uint64(size) {
		return fmt.Errorf("%w: directory of %d bytes does not fit", ErrCorruptDirectory, h.dirSize())
	}
	return nil
}

// index 是目录在映射内存上的视图
// 目录是一个定长数组，每一项是一个 Record，键为 emptyKey 的项是空的
type index struct {
	mmap  []byte
	slots uint32
}

func newIndex(region []byte, slots uint32) *index {
	return &index{
		mmap:  region[headerSize : headerSize+uint64(slots)*entrySize],
		slots: slots,
	}
}

func (i *index) Read(slot uint32) Record {
	b := i.mmap[slot*entrySize : (slot+1)*entrySize]
	return Record{
		Key:    order.Uint32(b[0:keySize]),
		Offset: order.Uint32(b[keySize : keySize+posSize]),
		Length: order.Uint32(b[keySize+posSize : entrySize]),
	}
}

// Write 先写位置和长度，最后写键
// 键写入之后这个目录项才对读者可见
func (i *index) Write(slot uint32, r Record) {
	b := i.mmap[slot*entrySize : (slot+1)*entrySize]
	order.PutUint32(b[keySize:keySize+posSize], r.Offset)
	order.PutUint32(b[keySize+posSize:entrySize], r.Length)
	order.PutUint32(b[0:keySize], r.Key)
}

func (i *index) Erase(slot uint32) {
	b := i.mmap[slot*entrySize : (slot+1)*entrySize]
	order.PutUint32(b[0:keySize], emptyKey)
	order.PutUint32(b[keySize:keySize+posSize], 0)
	order.PutUint32(b[keySize+posSize:entrySize], 0)
}

// Find 返回键所在的目录项下标
func (i *index) Find(key uint32) (uint32, Record, bool) {
	for slot := uint32(0); slot < i.slots; slot++ {
		if r := i.Read(slot); r.Key == key {
			return slot, r, true
		}
	}
	return 0, Record{}, false
}

// FreeSlot 返回第一个空目录项的下标
func (i *index) FreeSlot() (uint32, bool) {
	slot, _, ok := i.Find(emptyKey)
	return slot, ok
}

// Records 返回所有非空目录项，顺序与它们在目录中的位置一致
func (i *index) Records() []Record {
	records := make([]Record, 0)
	for slot := uint32(0); slot < i.slots; slot++ {
		if r := i.Read(slot); r.Key != emptyKey {
			records = append(records, r)
		}
	}
	return records
}

func (i *index) Reset() {
	for slot := uint32(0); slot < i.slots; slot++ {
		i.Erase(slot)
	}
}
