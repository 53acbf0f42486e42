package domain

import (
	"github.com/shopspring/decimal"
)

// ownerSet 某个 owner 的有序持仓 ID 列表，以及 ID -> 列表下标的索引
type ownerSet struct {
	ids   []string
	index map[string]int
}

// PositionBook 持仓簿。
// 采用 arena 存储（slot 复用空闲链），按 owner 维护有序 ID 列表，删除时与末尾交换后弹出，O(1)。
// 非并发安全，由引擎串行化访问。
type PositionBook struct {
	slots           []Position
	used            []bool
	free            []int
	byID            map[string]int
	owners          map[string]*ownerSet
	nonces          map[string]uint64
	seq             uint64
	totalCollateral decimal.Decimal
}

// NewPositionBook 创建空持仓簿
func NewPositionBook() *PositionBook {
	return &PositionBook{
		byID:   make(map[string]int),
		owners: make(map[string]*ownerSet),
		nonces: make(map[string]uint64),
	}
}

// AllocateID 为 owner 分配下一个持仓 ID，nonce 与全局序号只增不减
func (b *PositionBook) AllocateID(owner string) string {
	b.nonces[owner]++
	b.seq++
	return NewPositionID(owner, b.nonces[owner], b.seq)
}

// Insert 插入持仓并记录其在 owner 列表中的下标
func (b *PositionBook) Insert(p Position) error {
	if _, ok := b.byID[p.ID]; ok {
		return ErrDuplicatePosition.Withf("%s", p.ID)
	}

	var slot int
	if n := len(b.free); n > 0 {
		slot = b.free[n-1]
		b.free = b.free[:n-1]
		b.slots[slot] = p
		b.used[slot] = true
	} else {
		slot = len(b.slots)
		b.slots = append(b.slots, p)
		b.used = append(b.used, true)
	}
	b.byID[p.ID] = slot

	set, ok := b.owners[p.Owner]
	if !ok {
		set = &ownerSet{index: make(map[string]int)}
		b.owners[p.Owner] = set
	}
	set.index[p.ID] = len(set.ids)
	set.ids = append(set.ids, p.ID)

	b.totalCollateral = b.totalCollateral.Add(p.Collateral)
	return nil
}

// Get 按 ID 查询，返回副本
func (b *PositionBook) Get(id string) (Position, bool) {
	slot, ok := b.byID[id]
	if !ok {
		return Position{}, false
	}
	return b.slots[slot], true
}

// UpdateCollateral 修改保证金，不触碰 Size 与 EntryPrice
func (b *PositionBook) UpdateCollateral(id string, collateral decimal.Decimal) (Position, error) {
	slot, ok := b.byID[id]
	if !ok {
		return Position{}, ErrPositionNotFound.Withf("%s", id)
	}
	p := &b.slots[slot]
	b.totalCollateral = b.totalCollateral.Sub(p.Collateral).Add(collateral)
	p.Collateral = collateral
	return *p, nil
}

// Remove 整体移除持仓：owner 列表中与末尾元素交换后弹出，并修正被移动元素的下标
func (b *PositionBook) Remove(id string) (Position, error) {
	slot, ok := b.byID[id]
	if !ok {
		return Position{}, ErrPositionNotFound.Withf("%s", id)
	}
	p := b.slots[slot]

	set := b.owners[p.Owner]
	if set == nil {
		return Position{}, ErrBookCorrupted.Withf("owner %s missing for %s", p.Owner, id)
	}
	idx, ok := set.index[id]
	if !ok || idx >= len(set.ids) || set.ids[idx] != id {
		return Position{}, ErrBookCorrupted.Withf("index of %s", id)
	}
	last := len(set.ids) - 1
	if idx != last {
		moved := set.ids[last]
		set.ids[idx] = moved
		set.index[moved] = idx
	}
	set.ids = set.ids[:last]
	delete(set.index, id)
	if len(set.ids) == 0 {
		delete(b.owners, p.Owner)
	}

	delete(b.byID, id)
	b.slots[slot] = Position{}
	b.used[slot] = false
	b.free = append(b.free, slot)

	b.totalCollateral = b.totalCollateral.Sub(p.Collateral)
	return p, nil
}

// OwnerCount owner 当前持仓数
func (b *PositionBook) OwnerCount(owner string) int {
	if set, ok := b.owners[owner]; ok {
		return len(set.ids)
	}
	return 0
}

// IDsOf owner 的持仓 ID 列表副本
func (b *PositionBook) IDsOf(owner string) []string {
	set, ok := b.owners[owner]
	if !ok {
		return nil
	}
	out := make([]string, len(set.ids))
	copy(out, set.ids)
	return out
}

// Len 持仓总数
func (b *PositionBook) Len() int {
	return len(b.byID)
}

// TotalCollateral 所有持仓保证金之和
func (b *PositionBook) TotalCollateral() decimal.Decimal {
	return b.totalCollateral
}

// Each 遍历所有持仓，fn 返回 false 时停止
func (b *PositionBook) Each(fn func(Position) bool) {
	for i, p := range b.slots {
		if !b.used[i] {
			continue
		}
		if !fn(p) {
			return
		}
	}
}

// BookSnapshot 持仓簿持久化形态
type BookSnapshot struct {
	Positions map[string]Position `json:"positions"`
	Owners    map[string][]string `json:"owners"`
	Nonces    map[string]uint64   `json:"nonces"`
	Seq       uint64              `json:"seq"`
}

// Snapshot 导出持仓簿
func (b *PositionBook) Snapshot() BookSnapshot {
	s := BookSnapshot{
		Positions: make(map[string]Position, len(b.byID)),
		Owners:    make(map[string][]string, len(b.owners)),
		Nonces:    make(map[string]uint64, len(b.nonces)),
		Seq:       b.seq,
	}
	for id, slot := range b.byID {
		s.Positions[id] = b.slots[slot]
	}
	for owner := range b.owners {
		s.Owners[owner] = b.IDsOf(owner)
	}
	for owner, n := range b.nonces {
		s.Nonces[owner] = n
	}
	return s
}

// RestoreBook 从快照重建，保持每个 owner 的列表顺序
func RestoreBook(s BookSnapshot) (*PositionBook, error) {
	b := NewPositionBook()
	seen := 0
	for owner, ids := range s.Owners {
		for _, id := range ids {
			p, ok := s.Positions[id]
			if !ok || p.Owner != owner {
				return nil, ErrBookCorrupted.Withf("snapshot entry %s for %s", id, owner)
			}
			if err := b.Insert(p); err != nil {
				return nil, err
			}
			seen++
		}
	}
	if seen != len(s.Positions) {
		return nil, ErrBookCorrupted.Withf("%d positions not referenced by any owner", len(s.Positions)-seen)
	}
	for owner, n := range s.Nonces {
		b.nonces[owner] = n
	}
	b.seq = s.Seq
	return b, nil
}
