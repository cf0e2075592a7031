package types

import "strings"

// DeliveryClass 投递类别
//
// 每次发送都显式指定，不按连接协商。同一连接可以并发承载三种类别。
type DeliveryClass uint8

const (
	// Unreliable 不可靠：可能丢失、重复、乱序
	Unreliable DeliveryClass = iota

	// SequencedUnreliable 有序不可靠：丢弃旧包和重复包，不重传
	SequencedUnreliable

	// ReliableOrdered 可靠有序：重传直到确认，按发送顺序投递
	ReliableOrdered

	deliveryClassCount
)

// String 返回类别名称
func (c DeliveryClass) String() string {
	switch c {
	case Unreliable:
		return "unreliable"
	case SequencedUnreliable:
		return "sequenced"
	case ReliableOrdered:
		return "reliable"
	default:
		return "unknown"
	}
}

// Valid 是否为已知类别
func (c DeliveryClass) Valid() bool {
	return c < deliveryClassCount
}

// DeliveryClassSet 投递类别位集合
type DeliveryClassSet uint8

// AllDeliveryClasses 全部类别
const AllDeliveryClasses DeliveryClassSet = 1<<Unreliable | 1<<SequencedUnreliable | 1<<ReliableOrdered

// NewDeliveryClassSet 由类别列表构造集合
func NewDeliveryClassSet(classes ...DeliveryClass) DeliveryClassSet {
	var s DeliveryClassSet
	for _, c := range classes {
		s |= 1 << c
	}
	return s
}

// Has 集合是否包含 c
func (s DeliveryClassSet) Has(c DeliveryClass) bool {
	return s&(1<<c) != 0
}

// String 返回 "reliable|sequenced" 形式
func (s DeliveryClassSet) String() string {
	parts := make([]string, 0, 3)
	for c := Unreliable; c < deliveryClassCount; c++ {
		if s.Has(c) {
			parts = append(parts, c.String())
		}
	}
	return strings.Join(parts, "|")
}
