package payment

// Status 表示付款记录在生命周期中的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusSettled  Status = "settled"
	StatusRefunded Status = "refunded"
	StatusFailed   Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusSettled, StatusRefunded, StatusFailed},
	// 结算成功后分账失败仍需标记为 failed。
	StatusSettled: {StatusFailed},
}

// CanTransition 判断状态迁移是否合法。相同状态之间的迁移视为非法。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid 判断状态值是否已知。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSettled, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Terminal 表示状态不会再被流程自动推进。
func (s Status) Terminal() bool {
	return s == StatusRefunded || s == StatusFailed
}
