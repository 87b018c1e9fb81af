package activity

import (
	"math/big"
	"sort"

	"AgentPay-Chain/internal/payment"
)

type agentAccum struct {
	stats   AgentStats
	revenue *big.Int
	fees    *big.Int
	share   *big.Int
}

// statsBuilder 汇总执行与付款记录。收入只统计已结算的付款。
type statsBuilder struct {
	byAgent map[uint64]*agentAccum
}

func newStatsBuilder() *statsBuilder {
	return &statsBuilder{byAgent: make(map[uint64]*agentAccum)}
}

func (b *statsBuilder) agent(id uint64) *agentAccum {
	acc, ok := b.byAgent[id]
	if !ok {
		acc = &agentAccum{
			stats:   AgentStats{AgentID: id},
			revenue: new(big.Int),
			fees:    new(big.Int),
			share:   new(big.Int),
		}
		b.byAgent[id] = acc
	}
	return acc
}

func (b *statsBuilder) addExecutions(agentID uint64, total, successful int) {
	acc := b.agent(agentID)
	acc.stats.Executions += total
	acc.stats.Successful += successful
}

func (b *statsBuilder) addPayments(agentID uint64, status payment.Status, count int, amount, fee, share string) {
	acc := b.agent(agentID)
	switch status {
	case payment.StatusSettled:
		acc.stats.Settled += count
		addDecimal(acc.revenue, amount)
		addDecimal(acc.fees, fee)
		addDecimal(acc.share, share)
	case payment.StatusRefunded:
		acc.stats.Refunded += count
	case payment.StatusFailed:
		acc.stats.Failed += count
	}
}

func (b *statsBuilder) result() []AgentStats {
	out := make([]AgentStats, 0, len(b.byAgent))
	for _, acc := range b.byAgent {
		s := acc.stats
		if s.Executions > 0 {
			s.SuccessRate = float64(s.Successful) / float64(s.Executions)
		}
		s.Revenue = acc.revenue.String()
		s.PlatformFees = acc.fees.String()
		s.BeneficiaryShare = acc.share.String()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func addDecimal(sum *big.Int, value string) {
	if value == "" {
		return
	}
	if v, ok := new(big.Int).SetString(value, 10); ok {
		sum.Add(sum, v)
	}
}
