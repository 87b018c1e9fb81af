package payment

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// USDCDecimals 是稳定币的最小单位精度。
const USDCDecimals = 6

// BasisPoints 是费率的分母。
const BasisPoints = 10000

// ToAtomic 将十进制价格字符串转换为最小单位，多余的小数位向零截断。
func ToAtomic(price string, decimals int) (*big.Int, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "价格不能为空")
	}
	if strings.HasPrefix(price, "-") {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "价格不能为负数")
	}
	price = strings.TrimPrefix(price, "+")
	whole, frac, _ := strings.Cut(price, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	amount, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("价格 %q 不是合法的十进制数", price))
	}
	return amount, nil
}

// FormatAtomic 将最小单位金额渲染为十进制字符串，去除末尾的零。
func FormatAtomic(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// SplitFee 按基点拆分平台费用与受益人份额，费用向下取整。
func SplitFee(amount *big.Int, feeBps int64) (fee, share *big.Int) {
	if amount == nil {
		return big.NewInt(0), big.NewInt(0)
	}
	fee = new(big.Int).Mul(amount, big.NewInt(feeBps))
	fee.Quo(fee, big.NewInt(BasisPoints))
	share = new(big.Int).Sub(amount, fee)
	return fee, share
}
