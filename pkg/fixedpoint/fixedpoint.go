// Package fixedpoint 提供定点数运算工具，所有金额与价格统一保留 Precision 位小数，
// 并且每一次舍入的方向都由调用方显式指定（向下或向上），保证舍入误差有界且可预期。
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// Precision 定点小数位数
	Precision int32 = 18
	// BpsDenominator 基点分母
	BpsDenominator int64 = 10000
	// MaxIntegerDigits 可解析金额的整数部分最多位数
	MaxIntegerDigits = 30
)

var (
	// Unit 最小精度单位 1e-18
	Unit = decimal.New(1, -Precision)
	// One 1.0
	One = decimal.NewFromInt(1)

	bpsDenominator = decimal.NewFromInt(BpsDenominator)
)

// ErrDivisionByZero 除数为零
var ErrDivisionByZero = errors.New("fixedpoint: division by zero")

// Parse 解析十进制字符串，小数位超过 Precision 时报错，而不是静默截断。
// 科学计数法的指数同样受限，整数部分超过 MaxIntegerDigits 位直接拒绝，避免后续运算构造超大整数。
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	if d.Exponent() < -2*Precision || int64(d.NumDigits())+int64(d.Exponent()) > MaxIntegerDigits {
		return decimal.Zero, fmt.Errorf("fixedpoint: %q out of range", s)
	}
	if !d.Equal(d.Truncate(Precision)) {
		return decimal.Zero, fmt.Errorf("fixedpoint: %q exceeds %d decimal places", s, Precision)
	}
	return d, nil
}

// MustParse 解析失败时 panic，只用于常量与测试。
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsNormalized 是否已经落在精度网格上
func IsNormalized(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Precision))
}

// MulDown a*b 向负无穷舍入
func MulDown(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundFloor(Precision)
}

// MulUp a*b 向正无穷舍入
func MulUp(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundCeil(Precision)
}

// DivDown a/b 向负无穷舍入，b 为零时 panic。
func DivDown(a, b decimal.Decimal) decimal.Decimal {
	q, r := quoRem(a, b)
	if !r.IsZero() && a.Sign()*b.Sign() < 0 {
		q = q.Sub(Unit)
	}
	return q
}

// DivUp a/b 向正无穷舍入，b 为零时 panic。
func DivUp(a, b decimal.Decimal) decimal.Decimal {
	q, r := quoRem(a, b)
	if !r.IsZero() && a.Sign()*b.Sign() > 0 {
		q = q.Add(Unit)
	}
	return q
}

// quoRem 返回向零截断的商，以及 a = b*q + r 的余数
func quoRem(a, b decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if b.IsZero() {
		panic(ErrDivisionByZero)
	}
	return a.QuoRem(b, Precision)
}

// BpsDown amount*bps/10000 向下舍入
func BpsDown(amount decimal.Decimal, bps int64) decimal.Decimal {
	return DivDown(amount.Mul(decimal.NewFromInt(bps)), bpsDenominator)
}

// BpsUp amount*bps/10000 向上舍入
func BpsUp(amount decimal.Decimal, bps int64) decimal.Decimal {
	return DivUp(amount.Mul(decimal.NewFromInt(bps)), bpsDenominator)
}

// Clamp 将 v 限制在 [lo, hi]
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// NonNegative max(v, 0)
func NonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
