package signer

import (
	"fmt"
	"math/big"

	xerrors "ParallelSigner-Chain/internal/errors"
)

// GasFees 表示一次打包尝试所采用的费用方案。Legacy 与 Dynamic 两种方案
// 互斥，同一 nonce 槽位内的历次尝试必须保持同一方案。
type GasFees interface {
	scheme() string
	validate() error
}

// LegacyFee 是传统单价费用方案。
type LegacyFee struct {
	GasPrice *big.Int
}

// DynamicFee 是 EIP-1559 双字段费用方案。
type DynamicFee struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (f LegacyFee) scheme() string { return "legacy" }

func (f LegacyFee) validate() error {
	if f.GasPrice == nil || f.GasPrice.Sign() <= 0 {
		return xerrors.New(CodeFeeInvalid, "gas_price 必须为正数")
	}
	return nil
}

func (f DynamicFee) scheme() string { return "dynamic" }

func (f DynamicFee) validate() error {
	if f.MaxFeePerGas == nil || f.MaxFeePerGas.Sign() <= 0 {
		return xerrors.New(CodeFeeInvalid, "max_fee_per_gas 必须为正数")
	}
	if f.MaxPriorityFeePerGas == nil || f.MaxPriorityFeePerGas.Sign() <= 0 {
		return xerrors.New(CodeFeeInvalid, "max_priority_fee_per_gas 必须为正数")
	}
	return nil
}

// 加价系数 110/100，封顶系数 4。同一槽位重发时新费用至少比上一次高 10%，
// 但不超过本轮提议费用的 4 倍。
var (
	bumpNumerator   = big.NewInt(110)
	bumpDenominator = big.NewInt(100)
	escalationCap   = big.NewInt(4)
)

// EscalateFees 在同一 nonce 槽位重新打包时，基于上一次尝试的费用计算
// 本次应使用的费用。previous 为 nil 时直接使用提议费用。
func EscalateFees(proposed, previous GasFees) (GasFees, error) {
	if proposed == nil {
		return nil, xerrors.New(CodeFeeInvalid, "缺少提议费用")
	}
	if err := proposed.validate(); err != nil {
		return nil, err
	}
	if previous == nil {
		return proposed, nil
	}
	if proposed.scheme() != previous.scheme() {
		return nil, xerrors.New(CodeFeeInvalid, fmt.Sprintf("费用方案不一致: 提议 %s, 上次 %s", proposed.scheme(), previous.scheme()))
	}

	switch p := proposed.(type) {
	case DynamicFee:
		prev := previous.(DynamicFee)
		return DynamicFee{
			MaxFeePerGas:         finalPrice(p.MaxFeePerGas, bump(prev.MaxFeePerGas)),
			MaxPriorityFeePerGas: finalPrice(p.MaxPriorityFeePerGas, bump(prev.MaxPriorityFeePerGas)),
		}, nil
	case LegacyFee:
		prev := previous.(LegacyFee)
		return LegacyFee{GasPrice: finalPrice(p.GasPrice, bump(prev.GasPrice))}, nil
	default:
		return nil, xerrors.New(CodeFeeInvalid, "未知的费用方案")
	}
}

func bump(prev *big.Int) *big.Int {
	bumped := new(big.Int).Mul(prev, bumpNumerator)
	return bumped.Div(bumped, bumpDenominator)
}

// finalPrice 取提议价与强制加价中的较高者，并以提议价的 4 倍为上限，
// 防止持续超时导致费用无界增长。
func finalPrice(proposed, bumped *big.Int) *big.Int {
	if bumped.Cmp(proposed) > 0 {
		capped := new(big.Int).Mul(proposed, escalationCap)
		if capped.Cmp(bumped) > 0 {
			return bumped
		}
		return capped
	}
	return new(big.Int).Set(proposed)
}

// Fees 根据落库的费用列还原该尝试的费用方案。
func (p *PackedTransaction) Fees() (GasFees, error) {
	hasDynamic := p.MaxFeePerGas != "" && p.MaxPriorityFeePerGas != ""
	hasLegacy := p.GasPrice != ""
	switch {
	case hasDynamic && !hasLegacy:
		maxFee, ok := new(big.Int).SetString(p.MaxFeePerGas, 10)
		if !ok {
			return nil, xerrors.New(CodeFeeInvalid, fmt.Sprintf("无法解析 max_fee_per_gas: %s", p.MaxFeePerGas))
		}
		priority, ok := new(big.Int).SetString(p.MaxPriorityFeePerGas, 10)
		if !ok {
			return nil, xerrors.New(CodeFeeInvalid, fmt.Sprintf("无法解析 max_priority_fee_per_gas: %s", p.MaxPriorityFeePerGas))
		}
		return DynamicFee{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, nil
	case hasLegacy && !hasDynamic:
		price, ok := new(big.Int).SetString(p.GasPrice, 10)
		if !ok {
			return nil, xerrors.New(CodeFeeInvalid, fmt.Sprintf("无法解析 gas_price: %s", p.GasPrice))
		}
		return LegacyFee{GasPrice: price}, nil
	default:
		return nil, xerrors.New(CodeFeeInvalid, fmt.Sprintf("打包记录 %d 的费用列缺失或混用", p.ID))
	}
}

func feeColumns(fees GasFees) (maxFee, priority, gasPrice string) {
	switch f := fees.(type) {
	case DynamicFee:
		return f.MaxFeePerGas.String(), f.MaxPriorityFeePerGas.String(), ""
	case LegacyFee:
		return "", "", f.GasPrice.String()
	default:
		return "", "", ""
	}
}
