// Package auditmath implements the comparison-audit risk calculations.
//
// Every value is computed with 34 significant decimal digits and half-even rounding, so a
// comparison against a risk limit is never made at lower precision than the limit itself.
package auditmath

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Precision is the number of significant digits carried through every computation.
const Precision = 34

// DefaultGamma is the error inflation factor recommended for ballot-level comparison audits.
const DefaultGamma = "1.03905"

var (
	ErrInvalidRiskLimit = errors.New("risk limit must be greater than 0 and at most 1")
	ErrInvalidGamma     = errors.New("gamma must be greater than 1")
	ErrInvalidMargin    = errors.New("diluted margin must be between 0 and 1")
	ErrNegativeCount    = errors.New("counts must not be negative")
	ErrZeroMargin       = errors.New("diluted margin is zero")
)

var (
	decZero = apd.New(0, 0)
	decOne  = apd.New(1, 0)
	decTwo  = apd.New(2, 0)
)

// Context returns a fresh decimal context configured for audit computations.
func Context() *apd.Context {
	ctx := apd.BaseContext.WithPrecision(Precision)
	ctx.Rounding = apd.RoundHalfEven
	return ctx
}

// ParseDecimal parses s at audit precision.
func ParseDecimal(s string) (*apd.Decimal, error) {
	d, _, err := Context().NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParseDecimal is ParseDecimal for constants known to be valid.
func MustParseDecimal(s string) *apd.Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// calc chains decimal operations and keeps the first error.
type calc struct {
	ctx *apd.Context
	err error
}

func newCalc() *calc {
	return &calc{ctx: Context()}
}

func (c *calc) op(f func(d *apd.Decimal) (apd.Condition, error)) *apd.Decimal {
	d := new(apd.Decimal)
	if c.err != nil {
		return d
	}
	_, c.err = f(d)
	return d
}

func (c *calc) add(x, y *apd.Decimal) *apd.Decimal {
	return c.op(func(d *apd.Decimal) (apd.Condition, error) { return c.ctx.Add(d, x, y) })
}

func (c *calc) sub(x, y *apd.Decimal) *apd.Decimal {
	return c.op(func(d *apd.Decimal) (apd.Condition, error) { return c.ctx.Sub(d, x, y) })
}

func (c *calc) mul(x, y *apd.Decimal) *apd.Decimal {
	return c.op(func(d *apd.Decimal) (apd.Condition, error) { return c.ctx.Mul(d, x, y) })
}

func (c *calc) quo(x, y *apd.Decimal) *apd.Decimal {
	return c.op(func(d *apd.Decimal) (apd.Condition, error) { return c.ctx.Quo(d, x, y) })
}

func (c *calc) ln(x *apd.Decimal) *apd.Decimal {
	return c.op(func(d *apd.Decimal) (apd.Condition, error) { return c.ctx.Ln(d, x) })
}

func (c *calc) pow(x, y *apd.Decimal) *apd.Decimal {
	return c.op(func(d *apd.Decimal) (apd.Condition, error) { return c.ctx.Pow(d, x, y) })
}

func (c *calc) ceil(x *apd.Decimal) *apd.Decimal {
	return c.op(func(d *apd.Decimal) (apd.Condition, error) { return c.ctx.Ceil(d, x) })
}

func (c *calc) neg(x *apd.Decimal) *apd.Decimal {
	return c.op(func(d *apd.Decimal) (apd.Condition, error) { return c.ctx.Neg(d, x) })
}

func validateGamma(gamma *apd.Decimal) error {
	if gamma == nil || gamma.Cmp(decOne) <= 0 {
		return ErrInvalidGamma
	}
	return nil
}

func validateMargin(dm *apd.Decimal) error {
	if dm == nil || dm.Sign() < 0 || dm.Cmp(decOne) > 0 {
		return ErrInvalidMargin
	}
	return nil
}

func validateCounts(counts ...int64) error {
	for _, c := range counts {
		if c < 0 {
			return ErrNegativeCount
		}
	}
	return nil
}

// DilutedMargin is the contest margin divided by the number of ballots in the audited universe.
// It is exactly zero when either value is zero.
func DilutedMargin(margin, ballotCount int64) (*apd.Decimal, error) {
	if err := validateCounts(margin, ballotCount); err != nil {
		return nil, err
	}
	if margin == 0 || ballotCount == 0 {
		return new(apd.Decimal).Set(decZero), nil
	}

	c := newCalc()
	dm := c.quo(apd.New(margin, 0), apd.New(ballotCount, 0))
	if c.err != nil {
		return nil, fmt.Errorf("computing diluted margin: %w", c.err)
	}
	return dm, nil
}

// TotalErrorBound computes U = 2γ / dilutedMargin.
func TotalErrorBound(dilutedMargin, gamma *apd.Decimal) (*apd.Decimal, error) {
	if err := validateGamma(gamma); err != nil {
		return nil, err
	}
	if err := validateMargin(dilutedMargin); err != nil {
		return nil, err
	}
	if dilutedMargin.IsZero() {
		return nil, ErrZeroMargin
	}

	c := newCalc()
	u := c.quo(c.mul(gamma, decTwo), dilutedMargin)
	if c.err != nil {
		return nil, fmt.Errorf("computing total error bound: %w", c.err)
	}
	return u, nil
}

// discrepancyFactors returns 1+1/γ, 1+1/(2γ), 1-1/(2γ) and 1-1/γ.
func discrepancyFactors(c *calc, gamma *apd.Decimal) (twoUnder, oneUnder, oneOver, twoOver *apd.Decimal) {
	invGamma := c.quo(decOne, gamma)
	invTwoGamma := c.quo(decOne, c.mul(decTwo, gamma))
	return c.add(decOne, invGamma), c.add(decOne, invTwoGamma), c.sub(decOne, invTwoGamma), c.sub(decOne, invGamma)
}

// OptimisticSampleSize estimates how many ballots must be audited to reach riskLimit assuming
// no discrepancies beyond those already observed. The estimate is never below the number of
// discrepancies already seen.
func OptimisticSampleSize(
	riskLimit, dilutedMargin, gamma *apd.Decimal,
	twoUnder, oneUnder, oneOver, twoOver int64,
) (int64, error) {
	if err := validateMargin(dilutedMargin); err != nil {
		return 0, err
	}
	if dilutedMargin.IsZero() {
		return 0, nil
	}
	if riskLimit == nil || riskLimit.Sign() <= 0 || riskLimit.Cmp(decOne) > 0 {
		return 0, ErrInvalidRiskLimit
	}
	if err := validateGamma(gamma); err != nil {
		return 0, err
	}
	if err := validateCounts(twoUnder, oneUnder, oneOver, twoOver); err != nil {
		return 0, err
	}

	c := newCalc()
	fTwoUnder, fOneUnder, fOneOver, fTwoOver := discrepancyFactors(c, gamma)

	sum := c.ln(riskLimit)
	sum = c.add(sum, c.mul(apd.New(twoUnder, 0), c.ln(fTwoUnder)))
	sum = c.add(sum, c.mul(apd.New(oneUnder, 0), c.ln(fOneUnder)))
	sum = c.add(sum, c.mul(apd.New(oneOver, 0), c.ln(fOneOver)))
	sum = c.add(sum, c.mul(apd.New(twoOver, 0), c.ln(fTwoOver)))

	twoGamma := c.neg(c.mul(decTwo, gamma))
	size := c.ceil(c.quo(c.mul(twoGamma, sum), dilutedMargin))
	if c.err != nil {
		return 0, fmt.Errorf("computing optimistic sample size: %w", c.err)
	}

	n, err := size.Int64()
	if err != nil {
		return 0, fmt.Errorf("sample size out of range: %w", err)
	}

	floor := twoUnder + oneUnder + oneOver + twoOver
	return max(n, floor, 0), nil
}

// PValueApproximation is a closed-form upper bound on the Kaplan-Markov p-value after
// auditedBallots ballots with the given discrepancies. It is capped at 1.
func PValueApproximation(
	auditedBallots int64,
	dilutedMargin, gamma *apd.Decimal,
	oneUnder, twoUnder, oneOver, twoOver int64,
) (*apd.Decimal, error) {
	if err := validateMargin(dilutedMargin); err != nil {
		return nil, err
	}
	if err := validateGamma(gamma); err != nil {
		return nil, err
	}
	if err := validateCounts(auditedBallots, oneUnder, twoUnder, oneOver, twoOver); err != nil {
		return nil, err
	}
	if dilutedMargin.IsZero() {
		return new(apd.Decimal).Set(decOne), nil
	}

	u, err := TotalErrorBound(dilutedMargin, gamma)
	if err != nil {
		return nil, err
	}

	c := newCalc()
	fTwoUnder, fOneUnder, fOneOver, fTwoOver := discrepancyFactors(c, gamma)

	p := c.pow(c.sub(decOne, c.quo(decOne, u)), apd.New(auditedBallots, 0))
	p = c.mul(p, c.pow(fOneOver, apd.New(-oneOver, 0)))
	p = c.mul(p, c.pow(fTwoOver, apd.New(-twoOver, 0)))
	p = c.mul(p, c.pow(fOneUnder, apd.New(-oneUnder, 0)))
	p = c.mul(p, c.pow(fTwoUnder, apd.New(-twoUnder, 0)))
	if c.err != nil {
		return nil, fmt.Errorf("computing p-value: %w", c.err)
	}

	if p.Cmp(decOne) > 0 {
		return new(apd.Decimal).Set(decOne), nil
	}
	return p, nil
}

// RiskLimitAchieved reports whether pValue is at or below riskLimit.
func RiskLimitAchieved(pValue, riskLimit *apd.Decimal) bool {
	return pValue.Cmp(riskLimit) <= 0
}
