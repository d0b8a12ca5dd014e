// Package discounts classifies payment memos against the gym's discount list
// and proposes the overrides staff would otherwise enter by hand.
//
// Each match type has its own strategy. Exact codes are tried before
// substring codes, and substring codes before regular expressions.
package discounts

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"mfcpay/internal/core"
	"mfcpay/internal/records"

	"github.com/shopspring/decimal"
)

type (
	MatchType        string
	CoachPaymentType string
)

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
)

const (
	// CoachPayFull pays coaches on the undiscounted amount.
	CoachPayFull CoachPaymentType = "full"
	// CoachPayPartial pays coaches on the discounted amount.
	CoachPayPartial CoachPaymentType = "partial"
	// CoachPayFree pays coaches nothing for the payment.
	CoachPayFree CoachPaymentType = "free"
)

var (
	ErrEmptyCode        = errors.New("discount code cannot be empty")
	ErrInvalidMatchType = errors.New("invalid match type")
	ErrInvalidPayType   = errors.New("invalid coach payment type")
	ErrInvalidPercent   = errors.New("discount percentage must be between 0 and 100")
)

// Discount is one row of the discount list.
type Discount struct {
	Code             string           `json:"code"`
	Name             string           `json:"name"`
	Percentage       core.Percent     `json:"percentage"`
	CoachPaymentType CoachPaymentType `json:"coach_payment_type"`
	MatchType        MatchType        `json:"match_type"`
	Active           bool             `json:"active"`
	Notes            string           `json:"notes,omitempty"`
}

func (d Discount) Validate() error {
	if strings.TrimSpace(d.Code) == "" {
		return ErrEmptyCode
	}
	if _, ok := strategies[d.MatchType]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMatchType, d.MatchType)
	}
	switch d.CoachPaymentType {
	case CoachPayFull, CoachPayPartial, CoachPayFree:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPayType, d.CoachPaymentType)
	}
	pct := d.Percentage.Decimal()
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: %s", ErrInvalidPercent, d.Percentage)
	}
	return nil
}

// ParseMatchType accepts the match type names case-insensitively.
func ParseMatchType(s string) (MatchType, error) {
	m := MatchType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := strategies[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMatchType, s)
	}
	return m, nil
}

// ParseCoachPaymentType accepts the payment type names case-insensitively.
// An empty value means partial.
func ParseCoachPaymentType(s string) (CoachPaymentType, error) {
	t := CoachPaymentType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "":
		return CoachPayPartial, nil
	case CoachPayFull, CoachPayPartial, CoachPayFree:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPayType, s)
}

// memoMatcher is the strategy interface for one match type.
type memoMatcher interface {
	// compile prepares the discount code; an error disables the discount.
	compile(code string) (func(memo string) bool, error)
	priority() int
	confidence() decimal.Decimal
}

type exactMatcher struct{}

func (exactMatcher) compile(code string) (func(string) bool, error) {
	want := core.Fold(code)
	return func(memo string) bool { return core.Fold(memo) == want }, nil
}
func (exactMatcher) priority() int { return 1 }
func (exactMatcher) confidence() decimal.Decimal { return decimal.NewFromInt(1) }

type containsMatcher struct{}

func (containsMatcher) compile(code string) (func(string) bool, error) {
	want := core.Fold(code)
	return func(memo string) bool { return strings.Contains(core.Fold(memo), want) }, nil
}
func (containsMatcher) priority() int { return 2 }
func (containsMatcher) confidence() decimal.Decimal { return decimal.RequireFromString("0.8") }

type regexMatcher struct{}

func (regexMatcher) compile(code string) (func(string) bool, error) {
	re, err := regexp.Compile("(?i)" + code)
	if err != nil {
		return nil, err
	}
	return re.MatchString, nil
}
func (regexMatcher) priority() int { return 3 }
func (regexMatcher) confidence() decimal.Decimal { return decimal.RequireFromString("0.9") }

var strategies = map[MatchType]memoMatcher{
	MatchExact:    exactMatcher{},
	MatchContains: containsMatcher{},
	MatchRegex:    regexMatcher{},
}

// Match is a classified memo.
type Match struct {
	Discount   Discount        `json:"discount"`
	Memo       string          `json:"memo"`
	Confidence decimal.Decimal `json:"confidence"`
}

type compiled struct {
	discount Discount
	strategy memoMatcher
	match    func(string) bool
}

// Classifier matches memos against the active discounts. It is immutable and
// safe for concurrent use.
type Classifier struct {
	list    []compiled
	skipped []SkippedDiscount
}

// SkippedDiscount is an active discount that could not be compiled.
type SkippedDiscount struct {
	Code   string
	Reason string
}

// NewClassifier compiles the active discounts. Discounts that fail
// validation or whose pattern does not compile are skipped and listed by
// Skipped.
func NewClassifier(list []Discount) *Classifier {
	c := &Classifier{}
	for _, d := range list {
		if !d.Active {
			continue
		}
		if err := d.Validate(); err != nil {
			c.skipped = append(c.skipped, SkippedDiscount{Code: d.Code, Reason: err.Error()})
			continue
		}
		s := strategies[d.MatchType]
		fn, err := s.compile(strings.TrimSpace(d.Code))
		if err != nil {
			c.skipped = append(c.skipped, SkippedDiscount{Code: d.Code, Reason: err.Error()})
			continue
		}
		c.list = append(c.list, compiled{discount: d, strategy: s, match: fn})
	}
	sort.SliceStable(c.list, func(i, j int) bool {
		return c.list[i].strategy.priority() < c.list[j].strategy.priority()
	})
	return c
}

func (c *Classifier) Skipped() []SkippedDiscount {
	return append([]SkippedDiscount(nil), c.skipped...)
}

func (c *Classifier) Len() int { return len(c.list) }

// Classify returns the first discount matching memo.
func (c *Classifier) Classify(memo string) (Match, bool) {
	if strings.TrimSpace(memo) == "" {
		return Match{}, false
	}
	for _, d := range c.list {
		if d.match(memo) {
			return Match{Discount: d.discount, Memo: memo, Confidence: d.strategy.confidence()}, true
		}
	}
	return Match{}, false
}

// Propose returns a pending override for every payment of the period whose
// memo names a discount that changes the coach payment. Full-pay discounts
// need no override. Proposals are ordered like the payments.
func (c *Classifier) Propose(period core.Period, payments []core.PaymentRecord) []core.Override {
	var out []core.Override
	for _, p := range payments {
		if !period.Contains(p.Date) {
			continue
		}
		m, ok := c.Classify(p.Memo)
		if !ok {
			continue
		}
		o := core.Override{
			Target:    core.TargetPayment,
			RecordRef: p.InvoiceID,
			Period:    period,
			Original:  p.Amount,
			Status:    core.StatusPending,
		}
		switch m.Discount.CoachPaymentType {
		case CoachPayFull:
			continue
		case CoachPayFree:
			o.IssueType = core.IssueFreeSession
			o.Amount = core.Zero
			o.Reason = fmt.Sprintf("discount %s: free for coaches", label(m.Discount))
		default:
			keep := decimal.NewFromInt(1).Sub(m.Discount.Percentage.Fraction())
			o.IssueType = core.IssueDiscount
			o.Amount = p.Amount.MulDecimal(keep).Round()
			o.Reason = fmt.Sprintf("discount %s: %s%% off", label(m.Discount), m.Discount.Percentage)
		}
		out = append(out, o)
	}
	return out
}

// ProposeLines turns accepted discount lines into pending overrides on the
// invoices they reduce. Lines of one invoice are summed. A memo naming a
// full-pay discount needs no override; a free one proposes zero. Any other
// line proposes the invoice amount less the discount.
func (c *Classifier) ProposeLines(lines []records.DiscountLine) []core.Override {
	type invoice struct {
		base, off core.Money
		memos     []string
		period    core.Period
	}
	var order []string
	byInvoice := make(map[string]*invoice)
	for _, l := range lines {
		inv, ok := byInvoice[l.InvoiceID]
		if !ok {
			inv = &invoice{base: l.InvoiceAmount, period: l.Period}
			byInvoice[l.InvoiceID] = inv
			order = append(order, l.InvoiceID)
		}
		inv.off = inv.off.Add(l.Amount)
		inv.memos = append(inv.memos, l.Memo)
	}

	var out []core.Override
	for _, id := range order {
		inv := byInvoice[id]
		memo := strings.Join(inv.memos, "; ")
		o := core.Override{
			Target:    core.TargetPayment,
			RecordRef: id,
			Period:    inv.period,
			IssueType: core.IssueDiscount,
			Original:  inv.base,
			Amount:    inv.base.Sub(inv.off),
			Status:    core.StatusPending,
			Reason:    fmt.Sprintf("discount line %q: %s off %s", memo, inv.off, inv.base),
		}
		if m, ok := c.Classify(inv.memos[0]); ok {
			switch m.Discount.CoachPaymentType {
			case CoachPayFull:
				continue
			case CoachPayFree:
				o.IssueType = core.IssueFreeSession
				o.Amount = core.Zero
				o.Reason = fmt.Sprintf("discount %s: free for coaches", label(m.Discount))
			}
		}
		out = append(out, o)
	}
	return out
}

func label(d Discount) string {
	if d.Name != "" && !strings.EqualFold(d.Name, d.Code) {
		return fmt.Sprintf("%s (%s)", d.Name, d.Code)
	}
	return d.Code
}
