package engine

import (
	"context"
	"fmt"
	"sort"

	"mfcpay/internal/core"

	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

type shares struct {
	coach, bgm, mgmt, retained core.Money
}

type partitionResult struct {
	source       core.RevenueSource
	gross        core.Money
	bgm          core.Money
	mgmt         core.Money
	retained     core.Money
	unattributed core.Money
	coaches      map[string]core.Money // folded coach name -> amount
	names        map[string]string
	slips        map[string][]core.SessionPay
	exceptions   []core.Exception
	faults       []core.RuleFault
}

// split computes the four shares of amount. Each of coach, bgm and
// management is rounded to cents; retained takes the remainder so the shares
// always add up to amount exactly. When rounding alone pushes the three past
// amount, the excess cents come back from the last non-zero share, so
// retained never goes below zero for a rule that can settle the amount.
func split(amount core.Money, r core.MembershipRule) shares {
	s := shares{
		coach: r.CoachPct.Of(amount).Round(),
		bgm:   r.BGMPct.Of(amount).Round(),
		mgmt:  r.MgmtPct.Of(amount).Round(),
	}
	s.retained = amount.Sub(core.SumMoney(s.coach, s.bgm, s.mgmt))
	if !s.retained.IsNegative() || exceeds(amount, r) {
		return s
	}
	excess := s.retained.MulDecimal(decimal.NewFromInt(-1))
	for _, part := range []*core.Money{&s.mgmt, &s.bgm, &s.coach} {
		if excess.IsZero() {
			break
		}
		take := excess
		if take.GreaterThan(*part) {
			take = *part
		}
		*part = part.Sub(take)
		excess = excess.Sub(take)
	}
	s.retained = core.Zero
	return s
}

// exceeds reports whether the unrounded coach, bgm and management shares
// add up to more than amount.
func exceeds(amount core.Money, r core.MembershipRule) bool {
	unrounded := core.SumMoney(r.CoachPct.Of(amount), r.BGMPct.Of(amount), r.MgmtPct.Of(amount))
	return unrounded.GreaterThan(amount)
}

// overrun reports why a rule cannot settle amount, or "" when it can.
func (e *Engine) overrun(amount core.Money, r core.MembershipRule, s shares) string {
	for _, p := range []core.Percent{r.CoachPct, r.BGMPct, r.MgmtPct, r.RetainedPct} {
		if p.IsNegative() {
			return fmt.Sprintf("negative split percentage %s", p)
		}
	}
	if total := r.PercentTotal().Decimal(); total.Sub(oneHundred).Abs().GreaterThan(e.tolerance) {
		return fmt.Sprintf("split percentages total %s", total)
	}
	if s.retained.IsNegative() {
		return fmt.Sprintf("shares %s exceed amount %s", core.SumMoney(s.coach, s.bgm, s.mgmt), amount)
	}
	return ""
}

func (e *Engine) runPartition(ctx context.Context, source core.RevenueSource, items []item, p *plan) (partitionResult, error) {
	res := partitionResult{
		source:  source,
		coaches: make(map[string]core.Money),
		names:   make(map[string]string),
		slips:   make(map[string][]core.SessionPay),
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	computed := make([]shares, len(items))
	faulted := make(map[string]*core.RuleFault)
	for i, it := range items {
		computed[i] = split(it.amount, it.rule)
		if _, bad := faulted[it.rule.Name]; bad {
			continue
		}
		if reason := e.overrun(it.amount, it.rule, computed[i]); reason != "" {
			faulted[it.rule.Name] = &core.RuleFault{Rule: it.rule.Name, Reason: reason}
		}
	}

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if f, bad := faulted[it.rule.Name]; bad {
			f.Invoices = append(f.Invoices, it.payment.InvoiceID)
			continue
		}
		s := computed[i]
		res.gross = res.gross.Add(it.amount)
		res.bgm = res.bgm.Add(s.bgm)
		res.mgmt = res.mgmt.Add(s.mgmt)
		res.retained = res.retained.Add(s.retained)
		res.attribute(it, s.coach, p.links[linkKey(it.payment.Customer, it.rule.Name)])
	}

	for _, f := range faulted {
		res.faults = append(res.faults, *f)
	}
	return res, nil
}

// attribute spreads a payment's coach share over the sessions it funded,
// equally per session (scaled by any override weight) and then by coach
// credit within each session. With no linked session the share stays
// unattributed and is reported.
func (res *partitionResult) attribute(it item, coachShare core.Money, sessions []session) {
	if len(sessions) == 0 {
		res.unattributed = res.unattributed.Add(coachShare)
		if !coachShare.IsZero() {
			res.exceptions = append(res.exceptions, core.Exception{
				Kind:   core.ExceptionUnattributedShare,
				Ref:    it.payment.InvoiceID,
				Label:  it.rule.Name,
				Reason: "no attended session linked to payment",
				Amount: coachShare,
			})
		}
		return
	}
	weights := make([]decimal.Decimal, len(sessions))
	for i, s := range sessions {
		weights[i] = s.weight
	}
	values := it.amount.Allocate(weights)
	for i, perSession := range coachShare.Allocate(weights) {
		s := sessions[i]
		for j, part := range perSession.Allocate(s.credit.Weights()) {
			name := s.credit.Credits[j].Coach
			key := core.Fold(name)
			if _, ok := res.names[key]; !ok {
				res.names[key] = name
			}
			res.coaches[key] = res.coaches[key].Add(part)
			res.slips[key] = append(res.slips[key], core.SessionPay{
				Date:         s.record.StartsAt,
				Customer:     s.record.Customer,
				ClassType:    s.record.ClassType,
				Rule:         it.rule.Name,
				Source:       res.source,
				InvoiceID:    it.payment.InvoiceID,
				SessionValue: values[i],
				Pay:          part,
			})
		}
	}
}

// merge folds partition results in source order so the output never depends
// on which worker finished first.
func merge(period core.Period, p *plan, results []partitionResult) core.PaymentBreakdown {
	b := core.PaymentBreakdown{
		Period:       period,
		Coaches:      []core.CoachTotal{},
		Unattributed: core.PartyTotal{Lines: []core.SourceLine{}},
		BGM:          core.PartyTotal{Lines: []core.SourceLine{}},
		Management:   core.PartyTotal{Lines: []core.SourceLine{}},
		Retained:     core.PartyTotal{Lines: []core.SourceLine{}},
		Exceptions:   append([]core.Exception{}, p.exceptions...),
		Faults:       []core.RuleFault{},
	}

	type coachAcc struct {
		name     string
		credit   decimal.Decimal
		amount   core.Money
		lines    []core.SourceLine
		sessions []core.SessionPay
	}
	coaches := make(map[string]*coachAcc)
	for key, info := range p.coaches {
		coaches[key] = &coachAcc{name: info.name, credit: info.credit}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].source < results[j].source })
	for _, r := range results {
		b.Gross = b.Gross.Add(r.gross)
		addLine(&b.BGM, r.source, r.bgm)
		addLine(&b.Management, r.source, r.mgmt)
		addLine(&b.Retained, r.source, r.retained)
		if !r.unattributed.IsZero() {
			addLine(&b.Unattributed, r.source, r.unattributed)
		}
		keys := make([]string, 0, len(r.coaches))
		for k := range r.coaches {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			acc, ok := coaches[k]
			if !ok {
				acc = &coachAcc{name: r.names[k], credit: decimal.Zero}
				coaches[k] = acc
			}
			acc.amount = acc.amount.Add(r.coaches[k])
			acc.lines = append(acc.lines, core.SourceLine{Source: r.source, Amount: r.coaches[k]})
			acc.sessions = append(acc.sessions, r.slips[k]...)
		}
		b.Exceptions = append(b.Exceptions, r.exceptions...)
		b.Faults = append(b.Faults, r.faults...)
	}

	keys := make([]string, 0, len(coaches))
	for k := range coaches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		acc := coaches[k]
		lines := acc.lines
		if lines == nil {
			lines = []core.SourceLine{}
		}
		sessions := acc.sessions
		if sessions == nil {
			sessions = []core.SessionPay{}
		}
		sortSessionPay(sessions)
		b.Coaches = append(b.Coaches, core.CoachTotal{
			Coach:    acc.name,
			CoachID:  p.coachIDs[k],
			Credit:   acc.credit,
			Amount:   acc.amount,
			Lines:    lines,
			Sessions: sessions,
		})
	}

	sort.SliceStable(b.Exceptions, func(i, j int) bool {
		x, y := b.Exceptions[i], b.Exceptions[j]
		if x.Kind != y.Kind {
			return x.Kind < y.Kind
		}
		if x.Ref != y.Ref {
			return x.Ref < y.Ref
		}
		return x.OverrideID < y.OverrideID
	})
	for i := range b.Faults {
		sort.Strings(b.Faults[i].Invoices)
	}
	sort.Slice(b.Faults, func(i, j int) bool { return b.Faults[i].Rule < b.Faults[j].Rule })
	return b
}

func sortSessionPay(list []core.SessionPay) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if ca, cb := core.Fold(a.Customer), core.Fold(b.Customer); ca != cb {
			return ca < cb
		}
		if a.ClassType != b.ClassType {
			return a.ClassType < b.ClassType
		}
		return a.InvoiceID < b.InvoiceID
	})
}

func addLine(t *core.PartyTotal, source core.RevenueSource, amount core.Money) {
	t.Total = t.Total.Add(amount)
	t.Lines = append(t.Lines, core.SourceLine{Source: source, Amount: amount})
}
