package sheets

import (
	"context"

	"mfcpay/internal/core"
	"mfcpay/internal/discounts"
	"mfcpay/internal/records"
)

// Ports for outbound adapters. Readers return every row they could map; rows
// that could not be mapped are reported through the joined error alongside
// the rows that could.
type (
	RecordSource interface {
		ReadAttendance(ctx context.Context) ([]records.AttendanceRow, error)
		ReadPayments(ctx context.Context) ([]records.PaymentRow, error)
	}

	RuleSource interface {
		ReadRules(ctx context.Context) ([]core.MembershipRule, error)
	}

	DiscountSource interface {
		ReadDiscounts(ctx context.Context) ([]discounts.Discount, error)
	}

	CoachSource interface {
		ReadCoaches(ctx context.Context) ([]core.Coach, error)
	}

	// BreakdownWriter replaces the published breakdown of a period.
	BreakdownWriter interface {
		WriteBreakdown(ctx context.Context, b core.PaymentBreakdown) error
	}
)
