package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allGiftStatuses = []GiftStatus{
	GiftStatusCreated, GiftStatusPending, GiftStatusActive, GiftStatusClaimed,
	GiftStatusCancelled, GiftStatusExpired, GiftStatusFailed,
}

var allPaymentStatuses = []PaymentStatus{
	PaymentStatusPending, PaymentStatusPaid, PaymentStatusReceived, PaymentStatusExpired, PaymentStatusFailed,
}

func genGiftStatus() gopter.Gen {
	values := make([]interface{}, len(allGiftStatuses))
	for i, s := range allGiftStatuses {
		values[i] = s
	}
	return gen.OneConstOf(values...)
}

func genPaymentStatus() gopter.Gen {
	values := make([]interface{}, len(allPaymentStatuses))
	for i, s := range allPaymentStatuses {
		values[i] = s
	}
	return gen.OneConstOf(values...)
}

func TestGiftTransitionProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("terminal statuses have no outgoing edges", prop.ForAll(
		func(from, to GiftStatus) bool {
			if from.IsTerminal() {
				return !CanTransition(from, to)
			}
			return true
		},
		genGiftStatus(),
		genGiftStatus(),
	))

	properties.Property("no status transitions to itself", prop.ForAll(
		func(s GiftStatus) bool {
			return !CanTransition(s, s)
		},
		genGiftStatus(),
	))

	properties.Property("SourcesFor agrees with CanTransition", prop.ForAll(
		func(from, to GiftStatus) bool {
			found := false
			for _, s := range SourcesFor(to) {
				if s == from {
					found = true
				}
			}
			return found == CanTransition(from, to)
		},
		genGiftStatus(),
		genGiftStatus(),
	))

	properties.TestingRun(t)
}

func TestPaymentStatusProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("statuses below p rank strictly lower", prop.ForAll(
		func(p PaymentStatus) bool {
			for _, s := range PaymentStatusesBelow(p) {
				if s.Rank() >= p.Rank() {
					return false
				}
			}
			return true
		},
		genPaymentStatus(),
	))

	properties.Property("pending is never reachable from another status", prop.ForAll(
		func(p PaymentStatus) bool {
			return len(PaymentStatusesBelow(PaymentStatusPending)) == 0 && p.Rank() >= PaymentStatusPending.Rank()
		},
		genPaymentStatus(),
	))

	properties.TestingRun(t)
}
