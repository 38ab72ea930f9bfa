package services

import (
	"strings"
	"time"

	domain "github.com/branchorder/api/internal/domain"
	"github.com/branchorder/api/internal/platform/textutil"
)

// DedupStrategy names the identity fields a duplicate scan matches on.
type DedupStrategy string

const (
	DedupStrategyNamePhone    DedupStrategy = "NAME_PHONE"
	DedupStrategyPhoneAddress DedupStrategy = "PHONE_ADDRESS"
	DedupStrategyPhoneOnly    DedupStrategy = "PHONE_ONLY"
	DedupStrategyNameAddress  DedupStrategy = "NAME_ADDRESS"
	DedupStrategyNameOnly     DedupStrategy = "NAME_ONLY"
	DedupStrategyAddressOnly  DedupStrategy = "ADDRESS_ONLY"
	DedupStrategyAnon         DedupStrategy = "ANON"
)

// DedupWindows configures how far back duplicate scans look.
type DedupWindows struct {
	StrongWindow   time.Duration
	StrongLookback int
	WeakWindow     time.Duration
	WeakLookback   int
}

// DefaultDedupWindows returns 60s/20 rows for strong strategies and 20s/3 rows for weak ones.
func DefaultDedupWindows() DedupWindows {
	return DedupWindows{
		StrongWindow:   60 * time.Second,
		StrongLookback: 20,
		WeakWindow:     20 * time.Second,
		WeakLookback:   3,
	}
}

func (w DedupWindows) withDefaults() DedupWindows {
	def := DefaultDedupWindows()
	if w.StrongWindow <= 0 {
		w.StrongWindow = def.StrongWindow
	}
	if w.StrongLookback <= 0 {
		w.StrongLookback = def.StrongLookback
	}
	if w.WeakWindow <= 0 {
		w.WeakWindow = def.WeakWindow
	}
	if w.WeakLookback <= 0 {
		w.WeakLookback = def.WeakLookback
	}
	return w
}

// CustomerIdentity holds the normalised, optional identity fields of a submission.
type CustomerIdentity struct {
	Name    *string
	Phone   *string
	Address *string
}

// DuplicateFilter is the equality filter set applied to the lookback query.
// Nil fields are not filtered on.
type DuplicateFilter struct {
	CustomerName    *string
	CustomerPhone   *string
	CustomerAddress *string
	PaymentMethod   *string
}

// DuplicatePolicy is the resolved strategy with its window, lookback size and filters.
type DuplicatePolicy struct {
	Strategy DedupStrategy
	Strong   bool
	Window   time.Duration
	Lookback int
	DedupKey string
	Filter   DuplicateFilter
}

// ResolveDuplicatePolicy picks the most specific strategy the identity supports.
// Strategies built from two identity fields use the strong window; the rest use the weak one.
func ResolveDuplicatePolicy(branchID string, identity CustomerIdentity, paymentMethod string, windows DedupWindows) DuplicatePolicy {
	windows = windows.withDefaults()
	name := present(identity.Name)
	phone := present(identity.Phone)
	address := present(identity.Address)

	policy := DuplicatePolicy{}
	switch {
	case name != nil && phone != nil:
		policy.Strategy = DedupStrategyNamePhone
		policy.Filter = DuplicateFilter{CustomerName: name, CustomerPhone: phone}
	case phone != nil && address != nil:
		policy.Strategy = DedupStrategyPhoneAddress
		policy.Filter = DuplicateFilter{CustomerPhone: phone, CustomerAddress: address}
	case phone != nil:
		policy.Strategy = DedupStrategyPhoneOnly
		policy.Filter = DuplicateFilter{CustomerPhone: phone}
	case name != nil && address != nil:
		policy.Strategy = DedupStrategyNameAddress
		policy.Filter = DuplicateFilter{CustomerName: name, CustomerAddress: address}
	case name != nil:
		policy.Strategy = DedupStrategyNameOnly
		policy.Filter = DuplicateFilter{CustomerName: name}
	case address != nil:
		policy.Strategy = DedupStrategyAddressOnly
		policy.Filter = DuplicateFilter{CustomerAddress: address}
	default:
		method := strings.TrimSpace(paymentMethod)
		if method == "" {
			method = domain.DefaultPaymentMethod
		}
		policy.Strategy = DedupStrategyAnon
		policy.Filter = DuplicateFilter{PaymentMethod: &method}
	}

	switch policy.Strategy {
	case DedupStrategyNamePhone, DedupStrategyPhoneAddress, DedupStrategyNameAddress:
		policy.Strong = true
		policy.Window = windows.StrongWindow
		policy.Lookback = windows.StrongLookback
	default:
		policy.Window = windows.WeakWindow
		policy.Lookback = windows.WeakLookback
	}

	policy.DedupKey = buildDedupKey(branchID, policy)
	return policy
}

func buildDedupKey(branchID string, policy DuplicatePolicy) string {
	parts := []string{branchID, string(policy.Strategy)}
	for _, value := range []*string{policy.Filter.CustomerName, policy.Filter.CustomerPhone, policy.Filter.CustomerAddress, policy.Filter.PaymentMethod} {
		if value != nil {
			parts = append(parts, textutil.FoldKey(*value))
		}
	}
	return strings.Join(parts, ":")
}

func present(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
