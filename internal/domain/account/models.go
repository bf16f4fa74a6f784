package account

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account types reported by the aggregator.
const (
	TypeDepository = "depository"
	TypeCredit     = "credit"
	TypeLoan       = "loan"
	TypeInvestment = "investment"
)

const DefaultCurrency = "USD"

var (
	accountTypes = map[string]struct{}{
		TypeDepository: {},
		TypeCredit:     {},
		TypeLoan:       {},
		TypeInvestment: {},
	}
	// Common ISO 4217 currency codes
	validCurrencies = map[string]struct{}{
		"BRL": {}, "USD": {}, "EUR": {}, "GBP": {}, "JPY": {},
		"CHF": {}, "CAD": {}, "AUD": {}, "NZD": {}, "CNY": {},
		"INR": {}, "MXN": {}, "ZAR": {}, "SEK": {}, "NOK": {},
		"DKK": {}, "PLN": {}, "TRY": {}, "RUB": {}, "KRW": {},
		"SGD": {}, "HKD": {}, "ARS": {}, "CLP": {}, "COP": {},
	}
)

// Domain errors
var (
	ErrInvalidAccountType = errors.New("invalid account type")
	ErrAccountNotFound    = errors.New("account not found")
	ErrForbidden          = errors.New("access forbidden")
	ErrInvalidCurrency    = errors.New("valid ISO 4217 currency is required")
)

// Account is a bank account discovered through an institution link.
// Accounts are written only by sync and never edited by users.
type Account struct {
	ID               string              `json:"accountId"`
	LinkID           string              `json:"institutionLinkId"`
	ClientUserID     string              `json:"-"`
	Name             string              `json:"name"`
	OfficialName     *string             `json:"officialName"`
	Type             string              `json:"type"`
	Subtype          *string             `json:"subtype"`
	Mask             *string             `json:"mask"`
	CurrentBalance   decimal.NullDecimal `json:"currentBalance"`
	AvailableBalance decimal.NullDecimal `json:"availableBalance"`
	Currency         string              `json:"currency"`
	ErrorFlag        bool                `json:"errorFlag"`
	ErrorCode        *string             `json:"errorCode,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// AccountWithLink represents an account with its institution (for API responses)
type AccountWithLink struct {
	Account
	InstitutionName string `json:"institutionName"`
	LinkStatus      string `json:"linkStatus"`
}

// UpsertParams contains parameters for upserting an account
type UpsertParams struct {
	ID               string
	LinkID           string
	Name             string
	OfficialName     *string
	Type             string
	Subtype          *string
	Mask             *string
	CurrentBalance   decimal.NullDecimal
	AvailableBalance decimal.NullDecimal
	Currency         string
	ErrorFlag        bool
	ErrorCode        *string
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.ID == "" {
		return errors.New("account ID is required for upsert")
	}
	if p.LinkID == "" {
		return errors.New("institution link ID is required for upsert")
	}
	if p.Name == "" {
		return errors.New("account name is required")
	}
	if !IsValidAccountType(p.Type) {
		return ErrInvalidAccountType
	}
	if p.Currency == "" || !IsValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	return nil
}

// NormalizeType maps an aggregator account type onto the supported set.
func NormalizeType(t string) (string, error) {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "brokerage" {
		t = TypeInvestment
	}
	if !IsValidAccountType(t) {
		return "", ErrInvalidAccountType
	}
	return t, nil
}

// IsValidAccountType checks if the provided account type is valid.
func IsValidAccountType(t string) bool {
	_, ok := accountTypes[t]
	return ok
}

// IsValidCurrency checks if the provided currency is a valid ISO 4217 code.
func IsValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	_, ok := validCurrencies[c]
	return ok
}
