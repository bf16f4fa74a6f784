package openfinance

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type linkTokenRequest struct {
	ClientID     string        `json:"client_id"`
	Secret       string        `json:"secret"`
	ClientName   string        `json:"client_name"`
	User         linkTokenUser `json:"user"`
	Products     []string      `json:"products"`
	CountryCodes []string      `json:"country_codes"`
	Language     string        `json:"language"`
}

type linkTokenUser struct {
	ClientUserID string `json:"client_user_id"`
}

// LinkTokenResponse is the short-lived token that opens the linking widget.
type LinkTokenResponse struct {
	LinkToken  string    `json:"link_token"`
	Expiration time.Time `json:"expiration"`
	RequestID  string    `json:"request_id"`
}

type credentials struct {
	ClientID string `json:"client_id"`
	Secret   string `json:"secret"`
}

type publicTokenRequest struct {
	credentials
	PublicToken string `json:"public_token"`
}

// ExchangeResponse carries the long-lived access credential for an item.
type ExchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
	RequestID   string `json:"request_id"`
}

type accessTokenRequest struct {
	credentials
	AccessToken string `json:"access_token"`
}

// AccountsResponse is returned by the accounts endpoint.
type AccountsResponse struct {
	Accounts  []Account `json:"accounts"`
	Item      Item      `json:"item"`
	RequestID string    `json:"request_id"`
}

// Item is the gateway-side record of one institution connection.
type Item struct {
	ItemID        string         `json:"item_id"`
	InstitutionID *string        `json:"institution_id"`
	Error         *ErrorResponse `json:"error"`
}

type Account struct {
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	OfficialName *string  `json:"official_name"`
	Type         string   `json:"type"`
	Subtype      *string  `json:"subtype"`
	Mask         *string  `json:"mask"`
	Balances     Balances `json:"balances"`
	// Error is set when the institution could not refresh this account.
	Error *ErrorResponse `json:"error,omitempty"`
}

type Balances struct {
	Current         *decimal.Decimal `json:"current"`
	Available       *decimal.Decimal `json:"available"`
	IsoCurrencyCode *string          `json:"iso_currency_code"`
}

type syncRequest struct {
	credentials
	AccessToken string       `json:"access_token"`
	Cursor      string       `json:"cursor,omitempty"`
	Count       int          `json:"count,omitempty"`
	Options     *syncOptions `json:"options,omitempty"`
}

type syncOptions struct {
	IncludePersonalFinanceCategory bool `json:"include_personal_finance_category"`
}

// SyncResponse is one page of the transaction delta feed.
type SyncResponse struct {
	Added      []Transaction        `json:"added"`
	Modified   []Transaction        `json:"modified"`
	Removed    []RemovedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
	RequestID  string               `json:"request_id"`
}

type Transaction struct {
	TransactionID           string                   `json:"transaction_id"`
	AccountID               string                   `json:"account_id"`
	Amount                  decimal.Decimal          `json:"amount"`
	IsoCurrencyCode         *string                  `json:"iso_currency_code"`
	Date                    string                   `json:"date"`
	Name                    string                   `json:"name"`
	MerchantName            *string                  `json:"merchant_name"`
	Pending                 bool                     `json:"pending"`
	Category                []string                 `json:"category"`
	PersonalFinanceCategory *PersonalFinanceCategory `json:"personal_finance_category"`
}

type PersonalFinanceCategory struct {
	Primary  string `json:"primary"`
	Detailed string `json:"detailed"`
}

type RemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
	AccountID     string `json:"account_id"`
}

// SignedAmount returns the amount with outflows negative. The gateway
// reports money leaving the account as a positive number.
func (t Transaction) SignedAmount() decimal.Decimal {
	return t.Amount.Neg()
}

// PrimaryCategory prefers the personal finance category and falls back to
// the first legacy category. Returns nil when neither is present.
func (t Transaction) PrimaryCategory() *string {
	if t.PersonalFinanceCategory != nil && strings.TrimSpace(t.PersonalFinanceCategory.Primary) != "" {
		c := t.PersonalFinanceCategory.Primary
		return &c
	}
	if len(t.Category) > 0 && strings.TrimSpace(t.Category[0]) != "" {
		c := t.Category[0]
		return &c
	}
	return nil
}

// Description prefers the merchant name over the raw statement name.
func (t Transaction) Description() string {
	if t.MerchantName != nil && strings.TrimSpace(*t.MerchantName) != "" {
		return *t.MerchantName
	}
	return t.Name
}

func (t Transaction) ParsedDate() (time.Time, error) {
	d, err := time.Parse(dateLayout, t.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", t.Date, err)
	}
	return d, nil
}
