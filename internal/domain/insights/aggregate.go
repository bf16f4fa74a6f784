// Package insights derives spending summaries from stored transactions.
// Every function here is pure: it never mutates its input and returns the
// same output for the same input.
package insights

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"finlink/internal/domain/transaction"
)

const (
	// OtherCategory labels transactions without a category.
	OtherCategory = "Other"

	TopCategories = 8
	RecentMonths  = 6

	monthKeyLayout   = "2006-01"
	monthLabelLayout = "Jan 06"
)

// CategoryBucket is the outflow total of one category.
type CategoryBucket struct {
	Name  string          `json:"name"`
	Value decimal.Decimal `json:"value"`
}

// MonthBucket is the outflow total of one calendar month.
type MonthBucket struct {
	Month  string          `json:"month"`
	Amount decimal.Decimal `json:"amount"`
}

// AggregateByCategory sums outflows per category label, largest first.
// Ties keep first-encountered order. At most TopCategories are returned.
func AggregateByCategory(txs []*transaction.Transaction) []CategoryBucket {
	buckets := []CategoryBucket{}
	index := make(map[string]int)

	for _, tx := range txs {
		if tx == nil || !tx.Amount.IsNegative() {
			continue
		}
		label := CategoryLabel(tx.Category)
		i, ok := index[label]
		if !ok {
			i = len(buckets)
			index[label] = i
			buckets = append(buckets, CategoryBucket{Name: label})
		}
		buckets[i].Value = buckets[i].Value.Add(tx.Amount.Abs())
	}

	slices.SortStableFunc(buckets, func(a, b CategoryBucket) int {
		return b.Value.Cmp(a.Value)
	})
	if len(buckets) > TopCategories {
		buckets = buckets[:TopCategories]
	}
	for i := range buckets {
		buckets[i].Value = buckets[i].Value.Round(2)
	}
	return buckets
}

// AggregateByMonth sums outflows per calendar month, oldest first, keeping
// the RecentMonths most recent months that have outflows.
func AggregateByMonth(txs []*transaction.Transaction) []MonthBucket {
	totals := make(map[string]decimal.Decimal)
	labels := make(map[string]string)

	for _, tx := range txs {
		if tx == nil || !tx.Amount.IsNegative() {
			continue
		}
		key := tx.Date.Format(monthKeyLayout)
		totals[key] = totals[key].Add(tx.Amount.Abs())
		labels[key] = tx.Date.Format(monthLabelLayout)
	}

	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if len(keys) > RecentMonths {
		keys = keys[len(keys)-RecentMonths:]
	}

	buckets := make([]MonthBucket, 0, len(keys))
	for _, k := range keys {
		buckets = append(buckets, MonthBucket{Month: labels[k], Amount: totals[k].Round(2)})
	}
	return buckets
}

// CategoryLabel turns a raw category such as FOOD_AND_DRINK into
// "Food And Drink". Missing or blank categories become OtherCategory.
func CategoryLabel(category *string) string {
	if category == nil {
		return OtherCategory
	}
	raw := strings.TrimSpace(*category)
	if raw == "" {
		return OtherCategory
	}

	raw = strings.NewReplacer("_", " ", "-", " ").Replace(raw)
	raw = strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	// cases.Caser is stateful and not safe for concurrent use.
	return cases.Title(language.English).String(raw)
}

