package parse

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

// Cell coercion constants.
const (
	moneyPlaces = 2

	// Excel counts days from 1899-12-30 once the fake 1900-02-29 is accounted for.
	excelMinSerial = 1
	excelMaxSerial = 2958465 // 9999-12-31
)

var errEmpty = errors.New("empty cell")

// dateLayouts are tried in order; day-first layouts come before the US ones.
var dateLayouts = []string{ //nolint:gochecknoglobals // read-only layout table
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"02 Jan 2006",
	"2006/01/02",
	"2006.01.02",
}

var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // constant epoch

// text renders any cell value as trimmed text.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// toDate coerces a cell into a calendar date at UTC midnight.
func toDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, errEmpty
		}
		return truncateDay(t), nil
	case float64:
		return excelSerial(t)
	case int:
		return excelSerial(float64(t))
	case int64:
		return excelSerial(float64(t))
	}

	s := text(v)
	if s == "" {
		return time.Time{}, errEmpty
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return truncateDay(d), nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return excelSerial(f)
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func excelSerial(f float64) (time.Time, error) {
	if math.IsNaN(f) || f < excelMinSerial || f > excelMaxSerial {
		return time.Time{}, fmt.Errorf("invalid date serial %v", f)
	}
	return excelEpoch.AddDate(0, 0, int(f)), nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// toDecimal coerces a cell into a fixed-point amount rounded to cents.
// Thousands separators, currency symbols and ISO prefixes are stripped.
func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t.Round(moneyPlaces), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero, fmt.Errorf("invalid number %v", t)
		}
		return decimal.NewFromFloat(t).Round(moneyPlaces), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	}

	s := text(v)
	if s == "" {
		return decimal.Zero, errEmpty
	}
	cleaned := cleanNumber(s)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q", s)
	}
	return d.Round(moneyPlaces), nil
}

func cleanNumber(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"USD", "INR", "$", "₹", "Rs.", "Rs"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	if negative {
		s = "-" + strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	return strings.NewReplacer(",", "", " ", "", "_", "").Replace(s)
}

// toYear coerces a cell into a four digit year.
func toYear(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("invalid year %v", t)
		}
		return int(t), nil
	}
	s := text(v)
	if s == "" {
		return 0, errEmpty
	}
	y, err := strconv.Atoi(strings.TrimSuffix(s, ".0"))
	if err != nil {
		return 0, fmt.Errorf("invalid year %q", s)
	}
	return y, nil
}

// enum normalises a code to upper snake case.
func enum(v any) string {
	return model.NormalizeCode(text(v))
}

// list splits a co-recipient cell on commas and semicolons.
func list(v any) []string {
	s := text(v)
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
