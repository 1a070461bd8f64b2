// Package features derives model features from raw per-user aggregates.
//
// Engineer is pure and total: it never fails, never mutates its input, and an
// all-absent row yields finite zero/neutral derived values.
package features

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/antifraudhub/antifraudhub/internal/source"
)

// Row is a raw row plus derived columns.
type Row map[string]any

// Column names read or written by Engineer.
const (
	ColAvgSaleAmount    = "avg_sale_amount"
	ColMaxSaleAmount    = "max_sale_amount"
	ColMinSaleAmount    = "min_sale_amount"
	ColNSales           = "n_sales"
	ColNDeclines        = "n_declines"
	ColNActiveDays      = "n_active_days"
	ColNTrials          = "n_trials"
	ColNRebills         = "n_rebills"
	ColGeoMismatchAny   = "geo_mismatch_any"
	ColUniqueSites      = "unique_sites"
	ColUniqueAffiliates = "unique_affiliates"
	ColCrossRatio       = "cross_ratio"
	ColUniqueCardBrands = "unique_card_brands"
	ColFirstRegDate     = "first_reg_date"
	ColLastRegDate      = "last_reg_date"
	ColMinSaleDate      = "min_sale_date"
	ColAvgSaleAmountLog = "avg_sale_amount_log"
	ColMaxSaleAmountLog = "max_sale_amount_log"
	ColMinSaleAmountLog = "min_sale_amount_log"
	ColSalesFreq        = "sales_freq"
	ColDeclinesFreq     = "declines_freq"
	ColTrialRatio       = "trial_ratio"
	ColPressureScore    = "pressure_score"
	ColSiteRisk         = "site_risk"
	ColAffiliateRisk    = "affiliate_risk"
	ColCrossHigh        = "cross_high"
	ColCardHopperFlag   = "card_hopper_flag"
)

// Flag cut-offs, fixed by what the trained model expects.
const (
	siteRiskMinSites     = 3
	affiliateRiskMinAffs = 3
	crossHighRatio       = 0.5
	geoMismatchWeight    = 2
)

// DateColumns are parsed defensively into *time.Time (nil when unparsable).
var DateColumns = []string{ColFirstRegDate, ColLastRegDate, ColMinSaleDate}

// Derived lists every column Engineer adds, in a stable order.
var Derived = []string{
	ColAvgSaleAmountLog, ColMaxSaleAmountLog, ColMinSaleAmountLog,
	ColSalesFreq, ColDeclinesFreq, ColTrialRatio, ColPressureScore,
	ColSiteRisk, ColAffiliateRisk, ColCrossHigh, ColCardHopperFlag,
}

// Engineer returns raw plus derived columns. Missing or non-numeric inputs
// count as zero; negative amounts clamp to zero before log1p.
func Engineer(raw source.Row) Row {
	out := make(Row, len(raw)+len(Derived))
	for k, v := range raw {
		out[k] = v
	}

	for _, col := range DateColumns {
		if v, ok := raw[col]; ok {
			if t, ok := ParseDate(v); ok {
				out[col] = &t
			} else {
				out[col] = (*time.Time)(nil)
			}
		}
	}

	n := func(col string) float64 { return Number(raw[col]) }
	amount := func(col string) float64 { return math.Max(n(col), 0) }

	avg := amount(ColAvgSaleAmount)
	out[ColAvgSaleAmount] = avg
	out[ColAvgSaleAmountLog] = math.Log1p(avg)
	out[ColMaxSaleAmountLog] = math.Log1p(amount(ColMaxSaleAmount))
	out[ColMinSaleAmountLog] = math.Log1p(amount(ColMinSaleAmount))

	activeDays := math.Max(n(ColNActiveDays), 0)
	sales := math.Max(n(ColNSales), 0)
	out[ColSalesFreq] = n(ColNSales) / (activeDays + 1)
	out[ColDeclinesFreq] = n(ColNDeclines) / (activeDays + 1)
	out[ColTrialRatio] = n(ColNTrials) / (sales + 1)
	out[ColPressureScore] = n(ColNDeclines) - n(ColNRebills) + n(ColGeoMismatchAny)*geoMismatchWeight

	out[ColSiteRisk] = flag(n(ColUniqueSites) >= siteRiskMinSites)
	out[ColAffiliateRisk] = flag(n(ColUniqueAffiliates) >= affiliateRiskMinAffs)
	out[ColCrossHigh] = flag(n(ColCrossRatio) > crossHighRatio)
	out[ColCardHopperFlag] = flag(n(ColUniqueCardBrands) > 1)

	return out
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Number reads a raw scalar as a finite float. Absent, unparsable and
// non-finite values are 0.
func Number(v any) float64 {
	f, ok := ToFloat(v)
	if !ok {
		return 0
	}
	return f
}

// ToFloat converts v to a finite float64. ok is false for nil, non-numeric
// strings, unsupported types and NaN/Inf.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case bool:
		f = flag(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
}

// ParseDate accepts time values and common date string layouts.
func ParseDate(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, !x.IsZero()
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
