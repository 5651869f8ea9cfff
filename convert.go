package exaws

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// converter transforms a raw protocol value into a richer typed value.
// A nil converter means the value passes through untouched.
type converter func(any) (any, error)

// datetimePattern recognizes the session datetime formats whose values can
// be parsed: a date, optionally followed by a separator and an hour field,
// optionally minutes, seconds and 3- or 6-digit fractional seconds. Any
// other format leaves values as raw strings, because free-form format
// strings are not generically parsable.
var datetimePattern = regexp.MustCompile(
	`^YYYY-MM-DD(( |T)HH(24)?(:MI(:SS(\.FF(3|6))?)?)?)?$`)

// timestampLayouts are tried in order when parsing timestamp values.
// time.Parse accepts a fractional second after the seconds field even when
// the layout has none, so the .FF3/.FF6 variants need no layouts of their
// own.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15",
	"2006-01-02T15",
	"2006-01-02",
}

// sessionFormats is the session-wide conversion state a Result captures at
// construction time: the negotiated date/datetime formats and the resolved
// timezone.
type sessionFormats struct {
	dateFormat     string
	datetimeFormat string
	tz             *time.Location
}

// canParseDatetime reports whether the session datetime format matches the
// recognized pattern.
func (f sessionFormats) canParseDatetime() bool {
	return datetimePattern.MatchString(f.datetimeFormat)
}

// converterFor selects a converter for a column based on its declared data
// type and the session formats. It returns nil when no conversion applies.
func converterFor(dt DataType, f sessionFormats) converter {
	switch dt.Type {
	case "DECIMAL":
		if dt.Scale == 0 {
			if dt.Precision < 19 {
				// fits a native number, leave untouched
				return nil
			}
			return toBigInt
		}
		return toDecimal

	case "DATE":
		if f.dateFormat == CanonicalDateFormat {
			return toDate
		}

	case "TIMESTAMP":
		if f.canParseDatetime() {
			return timestampConverter(time.UTC)
		}

	case "TIMESTAMP WITH LOCAL TIME ZONE":
		if f.canParseDatetime() {
			loc := f.tz
			if loc == nil {
				loc = time.UTC
			}
			return timestampConverter(loc)
		}

	case "HASHTYPE":
		// Size is the hex length, so 32 means a 16 byte hash, which may be
		// rendered in dashed UUID form.
		if dt.Size == 32 {
			return toUUIDOrBytes
		}
		return toHexBytes
	}

	return nil
}

// convertersFor builds the per-column converter list for a result set. It
// returns nil when no column needs conversion, which lets row
// transformation skip per-value dispatch entirely.
func convertersFor(columns []Column, f sessionFormats) []converter {
	converters := make([]converter, len(columns))
	any := false
	for i, col := range columns {
		if conv := converterFor(col.DataType, f); conv != nil {
			converters[i] = conv
			any = true
		}
	}
	if !any {
		return nil
	}
	return converters
}

// asString extracts the string form of a raw protocol value. Numbers
// arrive as json.Number, large decimals as strings.
func asString(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

func toBigInt(val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	s, ok := asString(val)
	if !ok {
		return nil, fmt.Errorf("exaws: cannot convert %T to big integer", val)
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("exaws: invalid integer %q", s)
	}
	return i, nil
}

func toDecimal(val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	s, ok := asString(val)
	if !ok {
		return nil, fmt.Errorf("exaws: cannot convert %T to decimal", val)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("exaws: invalid decimal %q: %w", s, err)
	}
	return d, nil
}

func toDate(val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	s, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("exaws: cannot convert %T to date", val)
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("exaws: invalid date %q: %w", s, err)
	}
	return t, nil
}

// timestampConverter returns a converter parsing timestamp strings in the
// given location.
func timestampConverter(loc *time.Location) converter {
	return func(val any) (any, error) {
		if val == nil {
			return nil, nil
		}
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("exaws: cannot convert %T to timestamp", val)
		}
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("exaws: invalid timestamp %q", s)
	}
}

func toUUIDOrBytes(val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	s, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("exaws: cannot convert %T to hash", val)
	}
	// 32 hex characters plus 4 dashes is the dashed UUID rendering used
	// when HASHTYPE_FORMAT is 'UUID'.
	if len(s) == 36 && strings.Count(s, "-") == 4 {
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("exaws: invalid UUID %q: %w", s, err)
		}
		return u, nil
	}
	return toHexBytes(s)
}

func toHexBytes(val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	s, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("exaws: cannot convert %T to hash", val)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("exaws: invalid hex value %q: %w", s, err)
	}
	return b, nil
}
