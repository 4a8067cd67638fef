package tools

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"BotProxy/internal/apperr"
	"BotProxy/internal/slots"
)

const dateLayout = "2006-01-02"

// Tool arguments with special handling. The filter parameters never reach the search API.
const (
	ParamCheckout     = "checkout"
	ParamChildren     = "children"
	ParamMaxPrice     = "max_price"
	ParamExcludeTypes = "exclude_property_types"
	ParamCategory     = "category"
	ParamHotelsOnly   = "hotels_only"
)

// Filters are applied to search results after they return.
type Filters struct {
	MaxPrice     decimal.NullDecimal
	ExcludeTypes []string
	Category     string
	HotelsOnly   bool
}

// ValidateArguments requires every slot the search needs.
func ValidateArguments(args map[string]any) error {
	var missing []string
	for _, name := range slots.Required {
		if argString(args[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return apperr.Validation("missing required parameters", missing...)
	}
	return nil
}

// Derive turns tool arguments into the outgoing search query and the client-side filters.
// checkout is computed from checkin and nights when absent; nights is never sent.
func Derive(args map[string]any) (url.Values, Filters, error) {
	var f Filters
	query := url.Values{}

	for name, v := range args {
		switch name {
		case ParamMaxPrice:
			s := argString(v)
			if s == "" {
				continue
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, Filters{}, apperr.Validation("invalid parameters", ParamMaxPrice)
			}
			f.MaxPrice = decimal.NewNullDecimal(d)
		case ParamExcludeTypes:
			f.ExcludeTypes = argList(v)
		case ParamCategory:
			f.Category = argString(v)
		case ParamHotelsOnly:
			f.HotelsOnly, _ = strconv.ParseBool(argString(v))
		default:
			if s := argString(v); s != "" {
				query.Set(name, s)
			}
		}
	}

	if query.Get(ParamCheckout) == "" && query.Get(slots.Checkin) != "" && query.Get(slots.Nights) != "" {
		checkout, err := Checkout(query.Get(slots.Checkin), query.Get(slots.Nights))
		if err != nil {
			return nil, Filters{}, err
		}
		query.Set(ParamCheckout, checkout)
	}
	query.Del(slots.Nights)

	return query, f, nil
}

// Checkout adds nights days to a YYYY-MM-DD check-in date.
func Checkout(checkin, nights string) (string, error) {
	day, err := time.Parse(dateLayout, checkin)
	if err != nil {
		return "", apperr.Validation("invalid parameters", slots.Checkin)
	}
	n, err := strconv.Atoi(nights)
	if err != nil || n <= 0 {
		return "", apperr.Validation("invalid parameters", slots.Nights)
	}
	return day.AddDate(0, 0, n).Format(dateLayout), nil
}

func argString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		return strings.Join(argList(t), ",")
	default:
		return ""
	}
}

func argList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := argString(item); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, t...)
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}
