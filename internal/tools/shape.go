package tools

import (
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"BotProxy/internal/slots"
)

const (
	MaxResults         = 10
	DefaultBookingBase = "https://qqrenta.ru"
)

var priceFields = []string{"price", "price_per_night", "min_price"}

// Shaper post-filters json-mode results and attaches booking links.
type Shaper struct {
	BookingBase string
	// Excluded property types applied to every search, in addition to the call's own.
	Excluded []string
	Limit    int
}

// Shape filters results, truncates them and adds a booking_url to each one.
// Items without a readable price are dropped when a price cap is set.
func (s Shaper) Shape(results []Result, f Filters, query url.Values) []Result {
	limit := s.Limit
	if limit <= 0 {
		limit = MaxResults
	}
	excluded := make(map[string]struct{}, len(s.Excluded)+len(f.ExcludeTypes))
	for _, t := range append(append([]string{}, s.Excluded...), f.ExcludeTypes...) {
		excluded[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	out := make([]Result, 0, min(len(results), limit))
	for _, r := range results {
		if len(out) == limit {
			break
		}
		if f.MaxPrice.Valid {
			price, ok := r.price()
			if !ok || price.GreaterThan(f.MaxPrice.Decimal) {
				continue
			}
		}
		if f.HotelsOnly && !r.isHotel() {
			continue
		}
		if f.Category != "" && !strings.EqualFold(r.str("category"), f.Category) {
			continue
		}
		if _, skip := excluded[strings.ToLower(r.propertyType())]; skip && r.propertyType() != "" {
			continue
		}

		shaped := make(Result, len(r)+1)
		for k, v := range r {
			shaped[k] = v
		}
		shaped["booking_url"] = s.bookingURL(r, query)
		out = append(out, shaped)
	}
	return out
}

func (s Shaper) bookingURL(r Result, query url.Values) string {
	base := strings.TrimRight(s.BookingBase, "/")
	if base == "" {
		base = DefaultBookingBase
	}
	segment := "rooms"
	if r.isHotel() {
		segment = "hotels"
	}

	params := url.Values{}
	params.Set(slots.Checkin, query.Get(slots.Checkin))
	params.Set(ParamCheckout, query.Get(ParamCheckout))
	adults := query.Get("adults")
	if adults == "" {
		adults = query.Get(slots.Guests)
	}
	params.Set("adults", adults)
	if children := query.Get(ParamChildren); children != "" && children != "0" {
		params.Set(ParamChildren, children)
	}
	return base + "/" + segment + "/" + url.PathEscape(r.str("id")) + "?" + params.Encode()
}

func (r Result) str(key string) string {
	return argString(r[key])
}

func (r Result) price() (decimal.Decimal, bool) {
	for _, field := range priceFields {
		s := r.str(field)
		if s == "" {
			continue
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

func (r Result) propertyType() string {
	if t := r.str("property_type"); t != "" {
		return t
	}
	return r.str("type")
}

func (r Result) isHotel() bool {
	for _, v := range []string{r.str("category"), r.propertyType()} {
		v = strings.ToLower(v)
		if strings.Contains(v, "hotel") || strings.Contains(v, "отел") || strings.Contains(v, "гостиниц") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(r.str("id")), "hotels")
}

const narrowingPrompt = "\n\nОтвет получился слишком длинным. Уточните, пожалуйста, запрос: город, даты, бюджет или тип жилья."

// TruncateOversized shortens free text longer than limit runes and appends a prompt
// asking the user to narrow the request.
func TruncateOversized(text string, limit int) (string, bool) {
	runes := []rune(text)
	if len(runes) <= limit {
		return text, false
	}
	return string(runes[:limit]) + "…" + narrowingPrompt, true
}
