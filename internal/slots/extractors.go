package slots

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// DefaultExtractors returns the built-in pattern rules for all required slots.
func DefaultExtractors() []Extractor {
	return []Extractor{
		CityExtractor{},
		DateExtractor{},
		NightsExtractor{},
		GuestsExtractor{},
	}
}

// Go's \b only knows ASCII word characters, so word starts are matched explicitly.
const wordStart = `(?:^|[^\p{L}])`

type city struct {
	re   *regexp.Regexp
	name string
}

var cities = []city{
	{regexp.MustCompile(wordStart + `(москв|moscow)`), "Москва"},
	{regexp.MustCompile(wordStart + `(санкт-петербург|петербург|питер|спб|saint petersburg|st\.? petersburg)`), "Санкт-Петербург"},
	{regexp.MustCompile(wordStart + `(сочи|sochi)`), "Сочи"},
	{regexp.MustCompile(wordStart + `(адлер|adler)`), "Адлер"},
	{regexp.MustCompile(wordStart + `(казан|kazan)`), "Казань"},
	{regexp.MustCompile(wordStart + `(калининград|kaliningrad)`), "Калининград"},
	{regexp.MustCompile(wordStart + `(екатеринбург|екб|yekaterinburg|ekaterinburg)`), "Екатеринбург"},
	{regexp.MustCompile(wordStart + `(новосибирск|novosibirsk)`), "Новосибирск"},
	{regexp.MustCompile(wordStart + `(нижн\p{L}* новгород|nizhny novgorod)`), "Нижний Новгород"},
	{regexp.MustCompile(wordStart + `(владивосток|vladivostok)`), "Владивосток"},
	{regexp.MustCompile(wordStart + `(краснодар|krasnodar)`), "Краснодар"},
	{regexp.MustCompile(wordStart + `(анап|anapa)`), "Анапа"},
	{regexp.MustCompile(wordStart + `(геленджик|gelendzhik)`), "Геленджик"},
	{regexp.MustCompile(wordStart + `(ялт|yalta)`), "Ялта"},
	{regexp.MustCompile(wordStart + `(севастопол|sevastopol)`), "Севастополь"},
}

// "город Тверь", "city of Tver"
var cityPhrase = regexp.MustCompile(`(?:город[еау]?|city of|city)\s+(\p{Lu}[\p{L}-]+)`)

// CityExtractor recognizes well-known cities by stem, then an explicit "город X" phrase.
type CityExtractor struct{}

func (CityExtractor) Slot() string { return City }

func (CityExtractor) Extract(text string, _ time.Time) (string, bool) {
	lower := strings.ToLower(text)
	for _, c := range cities {
		if c.re.MatchString(lower) {
			return c.name, true
		}
	}
	if m := cityPhrase.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}

const (
	monthRU = `(январ|феврал|март|апрел|ма[яй]|июн|июл|август|сентябр|октябр|ноябр|декабр)`
	// Full or abbreviated English month names, never a prefix of another word ("decent").
	monthEN    = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?`
	ordinal    = `(?:st|nd|rd|th)?`
	notLetter  = `(?:[^a-z]|$)`
	rangeSplit = `\s*(?:по|до|-|–|to|till|until)\s*`
)

var (
	isoDate      = regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`)
	europeanDate = regexp.MustCompile(`(?:^|[^\d.])(\d{1,2})\.(\d{1,2})(?:\.(\d{4}|\d{2}))?(?:[^\d]|$)`)
	dayMonthRU   = regexp.MustCompile(`(\d{1,2})\s+` + monthRU)
	dayMonthEN   = regexp.MustCompile(`(\d{1,2})` + ordinal + `\s+` + monthEN + notLetter)
	monthDayEN   = regexp.MustCompile(`(?:^|[^a-z])` + monthEN + `\s+(\d{1,2})` + ordinal + `(?:[^\d]|$)`)

	// "с 1 по 5 июня", "1-5 июня", "from 1 to 5 june"
	rangeRU = regexp.MustCompile(`(\d{1,2})` + rangeSplit + `(\d{1,2})\s+` + monthRU)
	rangeEN = regexp.MustCompile(`(\d{1,2})` + ordinal + rangeSplit + `(\d{1,2})` + ordinal + `\s+` + monthEN + notLetter)
)

var relativeDays = []struct {
	re     *regexp.Regexp
	offset int
}{
	// "послезавтра" contains "завтра" and must be tried first.
	{regexp.MustCompile(wordStart + `(послезавтра|day after tomorrow)`), 2},
	{regexp.MustCompile(wordStart + `(завтра|tomorrow)`), 1},
	{regexp.MustCompile(wordStart + `(сегодня|today|tonight)`), 0},
}

// DateExtractor recognizes the check-in date and normalizes it to YYYY-MM-DD.
// Dates without a year that already passed are moved to the next year.
type DateExtractor struct{}

func (DateExtractor) Slot() string { return Checkin }

func (DateExtractor) Extract(text string, now time.Time) (string, bool) {
	lower := strings.ToLower(text)
	today := dayOf(now)

	if start, _, ok := stayRange(lower, today); ok {
		return start.Format(dateLayout), true
	}
	if m := isoDate.FindStringSubmatch(lower); m != nil {
		if d, ok := makeDate(atoi(m[1]), atoi(m[2]), atoi(m[3])); ok {
			return d.Format(dateLayout), true
		}
	}
	if m := europeanDate.FindStringSubmatch(lower); m != nil {
		if m[3] != "" {
			year := atoi(m[3])
			if year < 100 {
				year += 2000
			}
			if d, ok := makeDate(year, atoi(m[2]), atoi(m[1])); ok {
				return d.Format(dateLayout), true
			}
		} else if d, ok := upcoming(today, atoi(m[2]), atoi(m[1])); ok {
			return d.Format(dateLayout), true
		}
	}
	if m := dayMonthRU.FindStringSubmatch(lower); m != nil {
		if d, ok := upcoming(today, monthOf(m[2]), atoi(m[1])); ok {
			return d.Format(dateLayout), true
		}
	}
	if m := dayMonthEN.FindStringSubmatch(lower); m != nil {
		if d, ok := upcoming(today, monthOf(m[2]), atoi(m[1])); ok {
			return d.Format(dateLayout), true
		}
	}
	if m := monthDayEN.FindStringSubmatch(lower); m != nil {
		if d, ok := upcoming(today, monthOf(m[1]), atoi(m[2])); ok {
			return d.Format(dateLayout), true
		}
	}
	for _, r := range relativeDays {
		if r.re.MatchString(lower) {
			return today.AddDate(0, 0, r.offset).Format(dateLayout), true
		}
	}
	return "", false
}

func dayOf(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func upcoming(today time.Time, month, day int) (time.Time, bool) {
	d, ok := makeDate(today.Year(), month, day)
	if !ok {
		return time.Time{}, false
	}
	if d.Before(today) {
		return makeDate(today.Year()+1, month, day)
	}
	return d, true
}

// makeDate rejects dates that time.Date would normalize, such as 31.02.
func makeDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day || int(d.Month()) != month {
		return time.Time{}, false
	}
	return d, true
}

var (
	nightsCount = regexp.MustCompile(`(\d{1,3})\s*(?:-\s*)?(?:ноч|сут|night)`)
	// A week counts only as a length of stay: "на неделю", "на 2 недели", "for a week", "one week".
	// "на следующей неделе" and "next week" name a time, not a duration.
	weeksRU = regexp.MustCompile(wordStart + `на\s+(?:(\d{1,2}|одну|две|три)\s+)?недел[юи](?:[^\p{L}]|$)`)
	weeksEN = regexp.MustCompile(`(?:^|[^a-z])(a|one|two|three|\d{1,2})\s+weeks?` + notLetter)
	// "in a week", "within two weeks" are delays before the trip.
	weeksDelayEN = regexp.MustCompile(`(?:^|[^a-z])(?:in|within|after)\s+$`)
)

var weekCounts = map[string]int{"": 1, "одну": 1, "a": 1, "one": 1, "две": 2, "two": 2, "три": 3, "three": 3}

func weeks(word string) int {
	if n, ok := weekCounts[word]; ok {
		return n
	}
	return atoi(word)
}

// NightsExtractor recognizes the length of stay: a night count, a number of weeks
// or the span of a date range.
type NightsExtractor struct{}

func (NightsExtractor) Slot() string { return Nights }

func (NightsExtractor) Extract(text string, now time.Time) (string, bool) {
	lower := strings.ToLower(text)
	if m := nightsCount.FindStringSubmatch(lower); m != nil {
		return positive(m[1])
	}
	if m := weeksRU.FindStringSubmatch(lower); m != nil {
		return positive(strconv.Itoa(7 * weeks(m[1])))
	}
	if loc := weeksEN.FindStringSubmatchIndex(lower); loc != nil && !weeksDelayEN.MatchString(lower[:loc[2]]) {
		return positive(strconv.Itoa(7 * weeks(lower[loc[2]:loc[3]])))
	}
	if _, n, ok := stayRange(lower, dayOf(now)); ok {
		return positive(strconv.Itoa(n))
	}
	return "", false
}

var (
	guestsCount = regexp.MustCompile(`(\d{1,2})\s*(?:гост|чел|взросл|guest|people|person|adult|pax)`)
	guestsWords = []struct {
		re    *regexp.Regexp
		count string
	}{
		{regexp.MustCompile(wordStart + `(вдво[её]м|for two|couple)`), "2"},
		{regexp.MustCompile(wordStart + `(втро[её]м|for three)`), "3"},
		{regexp.MustCompile(wordStart + `(вчетвером|for four)`), "4"},
	}
)

// GuestsExtractor recognizes the number of guests.
type GuestsExtractor struct{}

func (GuestsExtractor) Slot() string { return Guests }

func (GuestsExtractor) Extract(text string, _ time.Time) (string, bool) {
	lower := strings.ToLower(text)
	if m := guestsCount.FindStringSubmatch(lower); m != nil {
		return positive(m[1])
	}
	for _, w := range guestsWords {
		if w.re.MatchString(lower) {
			return w.count, true
		}
	}
	return "", false
}

func positive(s string) (string, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return "", false
	}
	return strconv.Itoa(n), true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
