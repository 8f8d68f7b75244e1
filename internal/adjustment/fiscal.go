package adjustment

import "time"

// FiscalYear encodes the fiscal year containing t as YYYYyy, e.g. 202526 for
// a year starting in April 2025. startMonth defaults to April.
func FiscalYear(t time.Time, startMonth time.Month) int {
	if startMonth < time.January || startMonth > time.December {
		startMonth = time.April
	}
	year := t.Year()
	if t.Month() < startMonth {
		year--
	}
	return year*100 + (year+1)%100
}
