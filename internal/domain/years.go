package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// YearMode selects which archive years a cycle visits.
type YearMode int

const (
	YearsCurrent YearMode = iota
	YearsAll
	YearsExplicit
)

// Archive years outside this range are ignored when listing the origin.
const (
	MinArchiveYear = 2000
	MaxArchiveYear = 2100
)

// YearSelector is the parsed form of the "years" setting.
type YearSelector struct {
	Mode  YearMode
	Years []int
}

// ParseYearSelector accepts "current", "all", or a comma-separated year list.
func ParseYearSelector(s string) (YearSelector, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "current":
		return YearSelector{Mode: YearsCurrent}, nil
	case "all":
		return YearSelector{Mode: YearsAll}, nil
	}
	var years []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil || y < MinArchiveYear || y > MaxArchiveYear {
			return YearSelector{}, fmt.Errorf("invalid year %q (want current, all, or years %d-%d)", part, MinArchiveYear, MaxArchiveYear)
		}
		years = append(years, y)
	}
	if len(years) == 0 {
		return YearSelector{}, fmt.Errorf("invalid year selector %q", s)
	}
	slices.Sort(years)
	return YearSelector{Mode: YearsExplicit, Years: slices.Compact(years)}, nil
}

// Resolve returns the concrete years for the selector. available is the
// origin's year listing and is only consulted in YearsAll mode.
func (y YearSelector) Resolve(currentYear int, available []int) []int {
	switch y.Mode {
	case YearsAll:
		out := make([]int, 0, len(available))
		for _, v := range available {
			if v >= MinArchiveYear && v <= currentYear {
				out = append(out, v)
			}
		}
		slices.Sort(out)
		return slices.Compact(out)
	case YearsExplicit:
		return slices.Clone(y.Years)
	default:
		return []int{currentYear}
	}
}

func (y YearSelector) String() string {
	switch y.Mode {
	case YearsAll:
		return "all"
	case YearsExplicit:
		parts := make([]string, len(y.Years))
		for i, v := range y.Years {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, ",")
	default:
		return "current"
	}
}
