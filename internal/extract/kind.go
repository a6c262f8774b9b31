package extract

import (
	"strconv"
	"strings"
	"time"

	"github.com/sheetflow/sheetflow/constants"
)

// dateLayouts covers the display formats excelize produces for date cells
// plus common textual dates.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01-02-06",
	"1/2/2006",
	"01/02/2006",
	"2006-01-02 15:04:05",
	"1/2/06 15:04",
	"Jan 2, 2006",
}

// InferKind tags a cell's formatted value with its primitive type.
// Unrecognized representations fall back to other.
func InferKind(value string) constants.ValueKind {
	switch strings.ToUpper(value) {
	case "TRUE", "FALSE":
		return constants.ValueKindBoolean
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return constants.ValueKindNumber
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return constants.ValueKindDate
		}
	}
	// formula error literals, e.g. #DIV/0! or #N/A
	if strings.HasPrefix(value, "#") {
		return constants.ValueKindOther
	}
	return constants.ValueKindString
}
