package extraction

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

// fieldSpec finds one structured field in free text.
type fieldSpec struct {
	name     string
	required bool
	find     func(text string) (string, bool)
}

var (
	reDate          = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{2}[./]\d{2}[./]\d{4})\b`)
	reDistance      = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)*)\s*km\b`)
	reFuelType      = regexp.MustCompile(`(?i)\b(diesel|petrol|gasoline|lpg|cng|lng|hvo|electric)\b`)
	reFuelVolume    = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)*)\s*(?:l|ltr|litres|liters)\b`)
	reVehicle       = regexp.MustCompile(`(?i)\b(truck|lorry|van|trailer|vessel|ship|train|rail|aircraft|plane)\b`)
	reOrigin        = regexp.MustCompile(`(?i)\b(?:origin|from|loading place)\s*:\s*([^\n;,]{2,60})`)
	reDestination   = regexp.MustCompile(`(?i)\b(?:destination|to|unloading place)\s*:\s*([^\n;,]{2,60})`)
	reWeight        = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)*)\s*(kg|t|tonnes?|tons?)\b`)
	reConsumption   = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)*)\s*(kwh|mwh)\b`)
	reMeter         = regexp.MustCompile(`(?i)\bmeter(?:\s*(?:id|no\.?|number))?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{2,})`)
	reEnergySource  = regexp.MustCompile(`(?i)\b(electricity|natural gas|district heating|solar|wind|gas)\b`)
	reWasteType     = regexp.MustCompile(`(?i)\b(paper|cardboard|plastic|metal|glass|organic|hazardous|mixed|residual)\b`)
	reDisposal      = regexp.MustCompile(`(?i)\b(recycl\w*|landfill\w*|incinerat\w*|compost\w*)\b`)
	reProduct       = regexp.MustCompile(`(?i)\bproduct\s*:\s*([^\n;]{2,60})`)
	reQuantity      = regexp.MustCompile(`(?i)\bquantity\s*:\s*(\d+(?:[.,]\d+)*)\s*([a-z]+)?`)
	reSupplier      = regexp.MustCompile(`(?i)\b(?:supplier|vendor|seller)\s*:\s*([^\n;]{2,60})`)
	reInvoiceNumber = regexp.MustCompile(`(?i)\binvoice\s*(?:no\.?|number|#)\s*[:#]?\s*([A-Z0-9][A-Z0-9/-]{2,})`)
	reTotal         = regexp.MustCompile(`(?i)\btotal[^\d\n]{0,20}(\d+(?:[ .,]\d{3})*(?:[.,]\d{1,2})?)`)
	reCurrency      = regexp.MustCompile(`(?i)\b(EUR|USD|GBP|CHF|PLN|SEK)\b|([€$£])`)
)

var schemas = map[model.Category][]fieldSpec{
	model.CategoryTransport: {
		{name: "vehicle_type", required: true, find: lower(reVehicle)},
		{name: "fuel_type", required: true, find: lower(reFuelType)},
		{name: "distance_km", required: true, find: number(reDistance)},
		{name: "date", required: true, find: capture(reDate)},
		{name: "fuel_litres", find: number(reFuelVolume)},
		{name: "origin", find: capture(reOrigin)},
		{name: "destination", find: capture(reDestination)},
		{name: "weight_kg", find: weightKg},
	},
	model.CategoryEnergy: {
		{name: "consumption_kwh", required: true, find: consumptionKwh},
		{name: "energy_source", required: true, find: lower(reEnergySource)},
		{name: "date", required: true, find: capture(reDate)},
		{name: "meter_id", find: capture(reMeter)},
		{name: "supplier", find: capture(reSupplier)},
	},
	model.CategoryWaste: {
		{name: "waste_type", required: true, find: lower(reWasteType)},
		{name: "weight_kg", required: true, find: weightKg},
		{name: "disposal_method", required: true, find: disposalMethod},
		{name: "date", find: capture(reDate)},
	},
	model.CategoryProduction: {
		{name: "product", required: true, find: capture(reProduct)},
		{name: "quantity", required: true, find: number(reQuantity)},
		{name: "unit", find: captureGroup(reQuantity, 2)},
		{name: "date", find: capture(reDate)},
	},
	model.CategorySupplier: {
		{name: "supplier_name", required: true, find: capture(reSupplier)},
		{name: "invoice_number", required: true, find: capture(reInvoiceNumber)},
		{name: "total_amount", required: true, find: number(reTotal)},
		{name: "currency", find: currency},
		{name: "date", find: capture(reDate)},
	},
	model.CategoryOther: {
		{name: "date", required: true, find: capture(reDate)},
		{name: "total_amount", find: number(reTotal)},
		{name: "currency", find: currency},
	},
}

func capture(re *regexp.Regexp) func(string) (string, bool) {
	return captureGroup(re, 1)
}

func captureGroup(re *regexp.Regexp, group int) func(string) (string, bool) {
	return func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil || len(m) <= group {
			return "", false
		}
		v := strings.TrimSpace(m[group])
		return v, v != ""
	}
}

func lower(re *regexp.Regexp) func(string) (string, bool) {
	return func(text string) (string, bool) {
		v, ok := capture(re)(text)
		return strings.ToLower(v), ok
	}
}

func number(re *regexp.Regexp) func(string) (string, bool) {
	return func(text string) (string, bool) {
		v, ok := capture(re)(text)
		if !ok {
			return "", false
		}
		f, ok := parseNumber(v)
		if !ok {
			return "", false
		}
		return formatNumber(f), true
	}
}

func weightKg(text string) (string, bool) {
	m := reWeight.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	f, ok := parseNumber(m[1])
	if !ok {
		return "", false
	}
	if unit := strings.ToLower(m[2]); unit != "kg" {
		f *= 1000
	}
	return formatNumber(f), true
}

func consumptionKwh(text string) (string, bool) {
	m := reConsumption.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	f, ok := parseNumber(m[1])
	if !ok {
		return "", false
	}
	if strings.EqualFold(m[2], "mwh") {
		f *= 1000
	}
	return formatNumber(f), true
}

func disposalMethod(text string) (string, bool) {
	v, ok := lower(reDisposal)(text)
	if !ok {
		return "", false
	}
	switch {
	case strings.HasPrefix(v, "recycl"):
		return "recycling", true
	case strings.HasPrefix(v, "landfill"):
		return "landfill", true
	case strings.HasPrefix(v, "incinerat"):
		return "incineration", true
	case strings.HasPrefix(v, "compost"):
		return "composting", true
	}
	return v, true
}

var currencySymbols = map[string]string{"€": "EUR", "$": "USD", "£": "GBP"}

func currency(text string) (string, bool) {
	m := reCurrency.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return strings.ToUpper(m[1]), true
	}
	return currencySymbols[m[2]], true
}

// parseNumber accepts both 1,234.5 and 1.234,5 notations. A lone separator
// followed by exactly three digits is read as a thousands separator.
func parseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 || len(s)-lastComma-1 == 3 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
