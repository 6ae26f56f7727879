package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The portal has shipped several incompatible API shapes over time: fields
// appear both lower-camel and capitalized, some were renamed, and the tariff
// payload exists in a flat legacy form and a nested "contracts" form. The
// parsers below consult explicit ordered alias lists per field; the first
// present name wins.

// wireObject is a decoded JSON object consulted through field aliases.
type wireObject map[string]json.RawMessage

func decodeObject(raw json.RawMessage) (wireObject, error) {
	var o wireObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return o, nil
}

func decodeList(raw json.RawMessage) ([]json.RawMessage, error) {
	var l []json.RawMessage
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, err
	}
	return l, nil
}

// lookup returns the first non-null field among the given aliases.
func (o wireObject) lookup(aliases ...string) (json.RawMessage, bool) {
	for _, name := range aliases {
		if v, ok := o[name]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func (o wireObject) float(aliases ...string) *float64 {
	raw, ok := o.lookup(aliases...)
	if !ok {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func (o wireObject) integer(aliases ...string) (int, bool) {
	raw, ok := o.lookup(aliases...)
	if !ok {
		return 0, false
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// str decodes a string field, tolerating numeric values (the portal has
// served houseNumberAddition as both).
func (o wireObject) str(aliases ...string) (string, bool) {
	raw, ok := o.lookup(aliases...)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func (o wireObject) boolean(aliases ...string) bool {
	raw, ok := o.lookup(aliases...)
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}

func (o wireObject) object(aliases ...string) (wireObject, bool) {
	raw, ok := o.lookup(aliases...)
	if !ok {
		return nil, false
	}
	sub, err := decodeObject(raw)
	if err != nil {
		return nil, false
	}
	return sub, true
}

func (o wireObject) list(aliases ...string) ([]json.RawMessage, bool) {
	raw, ok := o.lookup(aliases...)
	if !ok {
		return nil, false
	}
	l, err := decodeList(raw)
	if err != nil {
		return nil, false
	}
	return l, true
}

// timestampFormats are tried in order; the portal omits the zone on most
// timestamps.
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (o wireObject) timestamp(aliases ...string) (time.Time, bool) {
	s, ok := o.str(aliases...)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseReading maps one wire reading onto a Reading. The timestamp is the
// only required field; every measurement independently degrades to nil.
func ParseReading(raw json.RawMessage) (Reading, error) {
	o, err := decodeObject(raw)
	if err != nil {
		return Reading{}, fmt.Errorf("reading: %w", err)
	}
	ts, ok := o.timestamp("readingDate", "ReadingDate")
	if !ok {
		return Reading{}, errors.New("reading is missing readingDate")
	}
	return Reading{
		ReadingDate:        ts,
		NormalConsumption:  o.float("normalConsumption", "NormalConsumption"),
		OffPeakConsumption: o.float("offPeakConsumption", "OffPeakConsumption"),
		NormalFeedIn:       o.float("normalFeedIn", "NormalFeedIn"),
		OffPeakFeedIn:      o.float("offPeakFeedIn", "OffPeakFeedIn"),
		Gas:                o.float("gas", "Gas"),
	}, nil
}

// ParseMeterReadings maps the per-product meter-readings listing. A reading
// without a timestamp is a hard failure; everything else degrades.
func ParseMeterReadings(raw json.RawMessage) (MeterReadings, error) {
	products, err := decodeList(raw)
	if err != nil {
		return MeterReadings{}, fmt.Errorf("meter readings: %w", err)
	}
	var m MeterReadings
	for _, rawProduct := range products {
		po, err := decodeObject(rawProduct)
		if err != nil {
			return MeterReadings{}, fmt.Errorf("meter product: %w", err)
		}
		product := MeterProduct{}
		product.ProductType, _ = po.str("productType", "ProductType")
		months, _ := po.list("months", "Months")
		for _, rawMonth := range months {
			mo, err := decodeObject(rawMonth)
			if err != nil {
				return MeterReadings{}, fmt.Errorf("meter month: %w", err)
			}
			month := MeterMonth{}
			month.Month, _ = mo.integer("month", "Month")
			readings, _ := mo.list("readings", "Readings")
			for _, rawReading := range readings {
				r, err := ParseReading(rawReading)
				if err != nil {
					return MeterReadings{}, err
				}
				month.Readings = append(month.Readings, r)
			}
			product.Months = append(product.Months, month)
		}
		m.Products = append(m.Products, product)
	}
	return m, nil
}

// ParsePreferences maps the preferences payload. The subject identifiers are
// required: without them no customer-scoped call is possible.
func ParsePreferences(raw json.RawMessage) (Preferences, error) {
	o, err := decodeObject(raw)
	if err != nil {
		return Preferences{}, fmt.Errorf("preferences: %w", err)
	}
	var p Preferences
	if id, ok := o.str("accountId", "AccountId", "AccountID"); ok {
		p.AccountID, err = uuid.Parse(id)
		if err != nil {
			return Preferences{}, fmt.Errorf("preferences accountId: %w", err)
		}
	}
	subject, ok := o.object("subject", "Subject")
	if !ok {
		return Preferences{}, errors.New("preferences is missing subject")
	}
	customer, ok := subject.integer("customerNumber", "CustomerNumber")
	if !ok {
		return Preferences{}, errors.New("preferences subject is missing customerNumber")
	}
	agreement, ok := subject.integer("agreementId", "AgreementId")
	if !ok {
		return Preferences{}, errors.New("preferences subject is missing agreementId")
	}
	p.Subject.CustomerNumber = customer
	p.Subject.AgreementID = agreement
	// observed capitalized on the wire, unlike its siblings
	p.Subject.SupplyStatus, _ = subject.integer("LeveringsStatus", "leveringsStatus")
	return p, nil
}

// ParseProfiles maps the profiles listing. Profiles only serve contract
// disambiguation, so every field degrades rather than fails.
func ParseProfiles(raw json.RawMessage) ([]Profile, error) {
	list, err := decodeList(raw)
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}
	profiles := make([]Profile, 0, len(list))
	for _, rawProfile := range list {
		o, err := decodeObject(rawProfile)
		if err != nil {
			return nil, fmt.Errorf("profile: %w", err)
		}
		var p Profile
		p.CustomerNumber, _ = o.integer("customerNumber", "CustomerNumber")
		p.AgreementID, _ = o.integer("agreementId", "AgreementId")
		p.RoleName, _ = o.str("roleName", "RoleName")
		p.Name, _ = o.str("name", "Name")
		p.Street, _ = o.str("street", "Street")
		p.HouseNumber, _ = o.integer("houseNumber", "HouseNumber")
		p.HouseNumberAddition, _ = o.str("houseNumberAddition", "HouseNumberAddition")
		p.PostalCode, _ = o.str("postalCode", "PostalCode")
		p.City, _ = o.str("city", "City")
		p.EnergySupplyStatus, _ = o.str("energySupplyStatus", "EnergySupplyStatus")
		p.MoveInDate, _ = o.timestamp("moveInDate", "MoveInDate")
		if t, ok := o.timestamp("moveOutDate", "MoveOutDate"); ok {
			p.MoveOutDate = &t
		}
		p.HasActiveGasSupply = o.boolean("hasActiveGasSupply", "HasActiveGasSupply")
		p.HasActiveElectricitySupply = o.boolean("hasActiveElectricitySupply", "HasActiveElectricitySupply")
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// ParseRates maps a tariff payload onto Rates. The shape is selected by
// structure: a "contracts" list is the current nested form, top-level
// "stroom"/"gas" objects are the legacy flat form. Anything else is a schema
// mismatch.
func ParseRates(raw json.RawMessage) (Rates, error) {
	o, err := decodeObject(raw)
	if err != nil {
		return Rates{}, fmt.Errorf("tariff payload: %w", err)
	}
	if contracts, ok := o.list("contracts", "Contracts"); ok {
		return parseContractRates(contracts)
	}
	return parseLegacyRates(o)
}

func parseContractRates(contracts []json.RawMessage) (Rates, error) {
	var r Rates
	for _, rawContract := range contracts {
		co, err := decodeObject(rawContract)
		if err != nil {
			return Rates{}, fmt.Errorf("tariff contract: %w", err)
		}
		product, _ := co.str("productType", "ProductType")
		rates, ok := co.object("rates", "Rates")
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(product, "E") && r.Electricity == nil:
			er := &ElectricityRates{}
			if ud, ok := rates.object("usageDependentElectricityRates", "UsageDependentElectricityRates"); ok {
				er.PriceSingle = ud.float("allInDeliverySingleIncludingVat", "AllInDeliverySingleIncludingVat")
				er.PriceOffPeak = ud.float("allInDeliveryLowIncludingVat", "AllInDeliveryLowIncludingVat")
				er.PriceNormal = ud.float("allInDeliveryNormalIncludingVat", "AllInDeliveryNormalIncludingVat")
				er.FeedInCompensation = ud.float("feedInCompensation", "FeedInCompensation")
				er.FeedInCost = ud.float("feedInCostIncludingVat", "FeedInCostIncludingVat")
			}
			if ui, ok := rates.object("usageIndependentElectricityRates", "UsageIndependentElectricityRates"); ok {
				er.StandingChargeDaily = ui.float("standingChargePerDayIncludingVat", "vastrechtPerDagIncBtw")
			}
			r.Electricity = er
		case strings.EqualFold(product, "G") && r.Gas == nil:
			gr := &GasRates{}
			if ud, ok := rates.object("usageDependentGasRates", "UsageDependentGasRates"); ok {
				gr.Price = ud.float("allInDeliveryIncludingVat", "AllInDeliveryIncludingVat")
			}
			if ui, ok := rates.object("usageIndependentGasRates", "UsageIndependentGasRates"); ok {
				gr.StandingChargeDaily = ui.float("standingChargePerDayIncludingVat", "vastrechtPerDagIncBtw")
			}
			r.Gas = gr
		}
	}
	return r, nil
}

func parseLegacyRates(o wireObject) (Rates, error) {
	eo, eok := o.object("stroom")
	gobj, gok := o.object("gas")
	if !eok && !gok {
		return Rates{}, errors.New("unrecognized tariff payload shape")
	}
	var r Rates
	if eok {
		r.Electricity = &ElectricityRates{
			PriceSingle:         eo.float("leveringEnkelAllIn", "leveringEnkelAllin"),
			PriceOffPeak:        eo.float("leveringLaagAllIn", "leveringLaagAllin"),
			PriceNormal:         eo.float("leveringHoogAllIn", "leveringHoogAllin"),
			FeedInCompensation:  eo.float("terugleverVergoeding"),
			FeedInCost:          eo.float("terugleverKostenIncBtw"),
			StandingChargeDaily: eo.float("vastrechtPerDagIncBtw"),
		}
	}
	if gok {
		r.Gas = &GasRates{
			Price:               gobj.float("leveringAllIn", "leveringAllin"),
			StandingChargeDaily: gobj.float("vastrechtPerDagIncBtw"),
		}
	}
	return r, nil
}
