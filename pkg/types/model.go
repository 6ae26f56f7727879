package types

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Product type tags as they appear in the portal's meter-readings payloads.
const (
	ProductElectricity = "stroom"
	ProductGas         = "gas"
)

// Credentials are the portal login credentials. Both fields must be
// non-empty; a missing value is a configuration error, not something worth
// retrying at runtime.
type Credentials struct {
	Username string
	Password string
}

// Snapshot is the merged output of one update cycle. Every field is
// independently nullable: a nil pointer means the upstream either does not
// supply the product or the corresponding call failed this cycle.
type Snapshot struct {
	ElectricityConsumptionOffPeak *float64   `json:"electricity_consumption_off_peak"`
	ElectricityConsumptionNormal  *float64   `json:"electricity_consumption_normal"`
	ElectricityConsumptionTotal   *float64   `json:"electricity_consumption_total"`
	ElectricityFeedInOffPeak      *float64   `json:"electricity_feed_in_off_peak"`
	ElectricityFeedInNormal       *float64   `json:"electricity_feed_in_normal"`
	ElectricityFeedInTotal        *float64   `json:"electricity_feed_in_total"`
	ElectricityReadingDate        *time.Time `json:"electricity_reading_date"`
	ElectricityPriceSingle        *float64   `json:"electricity_price_single"`
	ElectricityPriceOffPeak       *float64   `json:"electricity_price_off_peak"`
	ElectricityPriceNormal        *float64   `json:"electricity_price_normal"`
	ElectricityFeedInCompensation *float64   `json:"electricity_feed_in_compensation"`
	ElectricityFeedInCost         *float64   `json:"electricity_feed_in_cost"`
	GasConsumption                *float64   `json:"gas_consumption"`
	GasReadingDate                *time.Time `json:"gas_reading_date"`
	GasPrice                      *float64   `json:"gas_price"`
}

// Reading is a single meter snapshot. Every measurement is independently
// optional: nil means "not applicable to this meter type", not zero.
type Reading struct {
	ReadingDate        time.Time
	NormalConsumption  *float64
	OffPeakConsumption *float64
	NormalFeedIn       *float64
	OffPeakFeedIn      *float64
	Gas                *float64
}

// MeterMonth groups the readings reported for one month.
type MeterMonth struct {
	Month    int
	Readings []Reading
}

// MeterProduct holds the monthly reading groups for one product type.
type MeterProduct struct {
	ProductType string
	Months      []MeterMonth
}

// MeterReadings is the parsed meter-readings listing for one year.
type MeterReadings struct {
	Products []MeterProduct
}

// LatestElectricity returns the most recent electricity reading, or nil when
// the customer has no electricity product.
func (m MeterReadings) LatestElectricity() *Reading {
	return m.latest(ProductElectricity)
}

// LatestGas returns the most recent gas reading, or nil when the customer
// has no gas product.
func (m MeterReadings) LatestGas() *Reading {
	return m.latest(ProductGas)
}

// latest picks the reading with the greatest (month, readingDate) pair.
// Months arrive unordered on the wire; ties keep wire order, hence the
// stable sorts.
func (m MeterReadings) latest(product string) *Reading {
	for _, p := range m.Products {
		if !strings.EqualFold(p.ProductType, product) {
			continue
		}
		months := append([]MeterMonth(nil), p.Months...)
		sort.SliceStable(months, func(i, j int) bool {
			return months[i].Month > months[j].Month
		})
		for _, mo := range months {
			readings := append([]Reading(nil), mo.Readings...)
			sort.SliceStable(readings, func(i, j int) bool {
				return readings[i].ReadingDate.After(readings[j].ReadingDate)
			})
			if len(readings) > 0 {
				r := readings[0]
				return &r
			}
		}
	}
	return nil
}

// PreferencesSubject identifies the contract the account currently points
// at. These identifiers drive all customer-scoped endpoints.
type PreferencesSubject struct {
	CustomerNumber int
	AgreementID    int
	SupplyStatus   int
}

// Preferences is the parsed /api/v2/Preferences/ payload, the source of
// truth for customer identifiers when they are not pre-configured.
type Preferences struct {
	AccountID uuid.UUID
	Subject   PreferencesSubject
}

// Profile is one entry of the /api/v2/Profiles/ listing. An account may
// carry several; the caller uses these to pick a customer/agreement pair.
type Profile struct {
	CustomerNumber             int        `json:"customer_number"`
	AgreementID                int        `json:"agreement_id"`
	RoleName                   string     `json:"role_name,omitempty"`
	Name                       string     `json:"name,omitempty"`
	Street                     string     `json:"street,omitempty"`
	HouseNumber                int        `json:"house_number,omitempty"`
	HouseNumberAddition        string     `json:"house_number_addition,omitempty"`
	PostalCode                 string     `json:"postal_code,omitempty"`
	City                       string     `json:"city,omitempty"`
	EnergySupplyStatus         string     `json:"energy_supply_status,omitempty"`
	MoveInDate                 time.Time  `json:"move_in_date,omitzero"`
	MoveOutDate                *time.Time `json:"move_out_date,omitempty"`
	HasActiveGasSupply         bool       `json:"has_active_gas_supply"`
	HasActiveElectricitySupply bool       `json:"has_active_electricity_supply"`
}

// ElectricityRates are the usage-dependent electricity prices of the current
// contract, all including VAT.
type ElectricityRates struct {
	PriceSingle         *float64
	PriceOffPeak        *float64
	PriceNormal         *float64
	FeedInCompensation  *float64
	FeedInCost          *float64
	StandingChargeDaily *float64
}

// GasRates are the usage-dependent gas prices of the current contract,
// including VAT.
type GasRates struct {
	Price               *float64
	StandingChargeDaily *float64
}

// Rates holds at most one authoritative contract per product type: the
// first contract matching the product tag in wire order.
type Rates struct {
	Electricity *ElectricityRates
	Gas         *GasRates
}

// FloatPtr returns a pointer to v. Convenience for building Snapshots.
func FloatPtr(v float64) *float64 { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
