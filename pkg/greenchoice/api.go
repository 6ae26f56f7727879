package greenchoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/greenmeter/greenmeter/pkg/log"
	"github.com/greenmeter/greenmeter/pkg/types"
)

// errTariffSchema marks tariff payloads the parser could not recognize.
// Schema drift in the contract API must not take the usage values down with
// it, so Update treats this error as "prices unavailable this cycle".
var errTariffSchema = errors.New("unrecognized tariff payload")

// GetPreferences fetches the account preferences, the source of truth for
// the customer number and agreement ID.
func (c *Client) GetPreferences(ctx context.Context) (types.Preferences, error) {
	res, err := c.request(ctx, http.MethodGet, "/api/v2/Preferences/", nil)
	if err != nil {
		return types.Preferences{}, err
	}
	if res.Empty {
		return types.Preferences{}, &APIError{Op: "preferences", Err: errors.New("no preferences available for this account")}
	}
	p, err := types.ParsePreferences(res.Data)
	if err != nil {
		return types.Preferences{}, &APIError{Op: "preferences", Err: err}
	}
	return p, nil
}

// GetProfiles lists the customer/agreement pairs the account can act for.
func (c *Client) GetProfiles(ctx context.Context) ([]types.Profile, error) {
	res, err := c.request(ctx, http.MethodGet, "/api/v2/Profiles/", nil)
	if err != nil {
		return nil, err
	}
	if res.Empty {
		return nil, nil
	}
	profiles, err := types.ParseProfiles(res.Data)
	if err != nil {
		return nil, &APIError{Op: "profiles", Err: err}
	}
	return profiles, nil
}

// GetMeterReadings fetches the current year's meter readings for the
// configured customer and agreement. A 404 yields an empty listing: a new
// customer simply has no readings yet.
func (c *Client) GetMeterReadings(ctx context.Context) (types.MeterReadings, error) {
	customerNumber, agreementID := c.identifiers()
	endpoint := fmt.Sprintf("/api/v2/customers/%d/agreements/%d/meter-readings/%d/",
		customerNumber, agreementID, time.Now().UTC().Year())
	res, err := c.request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.MeterReadings{}, err
	}
	if res.Empty {
		return types.MeterReadings{}, nil
	}
	m, err := types.ParseMeterReadings(res.Data)
	if err != nil {
		return types.MeterReadings{}, &APIError{Op: "meter-readings", Err: err}
	}
	return m, nil
}

// GetRates fetches the current contract's tariffs. A 404 means the customer
// is on a portal generation without the contract API; the zero Rates value
// is returned without error. An unrecognized payload shape wraps
// errTariffSchema.
func (c *Client) GetRates(ctx context.Context) (types.Rates, error) {
	customerNumber, agreementID := c.identifiers()
	endpoint := fmt.Sprintf("/api/v2/customers/%d/agreements/%d/contracts/current", customerNumber, agreementID)
	res, err := c.request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.Rates{}, err
	}
	if res.Empty {
		return types.Rates{}, nil
	}
	rates, err := types.ParseRates(res.Data)
	if err != nil {
		return types.Rates{}, &APIError{Op: "contracts", Err: fmt.Errorf("%w: %v", errTariffSchema, err)}
	}
	return rates, nil
}

// Update runs one full refresh cycle and returns a merged Snapshot. It never
// returns an error: each field stays nil when its source call failed, so a
// broken tariff endpoint cannot take the usage values down with it. Only an
// unresolvable customer identity short-circuits the cycle, yielding an
// all-null snapshot.
func (c *Client) Update(ctx context.Context) types.Snapshot {
	var snap types.Snapshot

	customerNumber, agreementID := c.identifiers()
	if customerNumber == 0 || agreementID == 0 {
		prefs, err := c.GetPreferences(ctx)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "cannot resolve customer identifiers", slog.Any("error", err))
			return snap
		}
		c.setIdentifiers(prefs.Subject.CustomerNumber, prefs.Subject.AgreementID)
	}

	if err := c.updateUsage(ctx, &snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot update usage values", slog.Any("error", err))
	}
	if err := c.updateRates(ctx, &snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot update contract values", slog.Any("error", err))
	}
	return snap
}

func (c *Client) updateUsage(ctx context.Context, snap *types.Snapshot) error {
	log.Ctx(ctx).DebugContext(ctx, "retrieving meter readings")
	readings, err := c.GetMeterReadings(ctx)
	if err != nil {
		return err
	}
	if e := readings.LatestElectricity(); e != nil {
		snap.ElectricityConsumptionOffPeak = e.OffPeakConsumption
		snap.ElectricityConsumptionNormal = e.NormalConsumption
		if e.OffPeakConsumption != nil && e.NormalConsumption != nil {
			snap.ElectricityConsumptionTotal = types.FloatPtr(*e.OffPeakConsumption + *e.NormalConsumption)
		}
		snap.ElectricityFeedInOffPeak = e.OffPeakFeedIn
		snap.ElectricityFeedInNormal = e.NormalFeedIn
		if e.OffPeakFeedIn != nil && e.NormalFeedIn != nil {
			snap.ElectricityFeedInTotal = types.FloatPtr(*e.OffPeakFeedIn + *e.NormalFeedIn)
		}
		snap.ElectricityReadingDate = types.TimePtr(e.ReadingDate)
	}
	if g := readings.LatestGas(); g != nil {
		snap.GasConsumption = g.Gas
		snap.GasReadingDate = types.TimePtr(g.ReadingDate)
	}
	return nil
}

func (c *Client) updateRates(ctx context.Context, snap *types.Snapshot) error {
	log.Ctx(ctx).DebugContext(ctx, "retrieving contract rates")
	rates, err := c.GetRates(ctx)
	if errors.Is(err, errTariffSchema) {
		// older portal generations ship tariff shapes we do not model;
		// leave the prices unset rather than failing the cycle
		log.Ctx(ctx).DebugContext(ctx, "unusable tariff payload", slog.Any("error", err))
		return nil
	}
	if err != nil {
		return err
	}
	if e := rates.Electricity; e != nil {
		snap.ElectricityPriceSingle = e.PriceSingle
		snap.ElectricityPriceOffPeak = e.PriceOffPeak
		snap.ElectricityPriceNormal = e.PriceNormal
		snap.ElectricityFeedInCompensation = e.FeedInCompensation
		snap.ElectricityFeedInCost = e.FeedInCost
	}
	if g := rates.Gas; g != nil {
		snap.GasPrice = g.Price
	}
	return nil
}
