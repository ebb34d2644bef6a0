package attom

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/yourorg/valuation-api/internal/canon"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
)

// ATTOM comps come from recorded deeds matched by radius, which we trust
// more than listing-portal scrapes.
const compQuality = 85

func decodeProperties(raw []byte) ([]property, error) {
	var root propertyEnvelope
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, provider.Malformed(ProviderID, err)
	}
	return root.Property, nil
}

func (p property) canonical() canon.Address {
	line1 := nonEmpty(p.Address.Line1, p.Address.OneLine)
	return canon.Canonicalize(line1, p.Address.City, p.Address.State, p.Address.Zip)
}

// pickSubject chooses the record for the requested identity. ATTOM answers
// ambiguous addresses with several candidates; when none is the subject the
// response says nothing about it.
func pickSubject(props []property, id model.PropertyIdentity) (property, bool) {
	if len(props) == 0 {
		return property{}, false
	}
	want := canon.CanonicalizeIdentity(id)
	for _, p := range props {
		if p.canonical().SameProperty(want) {
			return p, true
		}
	}
	return property{}, false
}

// MapComps maps a sale snapshot into comps, dropping the subject itself
// and anything sold before cutoff.
func MapComps(raw []byte, p provider.Params, cutoff time.Time) ([]model.Comp, error) {
	props, err := decodeProperties(raw)
	if err != nil {
		return nil, err
	}
	subject := canon.CanonicalizeIdentity(p.Identity)
	out := make([]model.Comp, 0, len(props))
	for _, pr := range props {
		addr := pr.canonical()
		if addr.SameProperty(subject) {
			continue
		}
		sold := parseDate(firstNonEmpty(pr.Sale.Amount.SaleRecDate, pr.Sale.SaleSearchDate, pr.Sale.SaleTransDate))
		if !sold.IsZero() && sold.Before(cutoff) {
			continue
		}
		c := model.Comp{
			Address:          firstNonEmpty(pr.Address.OneLine, addr.OneLine()),
			Price:            pr.Sale.Amount.SaleAmt.Float(),
			Sqft:             maxInt(pr.Building.Size.LivingSize.Int(), pr.Building.Size.UniversalSize.Int()),
			Beds:             maxInt(pr.Building.Rooms.Beds.Int(), provider.DefaultBeds),
			Baths:            maxFloat(pr.Building.Rooms.BathsTotal.Float(), provider.DefaultBaths),
			SaleDate:         sold,
			DistanceMiles:    pr.Location.Distance.Float(),
			Condition:        model.ParseCondition(pr.Building.Construction.Condition),
			SourceProviderID: ProviderID,
			QualityScore:     compQuality,
			IsReal:           true,
			Lat:              coord(pr.Location.Latitude),
			Lon:              coord(pr.Location.Longitude),
		}
		out = append(out, c)
		if p.MaxComps > 0 && len(out) == p.MaxComps {
			break
		}
	}
	return out, nil
}

// MapAVM extracts the automated valuation. The AVM confidence score (0-100)
// becomes the estimate's weight hint.
func MapAVM(raw []byte, id model.PropertyIdentity) (*model.Estimate, error) {
	props, err := decodeProperties(raw)
	if err != nil {
		return nil, err
	}
	subj, ok := pickSubject(props, id)
	if !ok {
		return nil, nil
	}
	v := subj.AVM.Amount.Value.Float()
	if v <= 0 {
		return nil, nil
	}
	w := subj.AVM.Amount.Score.Float() / 100
	if w <= 0 || w > 1 {
		w = 1
	}
	return &model.Estimate{SourceProviderID: ProviderID, Value: v, Weight: w}, nil
}

func MapDetail(raw []byte, id model.PropertyIdentity) (*model.PropertyDetail, error) {
	props, err := decodeProperties(raw)
	if err != nil {
		return nil, err
	}
	subj, ok := pickSubject(props, id)
	if !ok {
		return nil, nil
	}
	return &model.PropertyDetail{
		Beds:         subj.Building.Rooms.Beds.Int(),
		Baths:        subj.Building.Rooms.BathsTotal.Float(),
		Sqft:         maxInt(subj.Building.Size.LivingSize.Int(), subj.Building.Size.UniversalSize.Int()),
		YearBuilt:    maxInt(subj.Summary.YearBuilt.Int(), subj.Building.Summary.YearBuiltEffective.Int()),
		PropertyType: subj.Summary.PropType,
		Lat:          coord(subj.Location.Latitude),
		Lon:          coord(subj.Location.Longitude),
	}, nil
}

// MapHistory returns the subject's recorded sales oldest first.
func MapHistory(raw []byte, id model.PropertyIdentity) ([]model.SaleEvent, error) {
	props, err := decodeProperties(raw)
	if err != nil {
		return nil, err
	}
	subj, ok := pickSubject(props, id)
	if !ok {
		return nil, nil
	}
	out := make([]model.SaleEvent, 0, len(subj.SaleHistory))
	for _, h := range subj.SaleHistory {
		out = append(out, model.SaleEvent{
			Date:  parseDate(h.Amount.SaleRecDate),
			Price: h.Amount.SaleAmt.Float(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// MapTrend turns yearly median sale prices into one and five year change.
func MapTrend(raw []byte) (*model.AreaTrend, error) {
	var root trendEnvelope
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, provider.Malformed(ProviderID, err)
	}
	type point struct {
		start  string
		median float64
	}
	pts := make([]point, 0, len(root.SalesTrend))
	for _, t := range root.SalesTrend {
		m := t.SaleTrend.MedSalePrice.Float()
		if m <= 0 {
			m = t.SaleTrend.AvgSalePrice.Float()
		}
		if m > 0 {
			pts = append(pts, point{start: t.DateRange.Start, median: m})
		}
	}
	if len(pts) == 0 {
		return nil, nil
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].start < pts[j].start })
	last := pts[len(pts)-1]
	trend := &model.AreaTrend{MedianValue: last.median}
	if len(pts) >= 2 {
		ch := last.median/pts[len(pts)-2].median - 1
		trend.ChangePct1Y = &ch
	}
	if len(pts) >= 6 {
		ch := last.median/pts[len(pts)-6].median - 1
		trend.ChangePct5Y = &ch
	}
	return trend, nil
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "2006-01-02T15:04:05", "1/2/2006"}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func coord(s stringNumber) *float64 {
	if s == "" {
		return nil
	}
	v := s.Float()
	if v == 0 {
		return nil
	}
	return &v
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func maxInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func maxFloat(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
