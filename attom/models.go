package attom

import (
	"encoding/json"
	"strconv"
	"strings"
)

// stringNumber accepts string or number JSON and stores as string
type stringNumber string

func (s *stringNumber) UnmarshalJSON(b []byte) error {
	// empty/null -> empty string
	if string(b) == "null" {
		*s = ""
		return nil
	}
	// If already a quoted string
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = stringNumber(str)
		return nil
	}
	// Try as number, keep textual form
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*s = stringNumber(num.String())
	return nil
}

func (s stringNumber) Float() float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(string(s)), ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

func (s stringNumber) Int() int { return int(s.Float()) }

type status struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Total int    `json:"total"`
}

type address struct {
	OneLine string `json:"oneLine"`
	Line1   string `json:"line1"`
	Line2   string `json:"line2"`
	City    string `json:"locality"`
	State   string `json:"countrySubd"`
	Zip     string `json:"postal1"`
}

type location struct {
	Latitude  stringNumber `json:"latitude"`
	Longitude stringNumber `json:"longitude"`
	Distance  stringNumber `json:"distance"`
}

type building struct {
	Size struct {
		LivingSize    stringNumber `json:"livingsize"`
		UniversalSize stringNumber `json:"universalsize"`
	} `json:"size"`
	Rooms struct {
		Beds       stringNumber `json:"beds"`
		BathsTotal stringNumber `json:"bathstotal"`
	} `json:"rooms"`
	Construction struct {
		Condition string `json:"condition"`
	} `json:"construction"`
	Summary struct {
		YearBuiltEffective stringNumber `json:"yearbuilteffective"`
	} `json:"summary"`
}

type saleAmount struct {
	SaleAmt     stringNumber `json:"saleamt"`
	SaleRecDate string       `json:"salerecdate"`
}

type property struct {
	Identifier struct {
		AttomID stringNumber `json:"attomId"`
	} `json:"identifier"`
	Address  address  `json:"address"`
	Location location `json:"location"`
	Summary  struct {
		PropType  string       `json:"proptype"`
		YearBuilt stringNumber `json:"yearbuilt"`
	} `json:"summary"`
	Building building `json:"building"`
	Sale     struct {
		Amount         saleAmount `json:"amount"`
		SaleSearchDate string     `json:"salesearchdate"`
		SaleTransDate  string     `json:"saleTransDate"`
	} `json:"sale"`
	AVM struct {
		Amount struct {
			Value stringNumber `json:"value"`
			Score stringNumber `json:"scr"`
			High  stringNumber `json:"high"`
			Low   stringNumber `json:"low"`
		} `json:"amount"`
	} `json:"avm"`
	SaleHistory []struct {
		Amount saleAmount `json:"amount"`
	} `json:"salehistory"`
}

type propertyEnvelope struct {
	Status   status     `json:"status"`
	Property []property `json:"property"`
}

type trendEnvelope struct {
	Status     status `json:"status"`
	SalesTrend []struct {
		DateRange struct {
			Start    string `json:"start"`
			End      string `json:"end"`
			Interval string `json:"interval"`
		} `json:"daterange"`
		SaleTrend struct {
			HomeSaleCount stringNumber `json:"homesalecount"`
			AvgSalePrice  stringNumber `json:"avgsaleprice"`
			MedSalePrice  stringNumber `json:"medsaleprice"`
		} `json:"SaleTrend"`
	} `json:"salestrend"`
}
