package hohonu

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Response struct {
	Meta Meta `json:"meta"`
	Data struct {
		WaterLevel []Observation `json:"waterlevel"`
	} `json:"data"`
}

type Meta struct {
	Location        string `json:"location"`
	StationID       string `json:"station_id"`
	DataSource      string `json:"data_source"`
	MeasurementType string `json:"measurement_type"`
	Datum           struct {
		Label string `json:"label"`
		Unit  string `json:"unit"`
	} `json:"datum"`
}

// Observation is one sample; f carries the comma separated QC test flags.
type Observation struct {
	Time     string          `json:"t"`
	Observed json.RawMessage `json:"o"`
	Forecast json.RawMessage `json:"p"`
	Flags    *string         `json:"f"`
}

// QCTests are the flag columns, in the order the API reports them.
var QCTests = []string{
	"gap_test",
	"gross_range_test",
	"spike_test",
	"flat_line_test",
	"rate_of_change_test",
	"neighbor_test",
}

// Table flattens the observations into CSV columns: time, observed,
// forecast and, when the API sent flags, one column per QC test.
func (r Response) Table() ([]string, [][]string, error) {
	withFlags := false
	for _, o := range r.Data.WaterLevel {
		if o.Flags != nil {
			withFlags = true
			break
		}
	}
	header := []string{"time", "observed", "forecast"}
	if withFlags {
		header = append(header, QCTests...)
	}
	rows := make([][]string, 0, len(r.Data.WaterLevel))
	for i, o := range r.Data.WaterLevel {
		if strings.TrimSpace(o.Time) == "" {
			return nil, nil, fmt.Errorf("observation %d has no time: %w", i, ErrNoData)
		}
		row := []string{o.Time, scalar(o.Observed), scalar(o.Forecast)}
		if withFlags {
			flags := make([]string, len(QCTests))
			if o.Flags != nil {
				parts := strings.Split(*o.Flags, ",")
				if len(parts) != len(QCTests) {
					return nil, nil, fmt.Errorf("observation %d has %d flags, want %d", i, len(parts), len(QCTests))
				}
				copy(flags, parts)
			}
			row = append(row, flags...)
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func scalar(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}
