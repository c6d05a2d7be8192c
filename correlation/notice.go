// Package correlation matches science alerts against multi-messenger notices
// (GCN) received from Kafka. It implements the secondary streaming job.
package correlation

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Notice is an external transient alert with a sky localisation
type Notice struct {
	ID          string    `json:"id"`
	Instrument  string    `json:"instrument"`
	TriggerJD   float64   `json:"trigger_jd"`
	RA          float64   `json:"ra"`        // degrees
	Dec         float64   `json:"dec"`       // degrees
	ErrorRadius float64   `json:"error_deg"` // degrees
	ReceivedAt  time.Time `json:"-"`
}

// ParseNotice decodes and validates a JSON notice
func ParseNotice(data []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return Notice{}, fmt.Errorf("failed to decode notice: %w", err)
	}
	if err := n.Validate(); err != nil {
		return Notice{}, err
	}
	return n, nil
}

// Validate checks the localisation is usable
func (n Notice) Validate() error {
	switch {
	case n.ID == "":
		return fmt.Errorf("notice without id")
	case n.TriggerJD <= 0:
		return fmt.Errorf("notice %s: invalid trigger jd %v", n.ID, n.TriggerJD)
	case n.RA < 0 || n.RA >= 360:
		return fmt.Errorf("notice %s: ra %v out of range", n.ID, n.RA)
	case n.Dec < -90 || n.Dec > 90:
		return fmt.Errorf("notice %s: dec %v out of range", n.ID, n.Dec)
	case n.ErrorRadius <= 0 || n.ErrorRadius > 180:
		return fmt.Errorf("notice %s: error radius %v out of range", n.ID, n.ErrorRadius)
	}
	return nil
}

// AngularSeparation returns the great-circle distance in degrees between two
// equatorial positions given in degrees (haversine formula)
func AngularSeparation(ra1, dec1, ra2, dec2 float64) float64 {
	const rad = math.Pi / 180
	dra := (ra2 - ra1) * rad
	ddec := (dec2 - dec1) * rad

	a := math.Sin(ddec/2)*math.Sin(ddec/2) +
		math.Cos(dec1*rad)*math.Cos(dec2*rad)*math.Sin(dra/2)*math.Sin(dra/2)
	if a > 1 {
		a = 1
	}
	return 2 * math.Asin(math.Sqrt(a)) / rad
}
