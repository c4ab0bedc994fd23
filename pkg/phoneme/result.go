package phoneme

import "time"

// Result is what consumers receive every cycle
type Result struct {
	Sequence  uint64             `json:"sequence"`
	SessionID string             `json:"session_id,omitempty"`
	Phoneme   string             `json:"phoneme"`
	Index     int                `json:"index"`
	Ratios    map[string]float64 `json:"ratios"`
	Volume    float64            `json:"volume"`
	RawVolume float64            `json:"raw_volume"`
	Silent    bool               `json:"silent"`
	Features  []float64          `json:"features,omitempty"`
	Formants  []float64          `json:"formants,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// EmptyResult returns the result reported before the first computation
func EmptyResult() Result {
	return Result{Index: -1, Ratios: map[string]float64{}}
}

// Clone returns a copy that shares no memory with r
func (r Result) Clone() Result {
	c := r
	c.Ratios = make(map[string]float64, len(r.Ratios))
	for k, v := range r.Ratios {
		c.Ratios[k] = v
	}
	if r.Features != nil {
		c.Features = append([]float64(nil), r.Features...)
	}
	if r.Formants != nil {
		c.Formants = append([]float64(nil), r.Formants...)
	}
	return c
}

// RatioMap keys ratios by entry name
func RatioMap(names []string, ratios []float64) map[string]float64 {
	m := make(map[string]float64, len(names))
	for i, name := range names {
		if i < len(ratios) {
			m[name] = ratios[i]
		} else {
			m[name] = 0
		}
	}
	return m
}
