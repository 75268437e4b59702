package prusa

import "encoding/json"

// printerResponse is the subset of GET /api/printer this driver consumes.
type printerResponse struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Printing bool `json:"printing"`
			Paused   bool `json:"paused"`
			Error    bool `json:"error"`
			Ready    bool `json:"ready"`
		} `json:"flags"`
	} `json:"state"`
	Temperature struct {
		Bed struct {
			Actual float64 `json:"actual"`
			Target float64 `json:"target"`
		} `json:"bed"`
		Tool0 struct {
			Actual float64 `json:"actual"`
			Target float64 `json:"target"`
		} `json:"tool0"`
	} `json:"temperature"`
}

// jobResponse is the subset of GET /api/job this driver consumes. Progress
// is heterogeneous across firmware versions: sometimes a bare percent under
// "progress", sometimes an object with a 0..1 "completion" field.
type jobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
			Path string `json:"path"`
		} `json:"file"`
	} `json:"job"`
	Progress json.RawMessage `json:"progress"`
}

// progressPercent normalizes jobResponse.Progress to a 0-100 percent,
// accepting either a bare number or {"completion": 0..1}.
func (j *jobResponse) progressPercent() (float64, bool) {
	if len(j.Progress) == 0 {
		return 0, false
	}

	var asNumber float64
	if err := json.Unmarshal(j.Progress, &asNumber); err == nil {
		return clampFraction(asNumber), true
	}

	var asObject struct {
		Completion *float64 `json:"completion"`
	}
	if err := json.Unmarshal(j.Progress, &asObject); err == nil && asObject.Completion != nil {
		return clampFraction(*asObject.Completion), true
	}
	return 0, false
}

func clampFraction(v float64) float64 {
	if v > 0 && v <= 1 {
		return v * 100
	}
	return v
}

// timingFields captures the several historical names PrusaLink has used for
// elapsed/remaining print time, in minutes.
type timingFields struct {
	TimePrinting  *int `json:"time_printing,omitempty"`
	TimeRemaining *int `json:"time_remaining,omitempty"`
	PrintTime     *int `json:"print_time,omitempty"`
	PrintTimeLeft *int `json:"print_time_left,omitempty"`
}

func (t timingFields) elapsedMinutes() *int {
	if t.TimePrinting != nil {
		return t.TimePrinting
	}
	return t.PrintTime
}

func (t timingFields) remainingMinutes() *int {
	if t.TimeRemaining != nil {
		return t.TimeRemaining
	}
	return t.PrintTimeLeft
}

// timing extracts whichever timing field names this firmware uses from the
// raw progress object. A bare-number progress payload yields empty timings.
func (j *jobResponse) timing() timingFields {
	var t timingFields
	if len(j.Progress) > 0 {
		_ = json.Unmarshal(j.Progress, &t)
	}
	return t
}

// fileIndexResponse is the subset of GET /api/files this driver consumes.
type fileIndexResponse struct {
	Files []fileEntry `json:"files"`
}

type fileEntry struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Origin   string      `json:"origin"` // storage, e.g. "local" or "sdcard"
	Size     int64       `json:"size"`
	Date     int64       `json:"date"`
	Refs     fileRefs    `json:"refs"`
	Type     string      `json:"type"`
	Children []fileEntry `json:"children,omitempty"`
}

type fileRefs struct {
	Download  string `json:"download"`
	Thumbnail string `json:"thumbnail"`
	Icon      string `json:"icon"`
}
