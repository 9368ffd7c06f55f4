package exposure

import (
	"fmt"
	"math"

	"github.com/arsenis-cmd/AirAware/internal/aqi"
	"github.com/arsenis-cmd/AirAware/internal/model"
)

// Sensitivity levels of a health profile
const (
	SensitivityLow      = "low"
	SensitivityModerate = "moderate"
	SensitivityHigh     = "high"
	SensitivityVeryHigh = "very_high"
)

// Where the activity takes place
const (
	LocationIndoor  = "indoor"
	LocationOutdoor = "outdoor"
)

// Recommendation priorities
const (
	PriorityInfo   = "info"
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// The long activity names are accepted as aliases of the exposure ones
var activityAliases = map[string]string{
	ActivityResting:     ActivityResting,
	ActivityLight:       ActivityLight,
	ActivityModerate:    ActivityModerate,
	ActivityIntense:     ActivityIntense,
	"light_activity":    ActivityLight,
	"moderate_exercise": ActivityModerate,
	"intense_exercise":  ActivityIntense,
}

var activityMultipliers = map[string]float64{
	ActivityResting:  1.0,
	ActivityLight:    1.3,
	ActivityModerate: 1.8,
	ActivityIntense:  2.5,
}

var sensitivityMultipliers = map[string]float64{
	SensitivityLow:      0.8,
	SensitivityModerate: 1.0,
	SensitivityHigh:     1.4,
	SensitivityVeryHigh: 1.8,
}

// co2Stuffy is the indoor CO2 ppm above which ventilation is advised
const co2Stuffy = 1000

// purifierPM25 is the indoor PM2.5 above which a purifier is advised
const purifierPM25 = 35

// AirConditions is the air a person is about to be exposed to. A missing
// AQI is derived from PM2.5.
type AirConditions struct {
	AQI  *int    `json:"aqi,omitempty"`
	PM25 float64 `json:"pm25"`
	CO2  *int    `json:"co2,omitempty"`
}

// HealthProfile holds the conditions that scale risk
type HealthProfile struct {
	Age            int    `json:"age"`
	Asthma         bool   `json:"has_asthma"`
	COPD           bool   `json:"has_copd"`
	HeartCondition bool   `json:"has_heart_condition"`
	Pregnant       bool   `json:"is_pregnant"`
	Child          bool   `json:"is_child"`
	Elderly        bool   `json:"is_elderly"`
	Sensitivity    string `json:"sensitivity_level"`
}

// RiskRequest is one planned activity
type RiskRequest struct {
	Air             AirConditions `json:"air_quality"`
	Profile         HealthProfile `json:"health_profile"`
	Activity        string        `json:"intended_activity"`
	DurationMinutes int           `json:"duration_minutes"`
	Location        string        `json:"location_type"`
}

// Recommendation is one suggested action
type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
	Message  string `json:"message"`
}

// RiskAssessment is the personalised risk of a planned activity
type RiskAssessment struct {
	RiskScore              float64          `json:"risk_score"`
	RiskLevel              string           `json:"risk_level"`
	AQI                    int              `json:"aqi"`
	AQICategory            aqi.Category     `json:"aqi_category"`
	Recommendations        []Recommendation `json:"recommendations"`
	SafeActivityMinutes    int              `json:"safe_activity_duration"`
	RequiresMask           bool             `json:"requires_mask"`
	AirPurifierRecommended bool             `json:"air_purifier_recommended"`
}

// normalize validates the request and fills the defaults: moderate
// sensitivity, outdoor location and an AQI computed from PM2.5
func (r RiskRequest) normalize() (RiskRequest, int, error) {
	activity, ok := activityAliases[r.Activity]
	if !ok {
		return r, 0, model.NewValidationError("intended_activity", fmt.Sprintf("unknown activity %q", r.Activity))
	}
	r.Activity = activity

	if r.Profile.Sensitivity == "" {
		r.Profile.Sensitivity = SensitivityModerate
	}
	if _, ok := sensitivityMultipliers[r.Profile.Sensitivity]; !ok {
		return r, 0, model.NewValidationError("sensitivity_level", fmt.Sprintf("unknown level %q", r.Profile.Sensitivity))
	}

	switch r.Location {
	case "":
		r.Location = LocationOutdoor
	case LocationIndoor, LocationOutdoor:
	default:
		return r, 0, model.NewValidationError("location_type", "must be indoor or outdoor")
	}

	if r.Profile.Age < 0 {
		return r, 0, model.NewValidationError("age", "must not be negative")
	}
	if r.DurationMinutes < 0 {
		return r, 0, model.NewValidationError("duration_minutes", "must not be negative")
	}
	if r.Air.PM25 < 0 {
		return r, 0, model.NewValidationError("pm25", "must not be negative")
	}

	if r.Air.AQI == nil {
		index, _ := aqi.Compute(r.Air.PM25)
		return r, index, nil
	}
	if *r.Air.AQI < 0 || *r.Air.AQI > 500 {
		return r, 0, model.NewValidationError("aqi", "must be within 0..500")
	}
	return r, *r.Air.AQI, nil
}

// Assess scores the health risk of a planned activity on a 0..100 scale
// and derives advice from it
func Assess(req RiskRequest) (RiskAssessment, error) {
	req, index, err := req.normalize()
	if err != nil {
		return RiskAssessment{}, err
	}

	score := riskScore(index, req.Air.PM25, req.Profile, req.Activity)
	out := RiskAssessment{
		RiskScore:           math.Round(score*10) / 10,
		RiskLevel:           scoreLevel(score),
		AQI:                 index,
		AQICategory:         aqi.CategoryFor(index),
		SafeActivityMinutes: safeMinutes(index, req.Profile.Sensitivity),
		RequiresMask:        score > 60 && req.Location == LocationOutdoor,
		AirPurifierRecommended: req.Location == LocationIndoor &&
			(req.Air.PM25 > purifierPM25 || index > 100),
	}
	out.Recommendations = recommend(score, req)
	return out, nil
}

func riskScore(index int, pm25 float64, p HealthProfile, activity string) float64 {
	risk := float64(index) / 5
	if pm25 > 0 {
		risk = math.Max(risk, math.Min(pm25/2, 100))
	}
	risk *= activityMultipliers[activity]
	risk *= sensitivityMultipliers[p.Sensitivity]

	if p.Asthma || p.COPD {
		risk *= 1.5
	}
	if p.HeartCondition {
		risk *= 1.3
	}
	if p.Child || p.Elderly {
		risk *= 1.2
	}
	if p.Pregnant {
		risk *= 1.3
	}
	switch {
	case p.Age < 12:
		risk *= 1.2
	case p.Age > 65:
		risk *= 1.3
	}
	return math.Min(risk, 100)
}

func scoreLevel(score float64) string {
	switch {
	case score < 30:
		return RiskLow
	case score < 50:
		return RiskModerate
	case score < 70:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// safeMinutes is how long outdoor activity stays reasonable at this AQI
func safeMinutes(index int, sensitivity string) int {
	switch {
	case index < 50:
		return 240
	case index < 100:
		return 120
	case index < 150:
		if sensitivity == SensitivityHigh || sensitivity == SensitivityVeryHigh {
			return 30
		}
		return 60
	case index < 200:
		if sensitivity == SensitivityLow {
			return 30
		}
		return 15
	default:
		return 0
	}
}

func recommend(score float64, req RiskRequest) []Recommendation {
	var out []Recommendation
	switch {
	case score < 30:
		out = append(out, Recommendation{PriorityInfo, "safe_to_proceed",
			"Air quality is good. Safe for all activities."})
	case score < 50:
		out = append(out, Recommendation{PriorityLow, "proceed_with_awareness",
			"Air quality is acceptable. Sensitive individuals should consider reducing prolonged outdoor exertion."})
	case score < 70:
		out = append(out, Recommendation{PriorityMedium, "limit_outdoor",
			"Air quality is unhealthy for sensitive groups. Consider limiting outdoor activities."})
	default:
		out = append(out, Recommendation{PriorityHigh, "avoid_outdoor",
			"Air quality is unhealthy. Avoid outdoor activities. Stay indoors with air purification."})
	}

	if (req.Activity == ActivityModerate || req.Activity == ActivityIntense) && score > 50 {
		out = append(out, Recommendation{PriorityMedium, "modify_activity",
			"Consider indoor exercise or reduce intensity. Current conditions increase respiratory strain."})
	}

	if score > 60 && req.Location == LocationOutdoor {
		mask, priority := "surgical mask", PriorityMedium
		if score > 80 {
			mask, priority = "N95", PriorityHigh
		}
		out = append(out, Recommendation{priority, "wear_mask",
			"Wear a " + mask + " when outdoors to reduce particulate exposure."})
	}

	if req.Location == LocationIndoor {
		if req.Air.CO2 != nil && *req.Air.CO2 > co2Stuffy {
			out = append(out, Recommendation{PriorityMedium, "improve_ventilation",
				"CO2 levels are high. Open windows or improve ventilation."})
		}
		if req.Air.PM25 > purifierPM25 {
			out = append(out, Recommendation{PriorityHigh, "use_air_purifier",
				"Use an air purifier with HEPA filter to reduce indoor PM2.5."})
		}
	}

	if req.Profile.Asthma && score > 40 {
		out = append(out, Recommendation{PriorityHigh, "have_inhaler",
			"Keep your rescue inhaler accessible. Monitor for symptoms."})
	}
	if score > 50 {
		out = append(out, Recommendation{PriorityLow, "stay_hydrated",
			"Drink plenty of water to help your body cope with pollutants."})
	}
	return out
}
