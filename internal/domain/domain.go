package domain

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Reading is a single water-quality sample reported by a cage sensor.
type Reading struct {
	CageID      string   `json:"cage_id"`
	Nitrogen    float64  `json:"nitrogen"`
	Phosphorus  float64  `json:"phosphorus"`
	Oxygen      float64  `json:"oxygen"`
	Temperature float64  `json:"temperature"`
	Location    Location `json:"location"`
}

// SensorPayload is a reading in the field names deployed sensors send.
type SensorPayload struct {
	ID         string   `json:"id" minLength:"1" doc:"Cage id"`
	Nitrogen   float64  `json:"nitrogen" minimum:"0" doc:"mg/L"`
	Phosphorus float64  `json:"phosphorus" minimum:"0" doc:"mg/L"`
	Oxygen     float64  `json:"oxygen" minimum:"0" doc:"Dissolved oxygen, mg/L"`
	Temp       float64  `json:"temp" doc:"Water temperature, °C"`
	Location   Location `json:"location"`
}

func (p SensorPayload) Reading() Reading {
	return Reading{
		CageID:      p.ID,
		Nitrogen:    p.Nitrogen,
		Phosphorus:  p.Phosphorus,
		Oxygen:      p.Oxygen,
		Temperature: p.Temp,
		Location:    p.Location,
	}
}

// Relocation is the command returned to a sensor after an abnormal reading.
type Relocation struct {
	Move        RelocationTarget `json:"move"`
	AlertID     string           `json:"alert_id"`
	Explanation string           `json:"explanation"`
}

type Violation struct {
	Parameter string  `json:"parameter" enum:"oxygen,nitrogen,phosphorus,temperature"`
	Value     float64 `json:"value"`
	Limit     string  `json:"limit"`
	Message   string  `json:"message"`
}

// Verdict is the classification of a Reading against the safety thresholds.
type Verdict struct {
	Abnormal    bool        `json:"abnormal"`
	Explanation string      `json:"explanation"`
	Violations  []Violation `json:"violations"`
}

type RelocationTarget struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Owner is the person responsible for a cage and the recipient of alerts.
type Owner struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Cage struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	OwnerID       string   `json:"owner_id"`
	Nitrogen      float64  `json:"nitrogen"`
	Phosphorus    float64  `json:"phosphorus"`
	Oxygen        float64  `json:"oxygen"`
	Temperature   float64  `json:"temperature"`
	Location      Location `json:"location"`
	LastReadingAt *string  `json:"last_reading_at,omitempty" format:"date-time"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type Alert struct {
	ID          string           `json:"id"`
	CageID      string           `json:"cage_id"`
	OwnerID     string           `json:"owner_id"`
	Explanation string           `json:"explanation"`
	Reading     Reading          `json:"reading"`
	Target      RelocationTarget `json:"target"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	Deliveries  []Delivery       `json:"deliveries,omitempty"`
}

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"

	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
	DeliveryDropped = "dropped"
)

// Delivery records the outcome of one notification channel for an alert.
type Delivery struct {
	ID        int64  `json:"id"`
	AlertID   string `json:"alert_id"`
	Channel   string `json:"channel" enum:"sms,email"`
	Status    string `json:"status" enum:"sent,failed,skipped,dropped"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind" enum:"cage,owner,alert,api_key"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
