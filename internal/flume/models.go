package flume

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"
)

// apiResponse is the envelope every Flume endpoint wraps its payload in.
// Data is kept raw so each call site can decode its own element type.
type apiResponse struct {
	Success  bool            `json:"success"`
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	HTTPCode int             `json:"http_code"`
	Count    int             `json:"count"`
	Data     json.RawMessage `json:"data"`
}

// Device represents a Flume water sensor or bridge
type Device struct {
	ID           string  `json:"id"`
	Type         int     `json:"type"`
	LocationID   *int    `json:"location_id"`
	UserID       *int64  `json:"user_id"`
	BridgeID     *string `json:"bridge_id"`
	Oriented     bool    `json:"oriented"`
	LastSeen     string  `json:"last_seen"`
	Connected    bool    `json:"connected"`
	BatteryLevel *string `json:"battery_level"`
	Product      *string `json:"product"`
}

// Location represents a Flume device location
type Location struct {
	ID              int     `json:"id"`
	UserID          int64   `json:"user_id"`
	Name            string  `json:"name"`
	PrimaryLocation bool    `json:"primary_location"`
	Address         *string `json:"address"`
	Address2        *string `json:"address_2"`
	City            *string `json:"city"`
	State           *string `json:"state"`
	PostalCode      *string `json:"postal_code"`
	Country         *string `json:"country"`
	TZ              string  `json:"tz"`
	Installation    string  `json:"installation"`
	BuildingType    string  `json:"building_type"`
}

// UsageQuery describes one bucketed water-usage query
type UsageQuery struct {
	RequestID       string   `json:"request_id"`
	Bucket          string   `json:"bucket"`
	SinceDatetime   string   `json:"since_datetime"`
	UntilDatetime   string   `json:"until_datetime,omitempty"`
	GroupMultiplier *int     `json:"group_multiplier,omitempty"`
	Operation       string   `json:"operation,omitempty"`
	SortDirection   string   `json:"sort_direction,omitempty"`
	Units           string   `json:"units,omitempty"`
	Types           []string `json:"types,omitempty"`
}

// UsageReading is a single aggregated water usage value
type UsageReading struct {
	Datetime string  `json:"datetime"`
	Value    float64 `json:"value"`
}

// UsageAlert represents a triggered water usage alert
type UsageAlert struct {
	ID                int        `json:"id"`
	DeviceID          string     `json:"device_id"`
	TriggeredDatetime string     `json:"triggered_datetime"`
	FlumeLeak         bool       `json:"flume_leak"`
	Query             UsageQuery `json:"query"`
	EventRuleName     string     `json:"event_rule_name"`
}

// UsageAlertRule represents a configured usage-alert rule on a device
type UsageAlertRule struct {
	ID          json.Number `json:"id"`
	Name        string      `json:"name"`
	Active      bool        `json:"active"`
	FlowRate    float64     `json:"flow_rate"`
	Duration    int         `json:"duration"`
	NotifyEvery int         `json:"notify_every"`
}

// FlowReading is one current-flow sample for a device. Stale is set when
// the reading was served from the local cache rather than the live API.
type FlowReading struct {
	DeviceID  string
	Timestamp time.Time
	GPM       float64
	Active    bool
	Stale     bool
}

// flowPayload is the wire form of the current-flow endpoint response
type flowPayload struct {
	Active   bool    `json:"active"`
	GPM      float64 `json:"gpm"`
	Datetime string  `json:"datetime"`
}

const (
	defaultListLimit     = 50
	defaultSortField     = "id"
	defaultSortDirection = "ASC"
)

// ListOptions are the common paging and ordering parameters
type ListOptions struct {
	Limit         int
	Offset        int
	SortField     string
	SortDirection string
}

func (o ListOptions) values() url.Values {
	limit := o.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	sortField := o.SortField
	if sortField == "" {
		sortField = defaultSortField
	}
	sortDirection := o.SortDirection
	if sortDirection == "" {
		sortDirection = defaultSortDirection
	}

	v := url.Values{}
	v.Set("limit", strconv.Itoa(limit))
	v.Set("offset", strconv.Itoa(o.Offset))
	v.Set("sort_field", sortField)
	v.Set("sort_direction", sortDirection)
	return v
}

// DeviceListOptions are the parameters accepted by the device listing endpoint
type DeviceListOptions struct {
	ListOptions
	IncludeLocation bool
	IncludeUser     bool
	ListShared      bool
}

// DeviceOptions are the parameters accepted by the single-device endpoint
type DeviceOptions struct {
	IncludeLocation bool
	IncludeUser     bool
}

// LocationListOptions are the parameters accepted by the location listing endpoint
type LocationListOptions struct {
	ListOptions
	ListShared bool
}

// AlertListOptions are the parameters accepted by the usage-alert listing endpoint
type AlertListOptions struct {
	ListOptions
	DeviceID string
}

// setBool serializes a boolean query parameter as a lowercase string
// literal; the upstream API rejects anything else.
func setBool(v url.Values, key string, value bool) {
	v.Set(key, strconv.FormatBool(value))
}
