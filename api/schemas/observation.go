package schemas

// -- Environment Observation Schemas --

// FeedbackStatus is the outcome token of the last executed action.
type FeedbackStatus string

const (
	FeedbackSuccess FeedbackStatus = "SUCCESS"
	FeedbackFailed  FeedbackStatus = "FAILED"
	FeedbackTimeout FeedbackStatus = "TIMEOUT"
	FeedbackPartial FeedbackStatus = "PARTIAL"
)

// BoundingBox is the axis-aligned box of an element in page coordinates.
type BoundingBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// KeyElement is a snapshot of one actionable page element, harvested by the
// browser layer. The core treats these as read-only.
type KeyElement struct {
	ElementID   string      `json:"element_id"`
	TagName     string      `json:"tag_name"`
	XPath       string      `json:"xpath"`
	InnerText   string      `json:"inner_text"`
	IsVisible   bool        `json:"is_visible"`
	IsClickable bool        `json:"is_clickable"`
	BBox        BoundingBox `json:"bbox"`
	// PurposeHint is an optional guess at what the element is for.
	PurposeHint string `json:"purpose_hint,omitempty"`
}

// ActionFeedback describes how the last action went, with a machine-readable
// error code for the dispatcher's retry classification.
type ActionFeedback struct {
	Status    FeedbackStatus `json:"status"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
}

// WebObservation is the structured snapshot of the environment produced after
// every dispatch attempt. The latest observation is retained on the node that
// produced it and in the loop's rolling context.
type WebObservation struct {
	ObservationTimestampUTC string `json:"observation_timestamp_utc"`
	CurrentURL              string `json:"current_url"`
	HTTPStatusCode          int    `json:"http_status_code"`
	PageLoadTimeMs          int    `json:"page_load_time_ms"`
	IsAuthenticated         bool   `json:"is_authenticated"`

	KeyElements         []KeyElement `json:"key_elements"`
	ScreenshotAvailable bool         `json:"screenshot_available"`

	LastActionFeedback *ActionFeedback `json:"last_action_feedback,omitempty"`
	MemoryContext      string          `json:"memory_context"`

	BrowserHealthStatus string `json:"browser_health_status"`
}

// Clone returns a deep copy of the observation.
func (o *WebObservation) Clone() *WebObservation {
	if o == nil {
		return nil
	}
	out := *o
	if o.KeyElements != nil {
		out.KeyElements = make([]KeyElement, len(o.KeyElements))
		copy(out.KeyElements, o.KeyElements)
	}
	if o.LastActionFeedback != nil {
		fb := *o.LastActionFeedback
		out.LastActionFeedback = &fb
	}
	return &out
}
