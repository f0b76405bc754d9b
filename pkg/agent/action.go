package agent

// ActionType is the closed set of neutral actions the Backend Adapter understands.
type ActionType string

const (
	ActionScreenshot   ActionType = "screenshot"
	ActionClick        ActionType = "click"
	ActionTyping       ActionType = "type"
	ActionDrag         ActionType = "drag"
	ActionScroll       ActionType = "scroll"
	ActionHotkey       ActionType = "hotkey"
	ActionHoldAndPress ActionType = "hold_and_press"
	ActionOpen         ActionType = "open"
	ActionSwitchApp    ActionType = "switch_app"
	ActionWait         ActionType = "wait"
	ActionDone         ActionType = "done"
	ActionFail         ActionType = "fail"
)

// MouseButton enumerates the buttons a click/drag can use.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonMiddle MouseButton = "middle"
	ButtonRight  MouseButton = "right"
)

// Action is the neutral action payload, a tagged variant carried as one
// struct with the fields relevant to Type populated. Done and fail are
// ordinary variants the Worker returns and the Dispatcher switches on,
// not control flow smuggled through errors.
type Action struct {
	Type ActionType `json:"type"`

	XY       [2]int      `json:"xy,omitempty"`
	Button   MouseButton `json:"button,omitempty"`
	Count    int         `json:"count,omitempty"`
	HoldKeys []string    `json:"hold_keys,omitempty"`

	Text       string `json:"text,omitempty"`
	Overwrite  bool   `json:"overwrite,omitempty"`
	PressEnter bool   `json:"press_enter,omitempty"`

	Start [2]int `json:"start,omitempty"`
	End   [2]int `json:"end,omitempty"`

	Clicks   int  `json:"clicks,omitempty"`
	Vertical bool `json:"vertical,omitempty"`

	Keys      []string `json:"keys,omitempty"`
	PressKeys []string `json:"press_keys,omitempty"`

	AppOrFilename string `json:"app_or_filename,omitempty"`
	AppCode       string `json:"app_code,omitempty"`

	Seconds float64 `json:"seconds,omitempty"`

	ReturnValue string `json:"return_value,omitempty"`
}

// IsDone reports whether the action is the worker's subtask-completion signal.
func (a Action) IsDone() bool { return a.Type == ActionDone }

// IsFail reports whether the action is the worker's subtask-failure signal.
func (a Action) IsFail() bool { return a.Type == ActionFail }

// ActionResult is what executing an Action against a Backend yields.
type ActionResult struct {
	Success     bool   `json:"success"`
	Observation []byte `json:"observation,omitempty"`
	Error       string `json:"error,omitempty"`
}
