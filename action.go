package webrun

import (
	"fmt"
	"slices"
)

// ActionType is the discriminant of an Action.
type ActionType string

const (
	ActionGoto        ActionType = "goto"
	ActionClick       ActionType = "click"
	ActionInput       ActionType = "input"
	ActionWait        ActionType = "wait"
	ActionWaitElement ActionType = "wait_element"
	ActionScroll      ActionType = "scroll"
	ActionPress       ActionType = "press"
	ActionHover       ActionType = "hover"
	ActionScreenshot  ActionType = "screenshot"
	ActionExtract     ActionType = "extract"
	ActionEvaluate    ActionType = "evaluate"
	ActionUpload      ActionType = "upload"
	ActionCloseTab    ActionType = "close_tab"
	ActionStart       ActionType = "start"
	ActionEnd         ActionType = "end"
)

// ExtractField selects one value for an extract action.
type ExtractField struct {
	Name         string `json:"name,omitempty"`
	Selector     string `json:"selector"`
	SelectorType string `json:"selectorType,omitempty"`
	ExtractType  string `json:"extractType,omitempty"`
	Attribute    string `json:"attribute,omitempty"`
}

// Action is one browser step. Only the fields relevant to Type are set.
type Action struct {
	Type         ActionType `json:"type"`
	Name         string     `json:"name,omitempty"`
	Selector     string     `json:"selector,omitempty"`
	SelectorType string     `json:"selector_type,omitempty"`
	Value        string     `json:"value,omitempty"`
	Clear        *bool      `json:"clear,omitempty"`
	URL          string     `json:"url,omitempty"`
	// Timeout is in milliseconds; for wait it is the sleep duration.
	Timeout    int            `json:"timeout,omitempty"`
	State      string         `json:"state,omitempty"`
	Direction  string         `json:"direction,omitempty"`
	Amount     int            `json:"amount,omitempty"`
	Keys       []string       `json:"keys,omitempty"`
	PressEnter bool           `json:"press_enter,omitempty"`
	Script     string         `json:"script,omitempty"`
	FilePaths  []string       `json:"file_paths,omitempty"`
	Selectors  []ExtractField `json:"selectors,omitempty"`
	ShotType   string         `json:"screenshotType,omitempty"`
	FullPage   bool           `json:"fullPage,omitempty"`
	SavePath   string         `json:"savePath,omitempty"`
}

// Label is the human-readable name used in progress events and logs.
func (a Action) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return string(a.Type)
}

// Clone copies the slice fields so the action can be frozen at submit time.
func (a Action) Clone() Action {
	a.Keys = slices.Clone(a.Keys)
	a.FilePaths = slices.Clone(a.FilePaths)
	a.Selectors = slices.Clone(a.Selectors)
	if a.Clear != nil {
		v := *a.Clear
		a.Clear = &v
	}
	return a
}

func (a Action) String() string {
	if a.Selector != "" {
		return fmt.Sprintf("%s(%s)", a.Type, a.Selector)
	}
	if a.URL != "" {
		return fmt.Sprintf("%s(%s)", a.Type, a.URL)
	}
	return string(a.Type)
}
