package webrun

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Worker command names.
const (
	CmdStart      = "start"
	CmdAction     = "action"
	CmdScreenshot = "screenshot"
	CmdClose      = "close"
	CmdPing       = "ping"
)

// Command is one request line sent to a worker process.
type Command struct {
	Cmd    string  `json:"cmd"`
	Action *Action `json:"action,omitempty"`

	// start only
	URL            string `json:"url,omitempty"`
	ChromePath     string `json:"chrome_path,omitempty"`
	Port           int    `json:"port,omitempty"`
	Headless       bool   `json:"headless,omitempty"`
	EnableStealth  bool   `json:"enable_stealth,omitempty"`
	ViewportWidth  int    `json:"viewport_width,omitempty"`
	ViewportHeight int    `json:"viewport_height,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Locale         string `json:"locale,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// Response is one reply line from a worker process. Fields the orchestrator
// does not interpret are kept verbatim in Fields.
type Response struct {
	Success    bool                       `json:"success"`
	Error      string                     `json:"error,omitempty"`
	Screenshot string                     `json:"screenshot,omitempty"`
	SavedPath  string                     `json:"saved_path,omitempty"`
	Data       json.RawMessage            `json:"data,omitempty"`
	Fields     map[string]json.RawMessage `json:"-"`
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := sonic.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Response{}
	for k, v := range raw {
		var err error
		switch k {
		case "success":
			err = sonic.Unmarshal(v, &r.Success)
		case "error":
			err = decodeLooseString(v, &r.Error)
		case "screenshot":
			err = sonic.Unmarshal(v, &r.Screenshot)
		case "saved_path":
			err = sonic.Unmarshal(v, &r.SavedPath)
		case "data":
			if string(v) != "null" {
				r.Data = v
			}
		default:
			if r.Fields == nil {
				r.Fields = make(map[string]json.RawMessage)
			}
			r.Fields[k] = v
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.Screenshot != "" {
		out["screenshot"] = r.Screenshot
	}
	if r.SavedPath != "" {
		out["saved_path"] = r.SavedPath
	}
	if len(r.Data) > 0 {
		out["data"] = r.Data
	}
	return json.Marshal(out)
}

// decodeLooseString accepts a string or any other JSON value, which is kept
// in its raw form. Workers are not consistent about the error field.
func decodeLooseString(v json.RawMessage, dst *string) error {
	if string(v) == "null" {
		return nil
	}
	if len(v) > 0 && v[0] == '"' {
		return sonic.Unmarshal(v, dst)
	}
	*dst = string(v)
	return nil
}
