package kernel

// MIMEMap holds data that can be presented in multiple formats, keyed by
// MIME type. Every bundle should carry at least a "text/plain" entry.
type MIMEMap = map[string]any

// Data is the data/metadata/transient triple used by execute_result,
// display_data and update_display_data (spec §4.E).
type Data struct {
	Data      MIMEMap
	Metadata  MIMEMap
	Transient MIMEMap
}

// KernelInfo answers "kernel_info_request" (spec §4.D, §6).
type KernelInfo struct {
	ProtocolVersion       string             `json:"protocol_version"`
	Implementation        string             `json:"implementation"`
	ImplementationVersion string             `json:"implementation_version"`
	LanguageInfo          LanguageInfo       `json:"language_info"`
	Banner                string             `json:"banner"`
	HelpLinks             []HelpLink         `json:"help_links"`
	Debugger              bool               `json:"debugger"`
	Status                string             `json:"status"`
}

// LanguageInfo describes the language the kernel executes (R, here).
type LanguageInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	MIMEType          string `json:"mimetype"`
	FileExtension     string `json:"file_extension"`
	PygmentsLexer     string `json:"pygments_lexer"`
	CodeMirrorMode    string `json:"codemirror_mode"`
	NBConvertExporter string `json:"nbconvert_exporter"`
}

// HelpLink is one entry of KernelInfo.HelpLinks.
type HelpLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// CompleteReply answers "complete_request" (spec §4.D).
type CompleteReply struct {
	Status      string   `json:"status"`
	Matches     []string `json:"matches"`
	CursorStart int      `json:"cursor_start"`
	CursorEnd   int      `json:"cursor_end"`
	Metadata    MIMEMap  `json:"metadata"`
}

// InspectReply answers "inspect_request" (spec §4.D).
type InspectReply struct {
	Status   string  `json:"status"`
	Found    bool    `json:"found"`
	Data     MIMEMap `json:"data"`
	Metadata MIMEMap `json:"metadata"`
}

// IsCompleteReply answers "is_complete_request" (spec §4.D): whether code is
// a complete R statement, needs more input ("incomplete", with an Indent
// hint), is invalid, or the kernel declines to judge ("unknown").
type IsCompleteReply struct {
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}

// HistoryReply answers "history_request" (spec's supplemented feature: a
// bounded ring of past executions).
type HistoryReply struct {
	Status  string          `json:"status"`
	History [][3]any        `json:"history"`
}

// CommInfoReply answers "comm_info_request" (spec's supplemented feature).
type CommInfoReply struct {
	Status string                    `json:"status"`
	Comms  map[string]CommInfoTarget `json:"comms"`
}

// CommInfoTarget is one entry of CommInfoReply.Comms.
type CommInfoTarget struct {
	TargetName string `json:"target_name"`
}

// ExecuteReply answers "execute_request" on success or error (spec §4.D).
type ExecuteReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	Payload        []any    `json:"payload"`
	UserExpressions MIMEMap `json:"user_expressions"`

	// Populated only when Status == "error".
	ErrorName      string   `json:"ename,omitempty"`
	ErrorValue     string   `json:"evalue,omitempty"`
	ErrorTraceback []string `json:"traceback,omitempty"`
}

func EnsureMIMEMap(bundle MIMEMap) MIMEMap {
	if bundle == nil {
		bundle = make(MIMEMap)
	}
	return bundle
}
