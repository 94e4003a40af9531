package models

// SettingPanel is the settings panel currently shown. Only one can be open.
type SettingPanel string

const (
	PanelNone    SettingPanel = "none"
	PanelGlobal  SettingPanel = "global"
	PanelSession SettingPanel = "session"
)

// CopyResult is the kind of the last successful clipboard copy. CopyNone means no feedback.
type CopyResult string

const (
	CopyNone     CopyResult = "false"
	CopyMarkdown CopyResult = "markdown"
	CopyLink     CopyResult = "link"
)

// ImageStatus tracks an image export.
type ImageStatus string

const (
	ImageNormal  ImageStatus = "normal"
	ImageLoading ImageStatus = "loading"
	ImageSuccess ImageStatus = "success"
	ImageError   ImageStatus = "error"
)

// FakeRole is the role used when the user composes as someone else.
type FakeRole string

const (
	FakeRoleNormal    FakeRole = "normal"
	FakeRoleUser      FakeRole = "user"
	FakeRoleAssistant FakeRole = "assistant"
)

// ActionState is the ephemeral UI state. It is never persisted.
type ActionState struct {
	ShowSetting          SettingPanel `json:"showSetting"`
	Success              CopyResult   `json:"success"`
	GenImg               ImageStatus  `json:"genImg"`
	FakeRole             FakeRole     `json:"fakeRole"`
	ClearSessionConfirm  bool         `json:"clearSessionConfirm"`
	DeleteSessionConfirm bool         `json:"deleteSessionConfirm"`
}

// DefaultActionState returns the state after a reload.
func DefaultActionState() ActionState {
	return ActionState{
		ShowSetting: PanelNone,
		Success:     CopyNone,
		GenImg:      ImageNormal,
		FakeRole:    FakeRoleNormal,
	}
}
