package constants

import "time"

const (
	DefaultCommandTimeout = 120 * time.Second
	// DefaultAuditWriteTimeout bounds one command log append.
	DefaultAuditWriteTimeout = 5 * time.Second
)

// Command outcomes recorded in the command log
const (
	// CommandStatusFailed indicates that the command reached the box and failed there, or never reached it
	CommandStatusFailed = "failed"
	// CommandStatusSuccess indicates that the box executed the command and reported success
	CommandStatusSuccess = "success"
)

// Command types understood by boxes. Proxies build envelopes with these names.
const (
	CommandBashExec = "bash.exec"

	CommandBrowserNavigate   = "browser.navigate"
	CommandBrowserClick      = "browser.click"
	CommandBrowserType       = "browser.type"
	CommandBrowserScreenshot = "browser.screenshot"
	CommandBrowserEvaluate   = "browser.evaluate"
	CommandBrowserContent    = "browser.content"

	CommandFileRead   = "file.read"
	CommandFileWrite  = "file.write"
	CommandFileList   = "file.list"
	CommandFileDelete = "file.delete"

	CommandSystemInfo      = "system.info"
	CommandSystemProcesses = "system.processes"
	CommandSystemKill      = "system.kill"
)
