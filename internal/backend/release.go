package backend

import (
	"os/exec"
	"regexp"
	"runtime"
)

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// platformRelease returns the OS version string. It shells out to `cmd /c
// ver` on Windows ("Microsoft Windows [Version 10.0.19045.3930]") and
// extracts the dotted version. Non-Windows platforms never reach the ConPTY
// probe, so an empty string is returned without spawning anything.
func platformRelease() string {
	if runtime.GOOS != "windows" {
		return ""
	}
	out, err := exec.Command("cmd", "/c", "ver").Output()
	if err != nil {
		return ""
	}
	return versionPattern.FindString(string(out))
}
