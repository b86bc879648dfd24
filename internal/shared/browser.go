package shared

import (
	"fmt"
	"os/exec"
	"runtime"
)

var getRuntime = func() string { return runtime.GOOS }

// Launcher opens a URL for the user. Failures are informational only.
type Launcher interface {
	Open(url string) error
}

// BrowserLauncher opens URLs in the system browser via [OpenBrowser].
type BrowserLauncher struct{}

func (BrowserLauncher) Open(url string) error {
	if err := OpenBrowser(url); err != nil {
		return fmt.Errorf("%w: %v", ErrBrowserLaunch, err)
	}
	return nil
}

// NoopLauncher never opens anything. Used for headless deployments.
type NoopLauncher struct{}

func (NoopLauncher) Open(string) error {
	return fmt.Errorf("%w: browser launch disabled", ErrBrowserLaunch)
}

// OpenBrowser opens the default system browser to the specified URL.
//
// Supports macOS, Linux, and Windows platforms.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	rt := getRuntime()
	switch rt {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", rt)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}

	go cmd.Wait()

	return nil
}
