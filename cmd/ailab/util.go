package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/thenullengine/ailab"
)

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}

// openBrowser launches the platform's URL handler, fire and forget.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
}

// streamEvents prints bus events until cancel is called.
func streamEvents(m *ailab.Manager) (cancel func()) {
	ch, unsub := m.Subscribe(128)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Printf("%s [%s] %s %s\n",
				ev.Time.Format("15:04:05"), ev.Tool, ev.Severity, ev.Message)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}
