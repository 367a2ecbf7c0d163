package agent

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/dftw-collector/pkg/state"
)

var (
	sourceStyle = color.New(color.FgCyan, color.Bold).SprintFunc()
	errorStyle  = color.New(color.FgRed, color.Bold).SprintFunc()
	warnStyle   = color.New(color.FgYellow).SprintFunc()
	headerStyle = color.New(color.FgGreen, color.Bold, color.Underline).SprintFunc()
)

// messagePrinter 把模块发布的消息打印到终端；ThreadAware 模块会并发调用
func messagePrinter(w io.Writer) state.MessageCallback {
	var mu sync.Mutex
	return func(source, message string, isError bool) {
		mu.Lock()
		defer mu.Unlock()
		if isError {
			message = errorStyle(message)
		}
		_, _ = fmt.Fprintf(w, "[%s] %s\n", sourceStyle(source), message)
	}
}
