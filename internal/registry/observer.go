package registry

import (
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"

	"github.com/castview/browserd/internal/events"
)

// pageObserver wires the passive console and uncaught-error observers for
// a page. Observations are emitted to the diagnostic hub only; they never
// feed back into command results or error propagation.
func (r *Registry) pageObserver(pageID string) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			r.hub.Emit(events.Event{
				TS:     time.Now().UTC(),
				Kind:   events.KindConsole,
				PageID: pageID,
				Level:  string(e.Type),
				Text:   formatConsoleArgs(e.Args),
			})
		case *runtime.EventExceptionThrown:
			r.hub.Emit(events.Event{
				TS:     time.Now().UTC(),
				Kind:   events.KindPageError,
				PageID: pageID,
				Level:  "error",
				Text:   formatException(e.ExceptionDetails),
			})
		}
	}
}

func formatConsoleArgs(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		switch {
		case len(arg.Value) > 0:
			parts = append(parts, string(arg.Value))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	return strings.Join(parts, " ")
}

func formatException(details *runtime.ExceptionDetails) string {
	if details == nil {
		return "unknown page error"
	}
	if details.Exception != nil && details.Exception.Description != "" {
		return details.Exception.Description
	}
	return details.Text
}
