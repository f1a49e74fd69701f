package task

import "github.com/mihkeltiks/rec-replay/trace"

// Event is the trace event model; tasks keep a stack of the events they are
// in the middle of processing.
type Event = trace.Event
