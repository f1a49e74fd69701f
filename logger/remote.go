package logger

// an optional secondary sink for log rows, used by the live monitor to
// mirror recorder output to connected clients
var remoteSink func(level LoggingLevel, message string)

func SetRemoteSink(sink func(level LoggingLevel, message string)) {
	remoteSink = sink
}
