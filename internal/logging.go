package internal

import (
	"log"
	"os"
)

func NewLogger(component string) *log.Logger {
	prefix := "undercover"
	if component != "" {
		prefix = prefix + "/" + component
	}
	return log.New(os.Stdout, prefix+" ", log.LstdFlags|log.Lmicroseconds)
}

// WithRequestID returns a logger that tags every line with reqID.
func WithRequestID(logger *log.Logger, reqID string) *log.Logger {
	if logger == nil {
		logger = log.Default()
	}
	if reqID == "" {
		return logger
	}
	return log.New(logger.Writer(), logger.Prefix()+"request_id="+reqID+" ", logger.Flags())
}
