package orgsession

import (
	"github.com/sirupsen/logrus"
)

// Log field keys.
const (
	FieldScheme  = "scheme"
	FieldService = "service"
	FieldExpires = "expires"
	FieldOp      = "op"
	FieldDevice  = "device"
)

func defaultLogger(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	return logrus.StandardLogger()
}
