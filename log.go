package pe32

import (
	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"
)

// logger emits debug traces for image parsing and patching.
// Set PE32_VERBOSE=1 to see them.
var logger = logrus.New()

func init() {
	if env.Bool("PE32_VERBOSE") {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
}
