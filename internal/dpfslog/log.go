// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dpfslog configures the process-wide logrus logger.
package dpfslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures logrus's standard logger from a level name (debug,
// info, warn, error); an unrecognized name falls back to info and logs
// a warning about it.
func Setup(level string) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		logrus.SetLevel(lvl)
		logrus.WithField("requested", level).Warn("log: unrecognized level, defaulting to info")
		return
	}
	logrus.SetLevel(lvl)
}
