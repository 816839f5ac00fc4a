// Package logctx gives call sites the same leveled-format convention the
// teacher used for its external rns.Logf(rns.LOG_DEBUG, fmt, args...)
// calls, backed by logrus since that external package is out of scope
// here.
package logctx

import "github.com/sirupsen/logrus"

var base = logrus.WithField("component", "mesh")

// With returns a logger scoped to component, the way the rest of this
// module tags its own logrus entries.
func With(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

func Debugf(format string, args ...any)  { base.Debugf(format, args...) }
func Noticef(format string, args ...any) { base.Infof(format, args...) }
func Warnf(format string, args ...any)   { base.Warnf(format, args...) }
func Errorf(format string, args ...any)  { base.Errorf(format, args...) }
