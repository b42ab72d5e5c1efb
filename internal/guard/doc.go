// Package guard holds declarative request rules.
package guard
