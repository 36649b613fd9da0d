// Package log configures the process-wide zerolog logger used by every
// component in this module, with helpers for attaching common fields
// (component, task id, job key, host) to child loggers.
package log
