// Package events implements a small in-process pub/sub broker the state
// manager uses to announce task lifecycle transitions to external
// subscribers (CLI watchers, the reconciler, tests) without coupling it
// to any particular consumer.
package events
