// Package taskrunner is the boundary between the conveyor run coordinator and the
// collaborators that execute individual jobs. It exposes the `Runner` interface,
// the `Request`/`Result` contract and helpers (`Factory`, `Resolve`) so the CLI and
// HTTP surfaces can inject a task implementation once, while unit tests swap in fakes.
package taskrunner
