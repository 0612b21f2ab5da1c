// Package main hosts the coursebuild CLI.
//
// Every subcommand except config and daemon start talks to a running
// coursebuildd over its unix socket. Build, checkpoint, and content commands
// render go-pretty tables by default and raw JSON with --json. Remote errors
// keep their kind, so a conflict or not-found answer exits with a distinct
// status code.
package main
