//go:build tools

// Package tools pins the lint, format and release tools run by the Makefile.
package tools

import (
	_ "github.com/golangci/golangci-lint/v2/cmd/golangci-lint"
	_ "github.com/goreleaser/goreleaser"
	_ "mvdan.cc/gofumpt"
)
