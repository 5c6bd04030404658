//go:build !linux

package main

import "github.com/strandml/strand/internal/logger"

func logResourceUsage(logger.Logger) {}
