package workers

import "catalog_sync/models"

// LogFunc persists a worker log line to the run history store
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}
