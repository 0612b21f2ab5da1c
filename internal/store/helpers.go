package store

import (
	"database/sql"
	"errors"
	"time"

	"coursebuild/internal/services"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

// notFound maps sql.ErrNoRows to services.ErrNotFound and wraps anything else.
func notFound(err error, operation, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return services.Wrap(services.ErrNotFound, "store", operation, what+" not found", nil)
	}
	return services.Wrap(services.ErrExternalCapability, "store", operation, "query failed", err)
}

func storageError(operation string, err error) error {
	return services.Wrap(services.ErrExternalCapability, "store", operation, "database error", err)
}
