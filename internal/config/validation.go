package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks struct tags plus cross-field rules that tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterStructValidation(validateTask, TaskConfig{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// An enabled task needs a schedule or an interval; the schedule wins when both are set.
func validateTask(sl validator.StructLevel) {
	task := sl.Current().Interface().(TaskConfig)
	if !task.Enabled {
		return
	}
	if task.Schedule == "" && task.Interval <= 0 {
		sl.ReportError(task.Schedule, "Schedule", "schedule", "schedule_or_interval", "")
	}
}

// IsAdmin reports whether userID may run operator commands.
func (c *Config) IsAdmin(userID int64) bool {
	return userID != 0 && userID == c.Telegram.AdminUserID
}
