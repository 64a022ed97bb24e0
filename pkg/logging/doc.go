// Package logging provides structured logging configuration for chargekit.
//
// This package wraps log/slog to provide consistent logging across all
// chargekit components. It supports configurable log levels and output
// formats.
//
// # Usage
//
// Create a logger with desired configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("charger connected", "chargePointId", "CP-001")
//	logger.Error("create failed", "error", err)
//
// # Integration
//
// Components accept a *slog.Logger in their config or via a setter. If no
// logger is provided they fall back to logging.Nop(), so library use stays
// silent by default. Use Component to tag a logger with the subsystem that
// owns it:
//
//	log := logging.Component(logger, "ocpp")
package logging
