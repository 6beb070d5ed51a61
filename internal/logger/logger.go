package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field names shared across components.
const (
	FieldComponent  = "component"
	FieldStation    = "station"
	FieldKind       = "kind"
	FieldSessionID  = "session_id"
	FieldRequestID  = "request_id"
	FieldDirection  = "direction"
	FieldPlate      = "plate"
	FieldOutcome    = "outcome"
	FieldPhase      = "phase"
	FieldReason     = "reason"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldURL        = "url"
	FieldAvailable  = "available"
	FieldDurationMS = "duration_ms"
	FieldAddress    = "address"
)

var (
	// Logger is the process-wide logger. It is a no-op until Initialize runs.
	Logger *zap.SugaredLogger
	// JSONOutput records whether Initialize selected JSON encoding.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. Console output is used unless
// jsonOutput is set.
func Initialize(jsonOutput bool, level string) error {
	JSONOutput = jsonOutput

	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zapcore.InfoLevel
	}

	var zapLogger *zap.Logger
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(lvl)
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err = config.Build()
		if err != nil {
			return err
		}
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encCfg),
				zapcore.AddSync(os.Stdout),
				lvl,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

// ComponentLogger returns a named child of the global logger.
//
// Example:
//
//	type Rearmer struct {
//	    log *zap.SugaredLogger
//	}
//
//	func NewRearmer() *Rearmer {
//	    return &Rearmer{log: logger.ComponentLogger("gate.stations")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Sync flushes buffered entries. Errors from syncing stdout are ignored.
func Sync() {
	_ = Logger.Sync()
}
