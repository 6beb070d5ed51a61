package actuator

import (
	"context"

	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/logger"
)

// LogController stands in for the gate board when none is attached.
type LogController struct {
	log *zap.SugaredLogger
}

func NewLogController() *LogController {
	return &LogController{log: logger.ComponentLogger("gate.actuator")}
}

func (l *LogController) OpenGate(context.Context) error {
	l.log.Infow("gate open")
	return nil
}

func (l *LogController) CloseGate(context.Context) error {
	l.log.Infow("gate closed")
	return nil
}

func (l *LogController) Show(_ context.Context, text string) error {
	l.log.Infow("display", "text", text)
	return nil
}
