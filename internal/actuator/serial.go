package actuator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/logger"
)

// Commands understood by the gate controller board, one per line.
const (
	cmdOpen  = "OPEN"
	cmdClose = "CLOSE"
	cmdShow  = "SHOW"
)

// MaxDisplayText is the width of the operator display.
const MaxDisplayText = 32

// SerialController writes line commands to the gate board.
type SerialController struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
	log  *zap.SugaredLogger
}

// NewSerialController opens the serial port at path.
func NewSerialController(path string, opts PortOptions) (*SerialController, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return NewSerialControllerWithPort(port), nil
}

// NewSerialControllerWithPort wraps an already opened port.
func NewSerialControllerWithPort(port io.ReadWriteCloser) *SerialController {
	return &SerialController{
		port: port,
		log:  logger.ComponentLogger("gate.actuator"),
	}
}

func (s *SerialController) OpenGate(ctx context.Context) error {
	return s.send(ctx, cmdOpen)
}

func (s *SerialController) CloseGate(ctx context.Context) error {
	return s.send(ctx, cmdClose)
}

func (s *SerialController) Show(ctx context.Context, text string) error {
	return s.send(ctx, cmdShow+" "+displayText(text))
}

// Release closes the serial port.
func (s *SerialController) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

func (s *SerialController) send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.port, line+"\n"); err != nil {
		s.log.Errorw("serial write failed", "command", line, logger.FieldError, err)
		return fmt.Errorf("write %q: %w", line, err)
	}
	s.log.Debugw("serial command", "command", line)
	return nil
}

// displayText keeps the text on one line and within the display width.
func displayText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > MaxDisplayText {
		text = string(r[:MaxDisplayText])
	}
	return text
}
