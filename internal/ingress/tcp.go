package ingress

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/capture"
	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
)

const defaultReadTimeout = 5 * time.Second

// LineListener accepts one JSON line per TCP connection, the framing the
// capture stations use, then closes the connection without replying.
type LineListener struct {
	dispatcher  *Dispatcher
	readTimeout time.Duration
	log         *zap.SugaredLogger

	wg sync.WaitGroup
}

func NewLineListener(d *Dispatcher) *LineListener {
	return &LineListener{
		dispatcher:  d,
		readTimeout: defaultReadTimeout,
		log:         logger.ComponentLogger("gate.ingress"),
	}
}

// ListenAndServe binds addr and serves until ctx ends.
func (l *LineListener) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends. ln is closed on return and
// in-flight connections are drained.
func (l *LineListener) Serve(ctx context.Context, ln net.Listener) error {
	l.log.Infow("tcp ingress listening", logger.FieldAddress, ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer l.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warnw("accept failed", logger.FieldError, err)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *LineListener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	r := bufio.NewReaderSize(io.LimitReader(conn, capture.MaxLineBytes+1), capture.MaxLineBytes+1)
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		// A sender that stalls past the deadline has not finished its line.
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			l.log.Warnw("tcp read timed out, discarding partial line",
				logger.FieldAddress, remote, "bytes", len(line))
			return
		}
		l.log.Warnw("tcp read failed", logger.FieldAddress, remote, logger.FieldError, err)
	}
	if len(line) == 0 {
		return
	}

	if err := l.dispatcher.Dispatch(ctx, "tcp", line); err != nil {
		l.log.Infow("tcp notification rejected", logger.FieldAddress, remote, logger.FieldError, err)
	}
}
