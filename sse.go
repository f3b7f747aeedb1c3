package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/tmaxmax/go-sse"
)

// sseStream is the server-to-client notification channel of one session, opened by a GET
// on the streamable endpoint. Writes to the underlying sse.Session are funnelled through
// a single goroutine.
type sseStream struct {
	sess     *sse.Session
	sendMsgs chan sseStreamSendMsg
	logger   *slog.Logger

	done       chan struct{}
	sendClosed chan struct{}
}

type sseStreamSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

var errStreamClosed = errors.New("stream is closed")

func newSSEStream(sess *sse.Session, logger *slog.Logger) *sseStream {
	return &sseStream{
		sess:       sess,
		sendMsgs:   make(chan sseStreamSendMsg, 5),
		logger:     logger,
		done:       make(chan struct{}),
		sendClosed: make(chan struct{}),
	}
}

// Send queues msg as a "message" event and waits until it is flushed to the client.
func (s *sseStream) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		ID:   sse.ID(ulid.Make().String()),
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sseStreamSendMsg{sseMsg, errs}:
	case <-s.done:
		return errStreamClosed
	case <-ctx.Done():
		return fmt.Errorf("failed to queue message: %w", ctx.Err())
	}

	// Wait and return the error if any
	select {
	case err := <-errs:
		return err
	case <-s.done:
		return errStreamClosed
	case <-ctx.Done():
		return fmt.Errorf("failed to send message: %w", ctx.Err())
	}
}

// stop ends the stream and waits for the send loop to exit.
func (s *sseStream) stop() {
	close(s.done)
	<-s.sendClosed
}

func (s *sseStream) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// Send and flush the message to the client.
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}
